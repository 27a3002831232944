// Package onset locates where genuine speech begins after a leading
// narration prefix. It scans forward from an initial skip point in fixed
// steps and asks a vad.Detector for activity in each remaining tail.
package onset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/gbarbosa99/dialects/internal/audio"
	"github.com/gbarbosa99/dialects/internal/vad"
)

// Static errors for onset detection.
var (
	// ErrNoSpeechFound is returned when no window in [InitialSkipMs, MaxSkipMs]
	// produced an accepted detection. The audio itself may still be valid.
	ErrNoSpeechFound = errors.New("onset: no speech found")
	// ErrDetection wraps failures of the underlying activity detector.
	ErrDetection = errors.New("onset: speech detection failed")
	// ErrInvalidOptions is returned by NewDetector for out-of-range options.
	ErrInvalidOptions = errors.New("onset: invalid options")
)

// Options tunes the incremental scan.
type Options struct {
	// InitialSkipMs is where the first window starts.
	InitialSkipMs float64 `validate:"gte=0"`
	// MaxSkipMs is the last allowed window start (inclusive).
	MaxSkipMs float64 `validate:"gtefield=InitialSkipMs"`
	// StepMs is how far the window start advances after a rejection.
	StepMs float64 `validate:"gt=0"`
	// MinAcceptedOffsetMs is the margin a detection must keep from the
	// window start; detections at or before it are treated as narration.
	MinAcceptedOffsetMs float64 `validate:"gte=0"`
	// SampleRate is the rate the detector expects.
	SampleRate int `validate:"gt=0"`
}

// DefaultOptions returns the scan parameters tuned on the dialect corpus.
func DefaultOptions() Options {
	return Options{
		InitialSkipMs:       13000,
		MaxSkipMs:           20000,
		StepMs:              2000,
		MinAcceptedOffsetMs: 1000,
		SampleRate:          16000,
	}
}

// Detector runs the onset scan against an injected activity detector.
type Detector struct {
	vad    vad.Detector
	opts   Options
	logger *slog.Logger
}

// NewDetector creates a new onset Detector.
func NewDetector(v vad.Detector, opts Options, logger *slog.Logger) (*Detector, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil activity detector", ErrInvalidOptions)
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{vad: v, opts: opts, logger: logger}, nil
}

// Options returns the scan parameters in use.
func (d *Detector) Options() Options {
	return d.opts
}

// FindSpeechOnset returns the absolute onset of speech in milliseconds.
//
// The clip is normalised to mono at the detector rate once; each window is a
// tail slice of that normalised clip starting at the current skip. The first
// segment of a window is accepted only when it begins more than
// MinAcceptedOffsetMs after the skip point.
func (d *Detector) FindSpeechOnset(ctx context.Context, clip *audio.Clip) (float64, error) {
	mono, err := audio.Normalize(clip, d.opts.SampleRate, true)
	if err != nil {
		return 0, fmt.Errorf("onset: normalize clip: %w", err)
	}

	for skip := d.opts.InitialSkipMs; skip <= d.opts.MaxSkipMs; skip += d.opts.StepMs {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("onset: scan cancelled: %w", err)
		}

		window := mono.Slice(skip, -1)
		if window.Empty() {
			d.logger.Debug("onset window empty",
				slog.String("source", clip.Source),
				slog.Float64("skip_ms", skip),
			)
			continue
		}

		segments, err := d.vad.Detect(ctx, window.Samples, window.SampleRate)
		if err != nil {
			return 0, fmt.Errorf("%w: skip %.0fms: %w", ErrDetection, skip, err)
		}
		if len(segments) == 0 {
			d.logger.Debug("onset window has no activity",
				slog.String("source", clip.Source),
				slog.Float64("skip_ms", skip),
			)
			continue
		}

		relativeMs := float64(segments[0].Start) * 1000 / float64(window.SampleRate)
		if relativeMs > d.opts.MinAcceptedOffsetMs {
			d.logger.Debug("onset accepted",
				slog.String("source", clip.Source),
				slog.Float64("skip_ms", skip),
				slog.Float64("relative_ms", relativeMs),
			)
			return skip + relativeMs, nil
		}

		d.logger.Debug("onset ignored, too close to skip point",
			slog.String("source", clip.Source),
			slog.Float64("skip_ms", skip),
			slog.Float64("relative_ms", relativeMs),
		)
	}

	return 0, ErrNoSpeechFound
}
