// Package vad provides speech-activity detection over mono waveforms.
// Every detector returns ordered activity segments expressed in samples;
// an empty result is a valid answer meaning "no speech".
package vad

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Static errors for detector construction.
var (
	// ErrUnknownKind is returned by New for an unrecognised detector kind.
	ErrUnknownKind = errors.New("vad: unknown detector kind")
	// ErrSileroUnavailable is returned when the binary was built without the silero tag.
	ErrSileroUnavailable = errors.New("vad: silero support not compiled in (build with -tags silero)")
	// ErrModelPathRequired is returned when the silero detector has no model file.
	ErrModelPathRequired = errors.New("vad: model path is required")
)

// Segment is one region of speech activity. Start and End are sample
// offsets relative to the waveform passed to Detect; End is exclusive.
type Segment struct {
	Start int
	End   int
}

// Detector finds speech activity in a mono waveform.
type Detector interface {
	// Detect returns activity segments ordered by Start.
	Detect(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error)
}

// Kind selects a Detector implementation.
type Kind string

const (
	// KindEnergy is the pure-Go RMS detector.
	KindEnergy Kind = "energy"
	// KindSilenceDetect uses ffmpeg's silencedetect filter.
	KindSilenceDetect Kind = "silencedetect"
	// KindSilero uses the Silero ONNX model.
	KindSilero Kind = "silero"
)

// Config carries the settings for every detector kind; each kind reads
// only the fields it needs.
type Config struct {
	Kind Kind

	// Silero settings.
	ModelPath string
	Threshold float32

	// silencedetect settings.
	FFmpegPath   string
	NoiseDB      float64
	MinSilenceMs int
}

// New builds the detector selected by cfg.Kind.
func New(cfg Config) (Detector, error) {
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case "", KindEnergy:
		return NewEnergyDetector(), nil
	case KindSilenceDetect:
		return NewSilenceDetector(cfg.FFmpegPath,
			WithNoiseDB(cfg.NoiseDB),
			WithMinSilence(cfg.MinSilenceMs),
		), nil
	case KindSilero:
		if cfg.ModelPath == "" {
			return nil, ErrModelPathRequired
		}
		d, err := NewSileroDetector(cfg.ModelPath, cfg.Threshold)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
