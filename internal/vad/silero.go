//go:build silero

package vad

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"
)

// SileroDetector runs the Silero VAD ONNX model. The underlying session is
// not safe for concurrent use, so calls are serialised.
type SileroDetector struct {
	modelPath string
	threshold float32

	mu        sync.Mutex
	detectors map[int]*speech.Detector // keyed by sample rate
}

// NewSileroDetector loads nothing up front; a model session is created per
// sample rate on first use.
func NewSileroDetector(modelPath string, threshold float32) (*SileroDetector, error) {
	if modelPath == "" {
		return nil, ErrModelPathRequired
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	return &SileroDetector{
		modelPath: modelPath,
		threshold: threshold,
		detectors: make(map[int]*speech.Detector),
	}, nil
}

// Detect implements Detector.Detect. Silero accepts 8kHz and 16kHz input only.
func (d *SileroDetector) Detect(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sd, err := d.detectorFor(sampleRate)
	if err != nil {
		return nil, err
	}
	if err := sd.Reset(); err != nil {
		return nil, fmt.Errorf("vad: reset silero state: %w", err)
	}

	raw, err := sd.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("vad: silero detect: %w", err)
	}

	toSample := func(sec float64) int {
		s := int(math.Round(sec * float64(sampleRate)))
		return max(0, min(s, len(samples)))
	}

	segments := make([]Segment, 0, len(raw))
	for _, r := range raw {
		seg := Segment{Start: toSample(r.SpeechStartAt), End: len(samples)}
		// zero end means speech ran to the end of the buffer
		if r.SpeechEndAt > 0 {
			seg.End = toSample(r.SpeechEndAt)
		}
		if seg.End > seg.Start {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}

func (d *SileroDetector) detectorFor(sampleRate int) (*speech.Detector, error) {
	if sd, ok := d.detectors[sampleRate]; ok {
		return sd, nil
	}
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            d.modelPath,
		SampleRate:           sampleRate,
		Threshold:            d.threshold,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: load silero model: %w", err)
	}
	d.detectors[sampleRate] = sd
	return sd, nil
}

// Close releases every model session.
func (d *SileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for rate, sd := range d.detectors {
		if err := sd.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("vad: destroy silero session: %w", err)
		}
		delete(d.detectors, rate)
	}
	return firstErr
}

// Verify interface implementation at compile time.
var _ Detector = (*SileroDetector)(nil)
