//go:build !silero

package vad

import "context"

// SileroDetector is unavailable in builds without the silero tag.
type SileroDetector struct{}

// NewSileroDetector always fails with ErrSileroUnavailable.
func NewSileroDetector(string, float32) (*SileroDetector, error) {
	return nil, ErrSileroUnavailable
}

// Detect implements Detector.Detect.
func (*SileroDetector) Detect(context.Context, []float32, int) ([]Segment, error) {
	return nil, ErrSileroUnavailable
}

// Close is a no-op.
func (*SileroDetector) Close() error { return nil }

var _ Detector = (*SileroDetector)(nil)
