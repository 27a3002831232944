package embedding

import (
	"context"
	"time"

	"github.com/gbarbosa99/dialects/internal/audio"
)

// serialized admits one Extract call at a time into the wrapped extractor.
type serialized struct {
	Extractor
	slot chan struct{}
}

// Serialize wraps ext so that only one Extract runs at a time. Waiting for
// the slot honours ctx.
func Serialize(ext Extractor) Extractor {
	return &serialized{Extractor: ext, slot: make(chan struct{}, 1)}
}

func (s *serialized) Extract(ctx context.Context, clip *audio.Clip) (Vector, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return Vector{}, &InferenceError{Op: s.Name(), Err: ctx.Err()}
	}
	defer func() { <-s.slot }()
	return s.Extractor.Extract(ctx, clip)
}

// timed bounds each Extract call.
type timed struct {
	Extractor
	timeout time.Duration
}

// WithTimeout wraps ext so that each Extract returns within d. A call that
// overruns fails with an *InferenceError wrapping context.DeadlineExceeded,
// even if the wrapped extractor ignores its context. A non-positive d
// returns ext unchanged.
func WithTimeout(ext Extractor, d time.Duration) Extractor {
	if d <= 0 {
		return ext
	}
	return &timed{Extractor: ext, timeout: d}
}

type extractResult struct {
	vec Vector
	err error
}

func (t *timed) Extract(ctx context.Context, clip *audio.Clip) (Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan extractResult, 1)
	go func() {
		vec, err := t.Extractor.Extract(ctx, clip)
		done <- extractResult{vec: vec, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return Vector{}, &InferenceError{Op: t.Name(), Err: ctx.Err()}
		}
		return res.vec, asInference(t.Name(), res.err)
	case <-ctx.Done():
		return Vector{}, &InferenceError{Op: t.Name(), Err: ctx.Err()}
	}
}
