// Package embedding maps normalised waveforms to fixed-length feature
// vectors and persists them as NumPy artifacts.
//
// Every capability failure surfaces as an *InferenceError so callers can
// treat it as a local, retry-safe failure of a single file.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/gbarbosa99/dialects/internal/audio"
)

// Static errors for feature extraction.
var (
	// ErrDimMismatch is returned when a vector's length differs from the
	// extractor's declared dimension.
	ErrDimMismatch = errors.New("embedding: dimension mismatch")
	// ErrClipTooShort is returned when a clip holds less than one analysis window.
	ErrClipTooShort = errors.New("embedding: clip too short")
	// ErrClipFormat is returned when a clip is not mono at the expected rate.
	ErrClipFormat = errors.New("embedding: clip must be mono at the extractor sample rate")
	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("embedding: invalid configuration")
)

// Extractor maps a normalised clip to a fixed-length vector. Dim is constant
// for the lifetime of an instance.
type Extractor interface {
	// Extract computes the vector for clip.
	Extract(ctx context.Context, clip *audio.Clip) (Vector, error)
	// Dim returns the length of every vector this extractor produces.
	Dim() int
	// Name identifies the extractor in logs and ledgers.
	Name() string
}

// Vector is one embedding.
type Vector struct {
	Values []float32
	Dim    int
}

// NewVector wraps values, setting Dim to their length.
func NewVector(values []float32) Vector {
	return Vector{Values: values, Dim: len(values)}
}

// Validate checks that v is internally consistent and has dimension dim.
func (v Vector) Validate(dim int) error {
	if v.Dim != len(v.Values) {
		return fmt.Errorf("%w: dim %d but %d values", ErrDimMismatch, v.Dim, len(v.Values))
	}
	if v.Dim != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimMismatch, v.Dim, dim)
	}
	return nil
}

// InferenceError reports a failed or timed-out capability call.
type InferenceError struct {
	// Op names the extractor or step that failed.
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsInferenceError reports whether err (or anything it wraps) is an *InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// asInference wraps err in an *InferenceError unless it already is one.
func asInference(op string, err error) error {
	if err == nil || IsInferenceError(err) {
		return err
	}
	return &InferenceError{Op: op, Err: err}
}
