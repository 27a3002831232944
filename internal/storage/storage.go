// Package storage persists embedding artifacts and sets aside inputs that
// cannot be decoded. It defines the ArtifactStore port with a local disk
// implementation and an S3 mirror, plus the Quarantine area.
package storage

import (
	"context"
	"errors"

	"github.com/gbarbosa99/dialects/internal/embedding"
)

// ArtifactExt is the extension of every embedding artifact.
const ArtifactExt = ".npy"

// ErrEmptyStem is returned when an artifact operation gets an empty stem.
var ErrEmptyStem = errors.New("storage: stem is required")

// ArtifactStore persists one embedding artifact per stem.
// Implementations must never expose a partially written artifact under
// Path(stem): Exists reports true only for complete artifacts.
type ArtifactStore interface {
	// Path returns where the artifact for stem lives (or would live).
	Path(stem string) string

	// Exists reports whether a complete artifact for stem is present.
	Exists(ctx context.Context, stem string) (bool, error)

	// Put writes the artifact for stem and returns its path.
	Put(ctx context.Context, stem string, vec embedding.Vector) (path string, err error)

	// Remove deletes the artifact for stem. Removing a missing artifact is not an error.
	Remove(ctx context.Context, stem string) error
}
