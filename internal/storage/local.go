package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gbarbosa99/dialects/internal/embedding"
)

// partialSuffix marks artifacts that are still being written.
const partialSuffix = ".partial"

// LocalArtifacts implements ArtifactStore as <dir>/<stem>.npy files.
// Writes go to a hidden temporary file that is renamed into place.
type LocalArtifacts struct {
	dir string
}

// NewLocalArtifacts creates a new LocalArtifacts rooted at dir.
// The directory is created if it doesn't exist.
func NewLocalArtifacts(dir string) (*LocalArtifacts, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalArtifacts{dir: dir}, nil
}

// Path implements ArtifactStore.Path.
func (s *LocalArtifacts) Path(stem string) string {
	return filepath.Join(s.dir, stem+ArtifactExt)
}

// Exists implements ArtifactStore.Exists.
func (s *LocalArtifacts) Exists(ctx context.Context, stem string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context cancelled: %w", err)
	}
	if stem == "" {
		return false, ErrEmptyStem
	}

	info, err := os.Stat(s.Path(stem))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact %s: %w", stem, err)
}

// Put implements ArtifactStore.Put.
func (s *LocalArtifacts) Put(ctx context.Context, stem string, vec embedding.Vector) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}
	if stem == "" {
		return "", ErrEmptyStem
	}

	f, err := os.CreateTemp(s.dir, "."+stem+"-*"+partialSuffix)
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := f.Name()

	if err := embedding.WriteNPY(f, vec.Values); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write artifact %s: %w", stem, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync artifact %s: %w", stem, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact %s: %w", stem, err)
	}

	dst := s.Path(stem)
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename artifact %s: %w", stem, err)
	}
	return dst, nil
}

// Remove implements ArtifactStore.Remove.
func (s *LocalArtifacts) Remove(_ context.Context, stem string) error {
	if stem == "" {
		return ErrEmptyStem
	}
	if err := os.Remove(s.Path(stem)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact %s: %w", stem, err)
	}
	return nil
}

// CleanupPartial removes temporary files left behind by interrupted writes.
// It continues cleanup even if some files fail to delete,
// returning the number removed and the first error encountered.
func (s *LocalArtifacts) CleanupPartial(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read artifact directory: %w", err)
	}

	var (
		removed  int
		firstErr error
	)
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return removed, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, partialSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove partial artifact %s: %w", name, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// Verify interface implementation at compile time.
var _ ArtifactStore = (*LocalArtifacts)(nil)
