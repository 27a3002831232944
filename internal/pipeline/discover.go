package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrCorpusUnreadable is returned when the corpus root cannot be listed.
var ErrCorpusUnreadable = errors.New("pipeline: corpus directory unreadable")

// DefaultExtensions are the audio extensions discovered when none are configured.
var DefaultExtensions = []string{".wav", ".mp3"}

// Discover returns every regular file under root whose extension matches
// one of exts (case-insensitive), sorted by path. Directories listed in
// exclude are not descended into, so output directories nested inside the
// corpus never feed back into a run.
func Discover(root string, exts []string, exclude []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorpusUnreadable, root)
	}

	wanted := normalizeExtensions(exts)
	skip := make(map[string]bool, len(exclude))
	for _, dir := range exclude {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			skip[abs] = true
		}
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnreadable, err)
	}

	var paths []string
	err = filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == rootAbs {
				return walkErr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != rootAbs && skip[path] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if wanted[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnreadable, err)
	}

	sort.Strings(paths)
	return paths, nil
}

func normalizeExtensions(exts []string) map[string]bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	out := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = true
	}
	return out
}
