package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// SiblingExt is the extension of auxiliary files that travel with a
// quarantined input.
const SiblingExt = ".txt"

// Quarantine holds inputs that failed irrecoverably at decode time.
// Entries are never restored automatically.
type Quarantine struct {
	mu  sync.Mutex
	dir string
}

// NewQuarantine creates a new Quarantine rooted at dir.
// The directory is created if it doesn't exist.
func NewQuarantine(dir string) (*Quarantine, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: quarantine directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create quarantine directory: %w", err)
	}
	return &Quarantine{dir: dir}, nil
}

// Move moves src, and its same-stem .txt sibling when present, into the
// quarantine directory and returns the new path of src. If a file with the
// same name is already quarantined, both files get a numeric suffix so
// they keep a shared stem. Moves are serialized.
func (q *Quarantine) Move(ctx context.Context, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ext := filepath.Ext(src)
	stem := strings.TrimSuffix(filepath.Base(src), ext)

	sibling := strings.TrimSuffix(src, ext) + SiblingExt
	hasSibling := false
	if sibling != src {
		if info, err := os.Stat(sibling); err == nil && info.Mode().IsRegular() {
			hasSibling = true
		}
	}

	dstStem := q.freeStem(stem, ext, hasSibling)
	dst := filepath.Join(q.dir, dstStem+ext)
	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", src, err)
	}

	if hasSibling {
		if err := moveFile(sibling, filepath.Join(q.dir, dstStem+SiblingExt)); err != nil {
			return dst, fmt.Errorf("quarantine sibling %s: %w", sibling, err)
		}
	}
	return dst, nil
}

// freeStem returns stem, or stem_N for the smallest N, such that neither
// the audio nor (when needed) the sibling name is taken.
func (q *Quarantine) freeStem(stem, ext string, withSibling bool) string {
	taken := func(name string) bool {
		_, err := os.Lstat(filepath.Join(q.dir, name))
		return err == nil
	}
	candidate := stem
	for n := 1; ; n++ {
		if !taken(candidate+ext) && (!withSibling || !taken(candidate+SiblingExt)) {
			return candidate
		}
		candidate = stem + "_" + strconv.Itoa(n)
	}
}

// moveFile renames src to dst, falling back to copy and remove when they
// are on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src comes from corpus discovery
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	// #nosec G304 - dst is inside the quarantine directory
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
