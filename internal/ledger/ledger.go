// Package ledger provides append-only CSV records of pipeline outcomes:
// a success index and a failure log, both keyed by source file.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Static errors for ledger operations.
var (
	// ErrColumnCount is returned when a record does not match the ledger header.
	ErrColumnCount = errors.New("ledger: column count does not match header")
	// ErrHeaderMismatch is returned when an existing file has a different header.
	ErrHeaderMismatch = errors.New("ledger: existing header does not match")
	// ErrClosed is returned when appending to a closed ledger.
	ErrClosed = errors.New("ledger: closed")
)

// TimeFormat is the layout of created_utc columns.
const TimeFormat = "2006-01-02T15:04:05Z"

// Record is one ledger row.
type Record interface {
	Row() []string
}

// Ledger is an append-only CSV file. The header is written once, when the
// file is created; each Append writes and flushes exactly one row under a
// mutex, so concurrent callers never interleave partial rows.
type Ledger struct {
	mu     sync.Mutex
	path   string
	header []string
	f      *os.File
	w      *csv.Writer
}

// Open opens path for appending, creating it and its directory if needed.
// An existing non-empty file must start with header.
func Open(path string, header []string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	// #nosec G304 - path is set by the application
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger: stat %s: %w", path, err)
	}

	l := &Ledger{path: path, header: slices.Clone(header), f: f, w: csv.NewWriter(f)}

	if info.Size() == 0 {
		if err := l.writeRow(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		return l, nil
	}

	existing, err := csv.NewReader(f).Read()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger: read header of %s: %w", path, err)
	}
	if !slices.Equal(existing, header) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrHeaderMismatch, path)
	}
	return l, nil
}

// Path returns the file backing the ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes rec as one row.
func (l *Ledger) Append(rec Record) error {
	row := rec.Row()
	if len(row) != len(l.header) {
		return fmt.Errorf("%w: got %d, want %d", ErrColumnCount, len(row), len(l.header))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrClosed
	}
	return l.writeRow(row)
}

func (l *Ledger) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("ledger: write %s: %w", l.path, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("ledger: flush %s: %w", l.path, err)
	}
	return nil
}

// Close closes the underlying file. Further appends fail with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("ledger: close %s: %w", l.path, err)
	}
	return nil
}

// ReadAll returns the header and data rows of the ledger at path.
func ReadAll(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path) // #nosec G304 - path is set by the application
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err = r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	rows, err = r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	return header, rows, nil
}

// formatTime renders t in UTC with second precision.
func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
