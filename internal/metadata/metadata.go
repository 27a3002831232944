// Package metadata joins optional catalogue provenance onto extraction
// results. The catalogue is a JSON array of objects; each object is keyed
// by the stem of its local_audio_path.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Entry holds the provenance fields copied into the success index.
type Entry struct {
	Continent string
	Country   string
	Speaker   string
	AudioURL  string
}

// Lookup maps stems to entries. The zero value is an empty lookup.
type Lookup struct {
	byStem map[string]Entry
}

// Get returns the entry for stem, or a zero Entry when there is none.
func (l *Lookup) Get(stem string) (Entry, bool) {
	if l == nil || l.byStem == nil {
		return Entry{}, false
	}
	e, ok := l.byStem[stem]
	return e, ok
}

// Len returns the number of stems in the lookup.
func (l *Lookup) Len() int {
	if l == nil {
		return 0
	}
	return len(l.byStem)
}

// Load reads the catalogue at path. A missing, unreadable or malformed
// file yields an empty lookup; the problem is logged, never returned.
func Load(path string, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &Lookup{}
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is set by the application
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("metadata file not found, index will not be enriched", slog.String("path", path))
		} else {
			logger.Warn("failed to read metadata file", slog.String("path", path), slog.String("error", err.Error()))
		}
		return &Lookup{}
	}

	lookup, err := Parse(data)
	if err != nil {
		logger.Warn("failed to parse metadata file", slog.String("path", path), slog.String("error", err.Error()))
		return &Lookup{}
	}

	logger.Info("metadata loaded", slog.String("path", path), slog.Int("entries", lookup.Len()))
	return lookup
}

// Parse builds a lookup from a JSON array. Objects without a
// local_audio_path are skipped; a later duplicate stem replaces an earlier one.
func Parse(data []byte) (*Lookup, error) {
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("metadata: decode: %w", err)
	}

	byStem := make(map[string]Entry, len(items))
	for _, item := range items {
		stem := stemOf(field(item, "local_audio_path"))
		if stem == "" {
			continue
		}
		byStem[stem] = Entry{
			Continent: field(item, "continent"),
			Country:   field(item, "country"),
			Speaker:   field(item, "speaker"),
			AudioURL:  field(item, "audio_url"),
		}
	}
	return &Lookup{byStem: byStem}, nil
}

// field renders item[key] as a string; absent and null values are empty.
func field(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// stemOf returns the file name of p without its extension. Both slash
// styles are accepted since catalogues may come from another OS.
func stemOf(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	base := p[strings.LastIndex(p, "/")+1:]
	return strings.TrimSuffix(base, filepath.Ext(base))
}
