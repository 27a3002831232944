package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_WritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed", FailureFileName)
	now := time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC)

	l, err := OpenFailures(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(FailureRecord{AudioPath: "/c/a.wav", AudioFilename: "a.wav", Reason: "boom", CreatedUTC: now}))
	require.NoError(t, l.Close())

	l, err = OpenFailures(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(FailureRecord{AudioPath: "/c/b.wav", AudioFilename: "b.wav", Reason: "bang", CreatedUTC: now}))
	require.NoError(t, l.Close())

	header, rows, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, FailureHeader, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"/c/a.wav", "a.wav", "boom", "2025-03-01T12:30:45Z"}, rows[0])
	assert.Equal(t, "b.wav", rows[1][1])
}

func TestOpen_HeaderMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n"), 0o600))

	_, err := OpenIndex(path)
	assert.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestSuccessRecord_Row(t *testing.T) {
	rec := SuccessRecord{
		AudioPath:     "/corpus/europe/spain_03.wav",
		AudioFilename: "spain_03.wav",
		AudioStem:     "spain_03",
		EmbeddingPath: "/emb/spain_03.npy",
		EmbeddingDim:  192,
		SampleRate:    16000,
		DurationSec:   41.23456,
		Device:        "cpu",
		CreatedUTC:    time.Date(2025, 1, 2, 3, 4, 5, 999, time.FixedZone("CET", 3600)),
		Country:       "Spain",
	}

	row := rec.Row()
	require.Len(t, row, len(SuccessHeader))
	assert.Equal(t, "192", row[4])
	assert.Equal(t, "41.235", row[6])
	assert.Equal(t, "2025-01-02T02:04:05Z", row[8])
	assert.Equal(t, "", row[9])
	assert.Equal(t, "Spain", row[10])
}

func TestFailureRecord_WithMoveFailure(t *testing.T) {
	rec := FailureRecord{Reason: "audio: decode x.wav: bad header"}.WithMoveFailure(errors.New("permission denied"))
	assert.Equal(t, "audio: decode x.wav: bad header | move_failed: permission denied", rec.Reason)
}

type shortRecord struct{}

func (shortRecord) Row() []string { return []string{"only-one"} }

func TestAppend_ColumnCount(t *testing.T) {
	l, err := OpenFailures(filepath.Join(t.TempDir(), "f.csv"))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.ErrorIs(t, l.Append(shortRecord{}), ErrColumnCount)
}

func TestAppend_AfterClose(t *testing.T) {
	l, err := OpenFailures(filepath.Join(t.TempDir(), "f.csv"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Append(FailureRecord{}), ErrClosed)
}

func TestAppend_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), IndexFileName)
	l, err := OpenIndex(path)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stem := fmt.Sprintf("speaker_%03d", i)
			assert.NoError(t, l.Append(SuccessRecord{
				AudioPath:     "/corpus/" + stem + ".wav",
				AudioFilename: stem + ".wav",
				AudioStem:     stem,
				EmbeddingPath: "/emb/" + stem + ".npy",
				EmbeddingDim:  80,
				SampleRate:    16000,
				// commas and quotes must survive CSV quoting
				AudioURL: `https://example.org/a?x=1,y="2"`,
			}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	_, rows, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, rows, n)

	seen := make(map[string]bool, n)
	for _, row := range rows {
		require.Len(t, row, len(SuccessHeader))
		assert.True(t, strings.HasPrefix(row[2], "speaker_"))
		assert.Equal(t, `https://example.org/a?x=1,y="2"`, row[12])
		seen[row[2]] = true
	}
	assert.Len(t, seen, n)
}

func TestReadAll_Missing(t *testing.T) {
	_, _, err := ReadAll(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
