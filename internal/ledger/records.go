package ledger

import (
	"strconv"
	"time"
)

// Default file names inside the artifact and failed directories.
const (
	IndexFileName    = "embeddings_index.csv"
	FailureFileName  = "embedding_failures.csv"
	moveFailedPrefix = " | move_failed: "
)

// SuccessHeader is the column set of the success index.
var SuccessHeader = []string{
	"audio_path",
	"audio_filename",
	"audio_stem",
	"embedding_path",
	"embedding_dim",
	"sample_rate",
	"duration_sec",
	"device",
	"created_utc",
	"continent",
	"country",
	"speaker",
	"audio_url",
}

// FailureHeader is the column set of the failure log.
var FailureHeader = []string{
	"audio_path",
	"audio_filename",
	"reason",
	"created_utc",
}

// SuccessRecord is one row of the success index. Provenance fields are
// empty when no metadata matched the stem.
type SuccessRecord struct {
	AudioPath     string
	AudioFilename string
	AudioStem     string
	EmbeddingPath string
	EmbeddingDim  int
	SampleRate    int
	DurationSec   float64
	Device        string
	CreatedUTC    time.Time

	Continent string
	Country   string
	Speaker   string
	AudioURL  string
}

// Row implements Record.
func (r SuccessRecord) Row() []string {
	return []string{
		r.AudioPath,
		r.AudioFilename,
		r.AudioStem,
		r.EmbeddingPath,
		itoa(r.EmbeddingDim),
		itoa(r.SampleRate),
		strconv.FormatFloat(r.DurationSec, 'f', 3, 64),
		r.Device,
		formatTime(r.CreatedUTC),
		r.Continent,
		r.Country,
		r.Speaker,
		r.AudioURL,
	}
}

// FailureRecord is one row of the failure log.
type FailureRecord struct {
	AudioPath     string
	AudioFilename string
	Reason        string
	CreatedUTC    time.Time
}

// Row implements Record.
func (r FailureRecord) Row() []string {
	return []string{r.AudioPath, r.AudioFilename, r.Reason, formatTime(r.CreatedUTC)}
}

// WithMoveFailure returns a copy of r whose reason notes a failed quarantine move.
func (r FailureRecord) WithMoveFailure(err error) FailureRecord {
	r.Reason += moveFailedPrefix + err.Error()
	return r
}

// OpenIndex opens the success index at path.
func OpenIndex(path string) (*Ledger, error) {
	return Open(path, SuccessHeader)
}

// OpenFailures opens the failure log at path.
func OpenFailures(path string) (*Ledger, error) {
	return Open(path, FailureHeader)
}
