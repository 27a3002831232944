// Package audio provides read-only access to decoded speech recordings and
// the basic transforms the extraction pipeline needs: slicing by time,
// downmixing and resampling. Decoding is done natively for WAV and through
// the ffmpeg CLI for every other container.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// Static errors for audio operations.
var (
	// ErrUnsupportedChannels is returned when a file has more than two channels.
	ErrUnsupportedChannels = errors.New("audio: unsupported channel count")
	// ErrInvalidWAV is returned when a file does not carry a valid RIFF/WAVE header.
	ErrInvalidWAV = errors.New("audio: invalid WAV file")
	// ErrFFmpegNotFound is returned when the ffmpeg binary cannot be executed.
	ErrFFmpegNotFound = errors.New("audio: ffmpeg binary not found")
	// ErrOverwriteSource is returned when an export would replace the clip's own source file.
	ErrOverwriteSource = errors.New("audio: refusing to overwrite source file")
	// ErrInvalidSampleRate is returned for non-positive sample rates.
	ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")
)

// DecodeError reports that a source file could not be decoded. It marks the
// input itself as unreadable or corrupt, as opposed to environment problems
// (missing ffmpeg, cancelled context) or audio that is valid but silent.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err (or anything it wraps) is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Format names an export container.
type Format string

const (
	// FormatWAV is 16-bit PCM WAV, written without ffmpeg.
	FormatWAV Format = "wav"
	// FormatMP3 is encoded through ffmpeg.
	FormatMP3 Format = "mp3"
	// FormatFLAC is encoded through ffmpeg.
	FormatFLAC Format = "flac"
)

// Loader decodes a file on disk into a Clip.
type Loader interface {
	// Load decodes path. It returns a *DecodeError when the file is
	// unreadable or corrupt.
	Load(ctx context.Context, path string) (*Clip, error)
}

// Exporter writes a Clip to disk.
type Exporter interface {
	// Export encodes clip into path using format. Callers are responsible
	// for not pointing path at an active input.
	Export(ctx context.Context, clip *Clip, path string, format Format) error
}

// Store combines loading and exporting.
type Store interface {
	Loader
	Exporter
}
