package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FileStore implements Store on the local filesystem. WAV files are decoded
// in-process; other containers go through the ffmpeg CLI.
type FileStore struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// tempDir receives intermediate WAV files. Defaults to os.TempDir().
	tempDir string
}

// NewFileStore creates a new FileStore.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFileStore(ffmpegPath, tempDir string) *FileStore {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FileStore{ffmpegPath: ffmpegPath, tempDir: tempDir}
}

// Load implements Loader.Load.
func (s *FileStore) Load(ctx context.Context, path string) (*Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("audio: load cancelled: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return s.loadWAV(path, path)
	}
	return s.loadWithFFmpeg(ctx, path)
}

// loadWAV decodes a WAV file. source is recorded on the clip and in errors.
func (s *FileStore) loadWAV(path, source string) (*Clip, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from corpus discovery
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, fmt.Errorf("audio: open %s: %w", source, err)
		}
		return nil, &DecodeError{Path: source, Err: err}
	}
	defer func() { _ = f.Close() }()

	clip, err := DecodeWAV(f)
	if err != nil {
		if errors.Is(err, ErrUnsupportedChannels) {
			return nil, fmt.Errorf("audio: %s: %w", source, err)
		}
		return nil, &DecodeError{Path: source, Err: err}
	}
	clip.Source = source
	return clip, nil
}

// loadWithFFmpeg transcodes path into a temporary WAV and decodes that.
func (s *FileStore) loadWithFFmpeg(ctx context.Context, path string) (*Clip, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio: stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(s.tempDir, "decode-*.wav")
	if err != nil {
		return nil, fmt.Errorf("audio: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	args := []string{
		"-y",
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		tmpPath,
	}
	if err := s.runFFmpeg(ctx, args, nil); err != nil {
		var fe *FFmpegError
		if errors.As(err, &fe) {
			return nil, &DecodeError{Path: path, Err: err}
		}
		return nil, err
	}

	return s.loadWAV(tmpPath, path)
}

// Export implements Exporter.Export.
func (s *FileStore) Export(ctx context.Context, clip *Clip, path string, format Format) error {
	if clip.Source != "" && sameFile(clip.Source, path) {
		return fmt.Errorf("%w: %s", ErrOverwriteSource, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("audio: create output directory: %w", err)
	}

	if format == "" || format == FormatWAV {
		return writeWAVFile(clip, path)
	}

	data, err := WAVBytes(clip)
	if err != nil {
		return fmt.Errorf("audio: encode intermediate WAV: %w", err)
	}
	args := []string{
		"-y",
		"-v", "error",
		"-f", "wav",
		"-i", "pipe:0",
		"-f", string(format),
		path,
	}
	return s.runFFmpeg(ctx, args, bytes.NewReader(data))
}

// writeWAVFile writes the clip next to path and renames it into place so a
// reader never observes a half-written file.
func writeWAVFile(clip *Clip, path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".export-*.wav")
	if err != nil {
		return fmt.Errorf("audio: create temp file: %w", err)
	}
	tmpPath := f.Name()

	if err := EncodeWAV(f, clip); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("audio: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("audio: close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("audio: rename %s: %w", path, err)
	}
	return nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (s *FileStore) runFFmpeg(ctx context.Context, args []string, stdin *bytes.Reader) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrFFmpegNotFound, s.ffmpegPath)
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v, stderr: %s", e.Err, strings.TrimSpace(e.Stderr))
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

// Verify interface implementation at compile time.
var _ Store = (*FileStore)(nil)
