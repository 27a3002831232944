package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// exportBitDepth is the PCM depth used for every WAV this package writes.
const exportBitDepth = 16

// DecodeWAV reads a RIFF/WAVE stream into a Clip. Samples are scaled from
// the file's integer depth into [-1, 1].
func DecodeWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read PCM buffer: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, ErrInvalidWAV
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWAV, channels)
	}
	if channels > 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannels, channels)
	}
	if buf.Format.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}

	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = buf.SourceBitDepth
	}
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, depth)
	}

	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data)/channels*channels)
	for i := range samples {
		samples[i] = float32(buf.Data[i]) / scale
	}

	return &Clip{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   channels,
	}, nil
}

// EncodeWAV writes clip as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, clip *Clip) error {
	if clip.SampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	channels := clip.Channels
	if channels <= 0 {
		channels = 1
	}

	data := make([]int, len(clip.Samples))
	for i, s := range clip.Samples {
		data[i] = int(clamp(float64(s)) * 32767)
	}

	enc := wav.NewEncoder(w, clip.SampleRate, exportBitDepth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: clip.SampleRate},
		Data:           data,
		SourceBitDepth: exportBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("write PCM data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize WAV header: %w", err)
	}
	return nil
}

// WAVBytes encodes clip as an in-memory WAV file.
func WAVBytes(clip *Clip) ([]byte, error) {
	var ws memFile
	if err := EncodeWAV(&ws, clip); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// memFile is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once the data length is known.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	m.pos = int(abs)
	return abs, nil
}
