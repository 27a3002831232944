package embedding

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/gbarbosa99/dialects/internal/audio"
)

// MelStatsConfig controls the log-mel front end of MelStats.
type MelStatsConfig struct {
	SampleRate  int     // expected input rate in Hz (default 16000)
	WindowMs    float64 // analysis window (default 25ms)
	HopMs       float64 // hop between windows (default 10ms)
	FFTSize     int     // power of two >= window length (default 512)
	NumMels     int     // mel bins (default 40)
	LowFreq     float64 // lowest filter edge in Hz (default 20)
	HighFreq    float64 // highest filter edge in Hz (default 7600)
	PreEmphasis float64 // pre-emphasis coefficient (default 0.97)
}

// DefaultMelStatsConfig returns the 16kHz front end.
func DefaultMelStatsConfig() MelStatsConfig {
	return MelStatsConfig{
		SampleRate:  16000,
		WindowMs:    25,
		HopMs:       10,
		FFTSize:     512,
		NumMels:     40,
		LowFreq:     20,
		HighFreq:    7600,
		PreEmphasis: 0.97,
	}
}

// MelStats summarises a clip as the per-bin mean and standard deviation of
// its log-mel spectrogram. The vector layout is [mean_0..mean_n, std_0..std_n].
// It is deterministic and safe for concurrent use.
type MelStats struct {
	cfg     MelStatsConfig
	winLen  int
	hopLen  int
	window  []float64
	melBank [][]float64
}

// NewMelStats creates a new MelStats extractor.
func NewMelStats(cfg MelStatsConfig) (*MelStats, error) {
	if cfg.SampleRate <= 0 || cfg.NumMels <= 0 || cfg.WindowMs <= 0 || cfg.HopMs <= 0 {
		return nil, fmt.Errorf("%w: melstats %+v", ErrInvalidConfig, cfg)
	}
	if cfg.HighFreq <= cfg.LowFreq || cfg.HighFreq > float64(cfg.SampleRate)/2 {
		return nil, fmt.Errorf("%w: mel range %.0f-%.0fHz at %dHz", ErrInvalidConfig, cfg.LowFreq, cfg.HighFreq, cfg.SampleRate)
	}

	winLen := int(math.Round(cfg.WindowMs * float64(cfg.SampleRate) / 1000))
	hopLen := int(math.Round(cfg.HopMs * float64(cfg.SampleRate) / 1000))
	if winLen < 2 || hopLen < 1 {
		return nil, fmt.Errorf("%w: window %d hop %d samples", ErrInvalidConfig, winLen, hopLen)
	}
	if cfg.FFTSize < winLen {
		cfg.FFTSize = 1
		for cfg.FFTSize < winLen {
			cfg.FFTSize <<= 1
		}
	}

	return &MelStats{
		cfg:     cfg,
		winLen:  winLen,
		hopLen:  hopLen,
		window:  hammingWindow(winLen),
		melBank: melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
	}, nil
}

// Name implements Extractor.Name.
func (m *MelStats) Name() string { return "melstats" }

// Dim implements Extractor.Dim.
func (m *MelStats) Dim() int { return 2 * m.cfg.NumMels }

// Extract implements Extractor.Extract.
func (m *MelStats) Extract(ctx context.Context, clip *audio.Clip) (Vector, error) {
	if clip.Channels != 1 || clip.SampleRate != m.cfg.SampleRate {
		return Vector{}, &InferenceError{
			Op:  m.Name(),
			Err: fmt.Errorf("%w: got %d channel(s) at %dHz", ErrClipFormat, clip.Channels, clip.SampleRate),
		}
	}
	pcm := clip.Samples
	if len(pcm) < m.winLen {
		return Vector{}, &InferenceError{
			Op:  m.Name(),
			Err: fmt.Errorf("%w: %d samples, need %d", ErrClipTooShort, len(pcm), m.winLen),
		}
	}

	numMels := m.cfg.NumMels
	numFrames := (len(pcm)-m.winLen)/m.hopLen + 1
	nfft := m.cfg.FFTSize

	// FFT plans carry scratch space, so each call gets its own.
	fft := fourier.NewFFT(nfft)
	frame := make([]float64, nfft)
	coeffs := make([]complex128, nfft/2+1)

	sum := make([]float64, numMels)
	sumSq := make([]float64, numMels)

	for t := 0; t < numFrames; t++ {
		if t%512 == 0 {
			if err := ctx.Err(); err != nil {
				return Vector{}, &InferenceError{Op: m.Name(), Err: err}
			}
		}
		start := t * m.hopLen

		for i := 0; i < m.winLen; i++ {
			s := float64(pcm[start+i])
			if i > 0 {
				s -= m.cfg.PreEmphasis * float64(pcm[start+i-1])
			}
			frame[i] = s * m.window[i]
		}
		clear(frame[m.winLen:])

		coeffs = fft.Coefficients(coeffs, frame)

		for b, filter := range m.melBank {
			var energy float64
			for k, w := range filter {
				if w == 0 {
					continue
				}
				c := coeffs[k]
				energy += w * (real(c)*real(c) + imag(c)*imag(c))
			}
			logE := math.Log(math.Max(energy, 1e-10))
			sum[b] += logE
			sumSq[b] += logE * logE
		}
	}

	values := make([]float32, 2*numMels)
	n := float64(numFrames)
	for b := 0; b < numMels; b++ {
		mean := sum[b] / n
		variance := math.Max(sumSq[b]/n-mean*mean, 0)
		values[b] = float32(mean)
		values[numMels+b] = float32(math.Sqrt(variance))
	}
	return NewVector(values), nil
}

// Verify interface implementation at compile time.
var _ Extractor = (*MelStats)(nil)
