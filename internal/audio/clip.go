package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Clip is an immutable view of decoded samples. Samples are interleaved
// and normalized to [-1, 1]. Transforms return new clips and never modify
// the receiver; slices may share the underlying array.
type Clip struct {
	// Samples holds interleaved frames.
	Samples []float32
	// SampleRate is the number of frames per second.
	SampleRate int
	// Channels is 1 or 2 before normalization and 1 after a mono downmix.
	Channels int
	// Source is the file the clip was decoded from, if any.
	Source string
}

// Frames returns the number of sample frames.
func (c *Clip) Frames() int {
	if c == nil || c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// DurationSec returns the clip length in seconds.
func (c *Clip) DurationSec() float64 {
	if c == nil || c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// DurationMs returns the clip length in milliseconds.
func (c *Clip) DurationMs() float64 {
	return c.DurationSec() * 1000
}

// Empty reports whether the clip holds no frames.
func (c *Clip) Empty() bool {
	return c.Frames() == 0
}

// frameAt converts a millisecond offset into a frame index clamped to the clip.
func (c *Clip) frameAt(ms float64) int {
	if ms <= 0 || c.SampleRate <= 0 {
		return 0
	}
	f := int(math.Round(ms * float64(c.SampleRate) / 1000))
	if f > c.Frames() {
		return c.Frames()
	}
	return f
}

// Slice returns the part of the clip between startMs and endMs. A negative
// endMs means "until the end". Bounds are clamped, so a start beyond the
// end of the clip yields an empty clip rather than an error.
func (c *Clip) Slice(startMs, endMs float64) *Clip {
	start := c.frameAt(startMs)
	end := c.Frames()
	if endMs >= 0 {
		end = c.frameAt(endMs)
	}
	if end < start {
		end = start
	}
	return &Clip{
		Samples:    c.Samples[start*c.Channels : end*c.Channels],
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Source:     c.Source,
	}
}

// Downmix averages all channels into a single mono channel.
func (c *Clip) Downmix() *Clip {
	if c.Channels <= 1 {
		return c
	}
	frames := c.Frames()
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[i*c.Channels+ch]
		}
		mono[i] = sum / float32(c.Channels)
	}
	return &Clip{Samples: mono, SampleRate: c.SampleRate, Channels: 1, Source: c.Source}
}

// Normalize downmixes to mono when forceMono is set and resamples to
// targetRate when it is positive and differs from the clip's rate.
func Normalize(c *Clip, targetRate int, forceMono bool) (*Clip, error) {
	out := c
	if forceMono {
		out = out.Downmix()
	}
	if targetRate > 0 && targetRate != out.SampleRate {
		var err error
		out, err = resample(out, targetRate)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resample converts the clip to targetRate with a polyphase resampler.
// Channels are resampled independently and the output is cut to the
// frame count implied by the rate ratio.
func resample(c *Clip, targetRate int) (*Clip, error) {
	if c.SampleRate <= 0 || targetRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if c.Empty() {
		return &Clip{SampleRate: targetRate, Channels: c.Channels, Source: c.Source}, nil
	}

	frames := c.Frames()
	want := int(math.Round(float64(frames) * float64(targetRate) / float64(c.SampleRate)))

	channels := make([][]float32, c.Channels)
	n := want
	for ch := range channels {
		in := make([]float32, frames)
		for i := 0; i < frames; i++ {
			in[i] = c.Samples[i*c.Channels+ch]
		}
		res, err := resampleChannel(in, c.SampleRate, targetRate)
		if err != nil {
			return nil, err
		}
		channels[ch] = res
		n = min(n, len(res))
	}

	out := make([]float32, n*c.Channels)
	for i := 0; i < n; i++ {
		for ch, res := range channels {
			out[i*c.Channels+ch] = float32(clamp(float64(res[i])))
		}
	}
	return &Clip{Samples: out, SampleRate: targetRate, Channels: c.Channels, Source: c.Source}, nil
}

// resampleChannel resamples one channel and drains the filter tail.
func resampleChannel(in []float32, from, to int) ([]float32, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	out, err := rs.ProcessFloat32(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d->%d: %w", from, to, err)
	}
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler %d->%d: %w", from, to, err)
	}
	for _, s := range tail {
		out = append(out, float32(s))
	}
	return out, nil
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
