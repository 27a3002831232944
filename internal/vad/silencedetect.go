package vad

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/gbarbosa99/dialects/internal/audio"
)

// SilenceDetector implements Detector with ffmpeg's silencedetect filter.
// Speech segments are the gaps between the reported silences.
type SilenceDetector struct {
	ffmpegPath   string
	noiseDB      float64
	minSilenceMs int
}

// SilenceOption configures a SilenceDetector.
type SilenceOption func(*SilenceDetector)

// WithNoiseDB sets the dBFS level below which audio counts as silence
// (default -40). Non-negative values are ignored.
func WithNoiseDB(db float64) SilenceOption {
	return func(d *SilenceDetector) {
		if db < 0 {
			d.noiseDB = db
		}
	}
}

// WithMinSilence sets the minimum silence duration in milliseconds (default 500).
func WithMinSilence(ms int) SilenceOption {
	return func(d *SilenceDetector) {
		if ms > 0 {
			d.minSilenceMs = ms
		}
	}
}

// NewSilenceDetector creates a new SilenceDetector.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found in PATH).
func NewSilenceDetector(ffmpegPath string, opts ...SilenceOption) *SilenceDetector {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	d := &SilenceDetector{
		ffmpegPath:   ffmpegPath,
		noiseDB:      -40,
		minSilenceMs: 500,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// silenceInterval represents a detected silence interval in seconds.
type silenceInterval struct {
	start float64
	end   float64
}

// Detect implements Detector.Detect by piping the waveform into ffmpeg.
func (d *SilenceDetector) Detect(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error) {
	if sampleRate <= 0 || len(samples) == 0 {
		return nil, nil
	}

	wavData, err := audio.WAVBytes(&audio.Clip{Samples: samples, SampleRate: sampleRate, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("vad: encode waveform: %w", err)
	}

	filter := fmt.Sprintf("silencedetect=noise=%ddB:d=%f",
		int(d.noiseDB),
		float64(d.minSilenceMs)/1000.0,
	)

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-hide_banner",
		"-nostdin",
		"-f", "wav",
		"-i", "pipe:0",
		"-af", filter,
		"-f", "null",
		"-",
	)
	cmd.Stdin = bytes.NewReader(wavData)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("vad: silencedetect cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("vad: silencedetect: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	total := float64(len(samples)) / float64(sampleRate)
	silences := parseSilenceOutput(stderr.String(), total)
	return speechBetween(silences, total, sampleRate, len(samples)), nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([\d.]+)`)
)

// parseSilenceOutput parses ffmpeg silencedetect output. A silence that is
// still open at end of stream is closed at total.
func parseSilenceOutput(output string, total float64) []silenceInterval {
	var intervals []silenceInterval

	var currentStart float64
	hasStart := false

	for _, line := range strings.Split(output, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); len(m) > 1 {
			val, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			currentStart = math.Max(val, 0)
			hasStart = true
		}

		if m := silenceEndRe.FindStringSubmatch(line); len(m) > 1 && hasStart {
			val, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			intervals = append(intervals, silenceInterval{start: currentStart, end: val})
			hasStart = false
		}
	}

	if hasStart && currentStart < total {
		intervals = append(intervals, silenceInterval{start: currentStart, end: total})
	}
	return intervals
}

// speechBetween returns the complement of the silences over [0, total).
func speechBetween(silences []silenceInterval, total float64, sampleRate, numSamples int) []Segment {
	toSample := func(sec float64) int {
		s := int(math.Round(sec * float64(sampleRate)))
		if s < 0 {
			return 0
		}
		if s > numSamples {
			return numSamples
		}
		return s
	}

	var segments []Segment
	cursor := 0.0
	for _, sil := range silences {
		if sil.start > cursor {
			if seg := (Segment{Start: toSample(cursor), End: toSample(sil.start)}); seg.End > seg.Start {
				segments = append(segments, seg)
			}
		}
		if sil.end > cursor {
			cursor = sil.end
		}
	}
	if cursor < total {
		if seg := (Segment{Start: toSample(cursor), End: numSamples}); seg.End > seg.Start {
			segments = append(segments, seg)
		}
	}
	return segments
}

// Verify interface implementation at compile time.
var _ Detector = (*SilenceDetector)(nil)
