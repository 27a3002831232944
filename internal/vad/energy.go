package vad

import (
	"context"
	"math"
)

// EnergyDetector is a pure-Go detector based on framewise RMS energy.
// It uses hysteresis (separate start and stop thresholds plus minimum run
// lengths) so a segment does not flicker on and off inside a word.
type EnergyDetector struct {
	frameMs          int
	speechThreshold  float64 // RMS level to start speech
	silenceThreshold float64 // RMS level to end speech
	speechFrames     int     // consecutive speech frames needed to open a segment
	silenceFrames    int     // consecutive silence frames needed to close it
}

// EnergyOption configures an EnergyDetector.
type EnergyOption func(*EnergyDetector)

// WithFrameMs sets the analysis frame length (default 20ms).
func WithFrameMs(ms int) EnergyOption {
	return func(d *EnergyDetector) {
		if ms > 0 {
			d.frameMs = ms
		}
	}
}

// WithThresholds sets the speech and silence RMS thresholds.
// silence must not exceed speech; invalid pairs are ignored.
func WithThresholds(speech, silence float64) EnergyOption {
	return func(d *EnergyDetector) {
		if speech > 0 && silence > 0 && silence <= speech {
			d.speechThreshold = speech
			d.silenceThreshold = silence
		}
	}
}

// WithRunLengths sets how many consecutive frames open and close a segment.
func WithRunLengths(speechFrames, silenceFrames int) EnergyOption {
	return func(d *EnergyDetector) {
		if speechFrames > 0 {
			d.speechFrames = speechFrames
		}
		if silenceFrames > 0 {
			d.silenceFrames = silenceFrames
		}
	}
}

// NewEnergyDetector returns an EnergyDetector tuned for 16kHz speech.
func NewEnergyDetector(opts ...EnergyOption) *EnergyDetector {
	d := &EnergyDetector{
		frameMs:          20,
		speechThreshold:  0.015,
		silenceThreshold: 0.008,
		speechFrames:     3,  // ~60ms to start
		silenceFrames:    30, // ~600ms to end
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect implements Detector.Detect. It is stateless between calls and
// safe for concurrent use.
func (d *EnergyDetector) Detect(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error) {
	if sampleRate <= 0 || len(samples) == 0 {
		return nil, nil
	}
	frameLen := sampleRate * d.frameMs / 1000
	if frameLen <= 0 {
		frameLen = 1
	}
	numFrames := len(samples) / frameLen

	var (
		segments     []Segment
		inSpeech     bool
		runStart     int // first frame of the current loud or quiet run
		speechCount  int
		silenceCount int
		segStart     int
	)

	for f := 0; f < numFrames; f++ {
		if f%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		level := rms(samples[f*frameLen : (f+1)*frameLen])

		if !inSpeech {
			if level >= d.speechThreshold {
				if speechCount == 0 {
					runStart = f
				}
				speechCount++
				if speechCount >= d.speechFrames {
					inSpeech = true
					segStart = runStart * frameLen
					speechCount = 0
					silenceCount = 0
				}
			} else {
				speechCount = 0
			}
			continue
		}

		if level < d.silenceThreshold {
			if silenceCount == 0 {
				runStart = f
			}
			silenceCount++
			if silenceCount >= d.silenceFrames {
				segments = append(segments, Segment{Start: segStart, End: runStart * frameLen})
				inSpeech = false
				silenceCount = 0
			}
		} else {
			silenceCount = 0
		}
	}

	if inSpeech {
		end := len(samples)
		if silenceCount > 0 {
			end = runStart * frameLen
		}
		segments = append(segments, Segment{Start: segStart, End: end})
	}
	return segments, nil
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Verify interface implementation at compile time.
var _ Detector = (*EnergyDetector)(nil)
