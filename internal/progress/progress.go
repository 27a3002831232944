// Package progress renders pipeline progress, either as a terminal bar or
// as structured log lines for non-interactive runs.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/gbarbosa99/dialects/internal/pipeline"
)

// Bar is a pipeline.Reporter drawing an mpb progress bar.
type Bar struct {
	out    io.Writer
	label  string
	p      *mpb.Progress
	bar    *mpb.Bar
	last   time.Time
	failed atomic.Int64
}

// NewBar creates a Bar writing to out. A nil out uses stdout.
func NewBar(out io.Writer, label string) *Bar {
	if label == "" {
		label = "Embedding: "
	}
	return &Bar{out: out, label: label}
}

// Start implements pipeline.Reporter.
func (b *Bar) Start(total int) {
	opts := []mpb.ContainerOption{mpb.WithWidth(64)}
	if b.out != nil {
		opts = append(opts, mpb.WithOutput(b.out))
	}
	b.p = mpb.New(opts...)
	b.bar = b.p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(b.label),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				return fmt.Sprintf("failed %d ", b.failed.Load())
			}),
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)
	b.last = time.Now()
}

// Advance implements pipeline.Reporter.
func (b *Bar) Advance(state pipeline.State) {
	if b.bar == nil {
		return
	}
	if state == pipeline.StateFailed || state == pipeline.StateQuarantined {
		b.failed.Add(1)
	}
	now := time.Now()
	b.bar.EwmaIncrement(now.Sub(b.last))
	b.last = now
}

// Current returns how many files the bar has counted.
func (b *Bar) Current() int64 {
	if b.bar == nil {
		return 0
	}
	return b.bar.Current()
}

// Finish implements pipeline.Reporter. An interrupted run leaves the bar
// short of its total; it is aborted so the container can shut down.
func (b *Bar) Finish() {
	if b.p == nil {
		return
	}
	if !b.bar.Completed() {
		b.bar.Abort(false)
	}
	b.p.Wait()
}

// Log is a pipeline.Reporter that writes start and finish lines to a logger.
type Log struct {
	logger *slog.Logger
	start  time.Time
	total  int
	counts map[pipeline.State]int
}

// NewLog creates a Log reporter.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Start implements pipeline.Reporter.
func (l *Log) Start(total int) {
	l.start = time.Now()
	l.total = total
	l.counts = make(map[pipeline.State]int)
	l.logger.Info("extraction started", slog.Int("files", total))
}

// Advance implements pipeline.Reporter.
func (l *Log) Advance(state pipeline.State) {
	if l.counts == nil {
		l.counts = make(map[pipeline.State]int)
	}
	l.counts[state]++
}

// Finish implements pipeline.Reporter.
func (l *Log) Finish() {
	l.logger.Info("extraction finished",
		slog.Int("files", l.total),
		slog.Int("persisted", l.counts[pipeline.StatePersisted]),
		slog.Int("skipped", l.counts[pipeline.StateSkipped]),
		slog.Int("failed", l.counts[pipeline.StateFailed]),
		slog.Int("quarantined", l.counts[pipeline.StateQuarantined]),
		slog.Duration("elapsed", time.Since(l.start)),
	)
}

// Counts returns how many files ended in state.
func (l *Log) Counts(state pipeline.State) int {
	return l.counts[state]
}

// Verify interface implementation at compile time.
var (
	_ pipeline.Reporter = (*Bar)(nil)
	_ pipeline.Reporter = (*Log)(nil)
)
