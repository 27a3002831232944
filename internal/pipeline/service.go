// Package pipeline provides the extraction use case: it walks a corpus,
// trims the narration prefix of each recording, computes one embedding per
// file and records every outcome in the CSV ledgers. Runs are resumable:
// a file whose artifact already exists is skipped without being loaded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbarbosa99/dialects/internal/audio"
	"github.com/gbarbosa99/dialects/internal/embedding"
	"github.com/gbarbosa99/dialects/internal/ledger"
	"github.com/gbarbosa99/dialects/internal/metadata"
	"github.com/gbarbosa99/dialects/internal/metrics"
	"github.com/gbarbosa99/dialects/internal/storage"
)

// progressEvery is how many completed files separate two progress log lines.
const progressEvery = 25

// Static errors for pipeline runs.
var (
	// ErrDirsRequired is returned when the corpus, artifact or failed directory is missing.
	ErrDirsRequired = errors.New("pipeline: corpus, artifact and failed directories are required")
	// ErrAlreadyRunning is returned when Run is called while a run is in progress.
	ErrAlreadyRunning = errors.New("pipeline: a run is already in progress")
	// ErrEmptyAfterTrim is returned when nothing is left after cutting the narration.
	ErrEmptyAfterTrim = errors.New("pipeline: clip is empty after trimming")
	// ErrFileTimeout marks a file that exceeded its processing budget.
	ErrFileTimeout = errors.New("pipeline: file timed out")
	// ErrInterrupted is returned when the run context was cancelled before every file completed.
	ErrInterrupted = errors.New("pipeline: run interrupted")
)

// OnsetFinder locates where speech begins in a clip, in milliseconds.
type OnsetFinder interface {
	FindSpeechOnset(ctx context.Context, clip *audio.Clip) (float64, error)
}

// ArtifactOpener builds the artifact store for a run's artifact directory.
type ArtifactOpener func(ctx context.Context, dir string) (storage.ArtifactStore, error)

// Dirs are the filesystem locations of one run.
type Dirs struct {
	// Corpus is walked recursively for input audio.
	Corpus string
	// Artifacts receives <stem>.npy files and the success index.
	Artifacts string
	// Failed receives the failure log.
	Failed string
	// Quarantine receives undecodable inputs. Defaults to <Failed>/corrupted.
	Quarantine string
	// Trimmed, when set, receives the trimmed audio as <stem>.wav.
	Trimmed string
}

func (d Dirs) withDefaults() Dirs {
	if d.Quarantine == "" && d.Failed != "" {
		d.Quarantine = filepath.Join(d.Failed, "corrupted")
	}
	return d
}

func (d Dirs) outputs() []string {
	return []string{d.Artifacts, d.Failed, d.Quarantine, d.Trimmed}
}

// Summary reports the outcome counts of a run. Failed counts every file
// that got a failure row; Quarantined is the subset that was moved aside.
type Summary struct {
	RunID       string
	Discovered  int
	Processed   int
	Skipped     int
	Failed      int
	Quarantined int
	// Pending counts files that never started because the run was cancelled.
	Pending      int
	Elapsed      time.Duration
	IndexPath    string
	FailuresPath string
}

// Status is a point-in-time view of the current or last run.
type Status struct {
	RunID     string        `json:"run_id,omitempty"`
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	InFlight  int64         `json:"in_flight"`
	States    map[State]int `json:"states"`
}

// Service runs the extraction pipeline.
type Service struct {
	loader    audio.Store
	extractor embedding.Extractor
	logger    *slog.Logger

	onset       OnsetFinder
	openStore   ArtifactOpener
	meta        *metadata.Lookup
	metrics     *metrics.Metrics
	reporter    Reporter
	workers     int
	fileTimeout time.Duration
	extensions  []string
	targetRate  int
	forceMono   bool
	resample    bool
	device      string

	running atomic.Bool
	mu      sync.RWMutex
	current *runState
}

// Option configures a Service.
type Option func(*Service)

// WithOnset enables narration trimming with the given onset finder.
func WithOnset(f OnsetFinder) Option {
	return func(s *Service) {
		s.onset = f
	}
}

// WithArtifactOpener replaces the default local artifact store.
func WithArtifactOpener(open ArtifactOpener) Option {
	return func(s *Service) {
		if open != nil {
			s.openStore = open
		}
	}
}

// WithMetadata sets the provenance lookup copied into the success index.
func WithMetadata(l *metadata.Lookup) Option {
	return func(s *Service) {
		s.meta = l
	}
}

// WithMetrics sets the Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(s *Service) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithWorkers sets the number of files processed concurrently (default NumCPU).
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFileTimeout bounds the time spent on a single file. Zero disables it.
func WithFileTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.fileTimeout = d
		}
	}
}

// WithExtensions sets the audio extensions picked up by discovery.
func WithExtensions(exts ...string) Option {
	return func(s *Service) {
		if len(exts) > 0 {
			s.extensions = exts
		}
	}
}

// WithNormalization sets the target sample rate and the mono/resample switches.
// With resample off the clip keeps its native rate.
func WithNormalization(targetRate int, forceMono, resample bool) Option {
	return func(s *Service) {
		if targetRate > 0 {
			s.targetRate = targetRate
		}
		s.forceMono = forceMono
		s.resample = resample
	}
}

// WithDevice sets the compute device label written into the index.
func WithDevice(device string) Option {
	return func(s *Service) {
		if device != "" {
			s.device = device
		}
	}
}

// NewService creates a new Service. The loader also exports trimmed audio.
func NewService(loader audio.Store, extractor embedding.Extractor, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		loader:     loader,
		extractor:  extractor,
		logger:     logger,
		openStore:  openLocal,
		reporter:   nopReporter{},
		workers:    runtime.NumCPU(),
		extensions: DefaultExtensions,
		targetRate: 16000,
		forceMono:  true,
		resample:   true,
		device:     "cpu",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func openLocal(_ context.Context, dir string) (storage.ArtifactStore, error) {
	local, err := storage.NewLocalArtifacts(dir)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// runState holds the per-run resources shared by the workers.
type runState struct {
	id         string
	startedAt  time.Time
	total      int
	completed  atomic.Int64
	inFlight   atomic.Int64
	tracker    *Tracker
	artifacts  storage.ArtifactStore
	quarantine mover
	index      *ledger.Ledger
	failures   *ledger.Ledger
	trimmedDir string
}

// mover relocates a corrupt input out of the corpus. It returns the new
// path of the input whenever the input itself was moved, even if moving
// a companion file then failed.
type mover interface {
	Move(ctx context.Context, src string) (string, error)
}

// partialCleaner is implemented by stores that can leave temp files behind.
type partialCleaner interface {
	CleanupPartial(ctx context.Context) (int, error)
}

// Run processes every audio file under dirs.Corpus. Per-file failures are
// recorded in the failure log and never abort the run; only setup errors
// (unreadable corpus, ledgers that cannot be opened) are returned. When ctx
// is cancelled no further file is started, files already in flight finish,
// and the returned error wraps ErrInterrupted alongside a valid Summary.
func (s *Service) Run(ctx context.Context, dirs Dirs) (Summary, error) {
	dirs = dirs.withDefaults()
	if dirs.Corpus == "" || dirs.Artifacts == "" || dirs.Failed == "" {
		return Summary{}, ErrDirsRequired
	}
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	start := time.Now()
	runID := NewRunID()
	logger := s.logger.With(slog.String("run_id", runID))

	paths, err := Discover(dirs.Corpus, s.extensions, dirs.outputs())
	if err != nil {
		return Summary{}, err
	}
	if len(paths) == 0 {
		logger.Warn("no audio files found",
			slog.String("corpus", dirs.Corpus),
			slog.String("extensions", strings.Join(s.extensions, ",")),
		)
	}

	run, err := s.openRun(ctx, runID, dirs)
	if err != nil {
		return Summary{}, err
	}
	defer run.close(logger)

	summary := Summary{
		RunID:        runID,
		Discovered:   len(paths),
		IndexPath:    run.index.Path(),
		FailuresPath: run.failures.Path(),
	}

	queue := make([]*Item, 0, len(paths))
	for _, p := range paths {
		item := NewItem(p)
		if !run.tracker.Claim(item) {
			logger.Warn("duplicate stem, keeping first occurrence",
				slog.String("path", p),
				slog.String("stem", item.Stem),
			)
			summary.Skipped++
			s.metrics.RecordOutcome(metrics.OutcomeSkipped)
			continue
		}
		queue = append(queue, item)
	}
	run.total = len(queue)
	s.setCurrent(run)

	logger.Info("run started",
		slog.String("corpus", dirs.Corpus),
		slog.Int("files", len(queue)),
		slog.Int("workers", s.workers),
		slog.Bool("trim", s.onset != nil),
		slog.String("extractor", s.extractor.Name()),
	)
	s.reporter.Start(len(queue))

	// Worker pool: jobs are fed until ctx is cancelled, results are tallied here.
	jobs := make(chan *Item)
	results := make(chan *Item, s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				s.process(ctx, run, logger, item)
				results <- item
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, item := range queue {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- item:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	done := 0
	for item := range results {
		state := item.GetState()
		switch state {
		case StatePersisted:
			summary.Processed++
			s.metrics.RecordOutcome(metrics.OutcomePersisted)
		case StateSkipped:
			summary.Skipped++
			s.metrics.RecordOutcome(metrics.OutcomeSkipped)
		case StateQuarantined:
			summary.Failed++
			summary.Quarantined++
			s.metrics.RecordOutcome(metrics.OutcomeQuarantined)
		default:
			summary.Failed++
			s.metrics.RecordOutcome(metrics.OutcomeFailed)
		}
		s.reporter.Advance(state)

		done++
		run.completed.Store(int64(done))
		if done%progressEvery == 0 {
			logger.Info("progress",
				slog.Int("done", done),
				slog.Int("total", len(queue)),
				slog.Int("embedded", summary.Processed),
				slog.Int("skipped", summary.Skipped),
				slog.Int("failed", summary.Failed),
			)
		}
	}
	s.reporter.Finish()

	summary.Pending = len(queue) - done
	summary.Elapsed = time.Since(start)

	logger.Info("run finished",
		slog.Int("embedded", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("quarantined", summary.Quarantined),
		slog.Int("pending", summary.Pending),
		slog.Duration("elapsed", summary.Elapsed),
	)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return summary, nil
}

func (s *Service) openRun(ctx context.Context, runID string, dirs Dirs) (*runState, error) {
	artifacts, err := s.openStore(ctx, dirs.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open artifact store: %w", err)
	}
	if c, ok := artifacts.(partialCleaner); ok {
		if n, err := c.CleanupPartial(ctx); err != nil {
			s.logger.Warn("failed to clean partial artifacts", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("removed partial artifacts", slog.Int("count", n))
		}
	}

	quarantine, err := storage.NewQuarantine(dirs.Quarantine)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open quarantine: %w", err)
	}

	if dirs.Trimmed != "" {
		if err := os.MkdirAll(dirs.Trimmed, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: create trimmed dir: %w", err)
		}
	}

	index, err := ledger.OpenIndex(filepath.Join(dirs.Artifacts, ledger.IndexFileName))
	if err != nil {
		return nil, fmt.Errorf("pipeline: open index: %w", err)
	}
	failures, err := ledger.OpenFailures(filepath.Join(dirs.Failed, ledger.FailureFileName))
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("pipeline: open failure log: %w", err)
	}

	return &runState{
		id:         runID,
		startedAt:  time.Now(),
		tracker:    NewTracker(),
		artifacts:  artifacts,
		quarantine: quarantine,
		index:      index,
		failures:   failures,
		trimmedDir: dirs.Trimmed,
	}, nil
}

func (r *runState) close(logger *slog.Logger) {
	if err := r.index.Close(); err != nil {
		logger.Error("failed to close index", slog.String("error", err.Error()))
	}
	if err := r.failures.Close(); err != nil {
		logger.Error("failed to close failure log", slog.String("error", err.Error()))
	}
}

// process runs one file to a terminal state. It works on a context detached
// from the run so that cancellation never interrupts a file midway.
func (s *Service) process(runCtx context.Context, run *runState, logger *slog.Logger, item *Item) {
	ctx := context.WithoutCancel(runCtx)
	if s.fileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fileTimeout)
		defer cancel()
	}

	run.inFlight.Add(1)
	s.metrics.FileStarted()
	defer func() {
		run.inFlight.Add(-1)
		s.metrics.FileDone()
	}()

	logger = logger.With(slog.String("stem", item.Stem))

	err := s.embed(ctx, run, logger, item)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrFileTimeout, s.fileTimeout, err)
	}
	s.fail(context.WithoutCancel(ctx), run, logger, item, err)
}

// embed carries item from DISCOVERED to PERSISTED or SKIPPED.
func (s *Service) embed(ctx context.Context, run *runState, logger *slog.Logger, item *Item) error {
	exists, err := run.artifacts.Exists(ctx, item.Stem)
	if err != nil {
		return fmt.Errorf("check artifact: %w", err)
	}
	if exists {
		logger.Debug("artifact exists, skipping", slog.String("path", run.artifacts.Path(item.Stem)))
		return s.advance(item, StateSkipped)
	}

	clip, err := s.loader.Load(ctx, item.Path)
	if err != nil {
		return err
	}
	if err := s.advance(item, StateLoaded); err != nil {
		return err
	}

	rate := 0
	if s.resample {
		rate = s.targetRate
	}
	clip, err = audio.Normalize(clip, rate, s.forceMono)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	if s.onset != nil {
		onsetMs, err := s.onset.FindSpeechOnset(ctx, clip)
		if err != nil {
			return err
		}
		s.metrics.ObserveOnset(onsetMs)
		item.setOnset(onsetMs)

		clip = clip.Slice(onsetMs, -1)
		if clip.Empty() {
			return ErrEmptyAfterTrim
		}
		if run.trimmedDir != "" {
			dst := filepath.Join(run.trimmedDir, item.Stem+".wav")
			if err := s.loader.Export(ctx, clip, dst, audio.FormatWAV); err != nil {
				return fmt.Errorf("export trimmed audio: %w", err)
			}
		}
		if err := s.advance(item, StateTrimmed); err != nil {
			return err
		}
	}

	started := time.Now()
	vec, err := s.extractor.Extract(ctx, clip)
	s.metrics.ObserveExtraction(time.Since(started))
	if err != nil {
		return err
	}
	if err := vec.Validate(s.extractor.Dim()); err != nil {
		return err
	}
	if err := s.advance(item, StateExtracted); err != nil {
		return err
	}

	path, err := run.artifacts.Put(ctx, item.Stem, vec)
	if err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}

	meta, _ := s.meta.Get(item.Stem)
	rec := ledger.SuccessRecord{
		AudioPath:     item.Path,
		AudioFilename: item.Filename(),
		AudioStem:     item.Stem,
		EmbeddingPath: path,
		EmbeddingDim:  vec.Dim,
		SampleRate:    clip.SampleRate,
		DurationSec:   clip.DurationSec(),
		Device:        s.device,
		CreatedUTC:    time.Now().UTC(),
		Continent:     meta.Continent,
		Country:       meta.Country,
		Speaker:       meta.Speaker,
		AudioURL:      meta.AudioURL,
	}
	if err := run.index.Append(rec); err != nil {
		// Never leave an artifact without its index row.
		if rmErr := run.artifacts.Remove(context.WithoutCancel(ctx), item.Stem); rmErr != nil {
			logger.Error("failed to remove unindexed artifact",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}
		return fmt.Errorf("append index: %w", err)
	}

	item.setArtifact(path)
	logger.Debug("embedded",
		slog.String("path", path),
		slog.Float64("duration_sec", clip.DurationSec()),
	)
	return s.advance(item, StatePersisted)
}

// failureKind is the handling class of a per-file error.
type failureKind int

const (
	// failureLocal leaves the file in place so a later run retries it.
	failureLocal failureKind = iota
	// failureCorrupt moves the file into quarantine.
	failureCorrupt
)

func classify(err error) failureKind {
	if audio.IsDecodeError(err) {
		return failureCorrupt
	}
	return failureLocal
}

// fail records err for item in the failure log and quarantines corrupt inputs.
func (s *Service) fail(ctx context.Context, run *runState, logger *slog.Logger, item *Item, err error) {
	rec := ledger.FailureRecord{
		AudioPath:     item.Path,
		AudioFilename: item.Filename(),
		Reason:        err.Error(),
		CreatedUTC:    time.Now().UTC(),
	}

	switch classify(err) {
	case failureCorrupt:
		dst, moveErr := run.quarantine.Move(ctx, item.Path)
		if moveErr != nil {
			rec = rec.WithMoveFailure(moveErr)
			logger.Error("failed to quarantine file",
				slog.String("path", item.Path),
				slog.String("dst", dst),
				slog.String("error", moveErr.Error()),
			)
		}
		if dst == "" {
			s.logTransition(item, item.Fail(rec.Reason))
			break
		}
		logger.Warn("file quarantined",
			slog.String("path", item.Path),
			slog.String("dst", dst),
			slog.String("reason", rec.Reason),
		)
		s.logTransition(item, item.Quarantine(rec.Reason, dst))
	default:
		logger.Warn("file failed",
			slog.String("path", item.Path),
			slog.String("reason", rec.Reason),
		)
		s.logTransition(item, item.Fail(rec.Reason))
	}

	if err := run.failures.Append(rec); err != nil {
		logger.Error("failed to append failure row",
			slog.String("path", item.Path),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) advance(item *Item, state State) error {
	if err := item.TransitionTo(state); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, item.GetState(), state)
	}
	return nil
}

func (s *Service) logTransition(item *Item, err error) {
	if err != nil {
		s.logger.Error("invalid state transition",
			slog.String("stem", item.Stem),
			slog.String("from", string(item.GetState())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) setCurrent(run *runState) {
	s.mu.Lock()
	s.current = run
	s.mu.Unlock()
}

// Status returns a snapshot of the current run, or of the last run once it finished.
func (s *Service) Status() Status {
	s.mu.RLock()
	run := s.current
	s.mu.RUnlock()

	st := Status{Running: s.running.Load(), States: map[State]int{}}
	if run == nil {
		return st
	}
	st.RunID = run.id
	st.StartedAt = run.startedAt
	st.Total = run.total
	st.Completed = int(run.completed.Load())
	st.InFlight = run.inFlight.Load()
	st.States = run.tracker.Counts()
	return st
}

// Items returns snapshots of every file in the current or last run.
func (s *Service) Items() []*Item {
	s.mu.RLock()
	run := s.current
	s.mu.RUnlock()
	if run == nil {
		return nil
	}
	return run.tracker.List()
}

// Item returns a snapshot of the file with the given stem in the current or last run.
func (s *Service) Item(stem string) (*Item, bool) {
	s.mu.RLock()
	run := s.current
	s.mu.RUnlock()
	if run == nil {
		return nil, false
	}
	return run.tracker.Find(stem)
}
