package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbarbosa99/dialects/internal/audio"
	"github.com/gbarbosa99/dialects/internal/embedding"
	"github.com/gbarbosa99/dialects/internal/ledger"
	"github.com/gbarbosa99/dialects/internal/metadata"
	"github.com/gbarbosa99/dialects/internal/onset"
	"github.com/gbarbosa99/dialects/internal/storage"
)

const testDim = 4

// fakeStore decodes every file into a 3s mono clip, except files whose
// name contains "corrupt", which fail to decode.
type fakeStore struct {
	mu       sync.Mutex
	loads    int
	exported map[string]*audio.Clip
}

func (f *fakeStore) Load(_ context.Context, path string) (*audio.Clip, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()

	if strings.Contains(filepath.Base(path), "corrupt") {
		return nil, &audio.DecodeError{Path: path, Err: audio.ErrInvalidWAV}
	}
	samples := make([]float32, 3*16000)
	for i := range samples {
		samples[i] = 0.1
	}
	return &audio.Clip{Samples: samples, SampleRate: 16000, Channels: 1, Source: path}, nil
}

func (f *fakeStore) Export(_ context.Context, clip *audio.Clip, path string, _ audio.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exported == nil {
		f.exported = make(map[string]*audio.Clip)
	}
	f.exported[path] = clip
	return nil
}

func (f *fakeStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// fakeExtractor returns a constant vector. failFor maps stems to errors;
// wrongDim lists stems that get a vector of the wrong length.
type fakeExtractor struct {
	calls    atomic.Int64
	failFor  map[string]error
	wrongDim map[string]bool
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, clip *audio.Clip) (embedding.Vector, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return embedding.Vector{}, ctx.Err()
		}
	}
	stem := strings.TrimSuffix(filepath.Base(clip.Source), filepath.Ext(clip.Source))
	if err, ok := f.failFor[stem]; ok {
		return embedding.Vector{}, err
	}
	if f.wrongDim[stem] {
		return embedding.NewVector([]float32{1, 2}), nil
	}
	return embedding.NewVector([]float32{0.1, 0.2, 0.3, 0.4}), nil
}

func (f *fakeExtractor) Dim() int     { return testDim }
func (f *fakeExtractor) Name() string { return "fake" }

// fakeOnset returns a fixed onset, or ErrNoSpeechFound for listed stems.
type fakeOnset struct {
	onsetMs  float64
	noSpeech map[string]bool
}

func (f *fakeOnset) FindSpeechOnset(_ context.Context, clip *audio.Clip) (float64, error) {
	stem := strings.TrimSuffix(filepath.Base(clip.Source), filepath.Ext(clip.Source))
	if f.noSpeech[stem] {
		return 0, onset.ErrNoSpeechFound
	}
	return f.onsetMs, nil
}

type testEnv struct {
	dirs  Dirs
	store *fakeStore
	ext   *fakeExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	dirs := Dirs{
		Corpus:    filepath.Join(root, "corpus"),
		Artifacts: filepath.Join(root, "embeddings"),
		Failed:    filepath.Join(root, "failed"),
	}
	require.NoError(t, os.MkdirAll(dirs.Corpus, 0o755))
	return &testEnv{dirs: dirs, store: &fakeStore{}, ext: &fakeExtractor{}}
}

func (e *testEnv) addFiles(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		p := filepath.Join(e.dirs.Corpus, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("RIFF"), 0o644))
	}
}

func (e *testEnv) service(opts ...Option) *Service {
	return NewService(e.store, e.ext, nil, append([]Option{WithWorkers(4)}, opts...)...)
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	_, rows, err := ledger.ReadAll(path)
	require.NoError(t, err)
	return rows
}

func (e *testEnv) indexRows(t *testing.T) [][]string {
	return readRows(t, filepath.Join(e.dirs.Artifacts, ledger.IndexFileName))
}

func (e *testEnv) failureRows(t *testing.T) [][]string {
	return readRows(t, filepath.Join(e.dirs.Failed, ledger.FailureFileName))
}

func TestRun_PersistsAndIndexes(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "spain_01.wav", "mexico_02.WAV", "notes.txt")

	catalogue := `[{"local_audio_path": "downloads/spain_01.mp3", "continent": "Europe", "country": "Spain", "speaker": "s1", "audio_url": "https://example.org/spain_01.mp3"}]`
	lookup, err := metadata.Parse([]byte(catalogue))
	require.NoError(t, err)

	summary, err := env.service(WithMetadata(lookup), WithDevice("cuda")).Run(context.Background(), env.dirs)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Discovered)
	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)

	for _, stem := range []string{"spain_01", "mexico_02"} {
		_, err := os.Stat(filepath.Join(env.dirs.Artifacts, stem+storage.ArtifactExt))
		assert.NoError(t, err, stem)
	}

	rows := env.indexRows(t)
	require.Len(t, rows, 2)
	byStem := map[string][]string{}
	for _, r := range rows {
		require.Len(t, r, len(ledger.SuccessHeader))
		byStem[r[2]] = r
	}
	spain := byStem["spain_01"]
	assert.Equal(t, "4", spain[4])
	assert.Equal(t, "16000", spain[5])
	assert.Equal(t, "3.000", spain[6])
	assert.Equal(t, "cuda", spain[7])
	assert.Equal(t, []string{"Europe", "Spain", "s1", "https://example.org/spain_01.mp3"}, spain[9:])
	assert.Equal(t, []string{"", "", "", ""}, byStem["mexico_02"][9:])
}

func TestRun_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav", "b.wav", "c.wav")
	svc := env.service()

	first, err := svc.Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Processed)

	second, err := svc.Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.Equal(t, 3, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, int64(3), env.ext.calls.Load())
	assert.Equal(t, 3, env.store.loadCount(), "skipped files must not be loaded")
	assert.Len(t, env.indexRows(t), 3)
}

func TestRun_CorruptFileIsolated(t *testing.T) {
	env := newTestEnv(t)
	var names []string
	for i := 0; i < 9; i++ {
		names = append(names, fmt.Sprintf("ok_%02d.wav", i))
	}
	env.addFiles(t, append(names, "corrupt_01.wav")...)
	require.NoError(t, os.WriteFile(filepath.Join(env.dirs.Corpus, "corrupt_01.txt"), []byte("transcript"), 0o644))

	summary, err := env.service().Run(context.Background(), env.dirs)
	require.NoError(t, err)

	assert.Equal(t, 9, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Quarantined)
	assert.Len(t, env.indexRows(t), 9)

	failures := env.failureRows(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "corrupt_01.wav", failures[0][1])
	assert.Contains(t, failures[0][2], "decode")

	quarantine := filepath.Join(env.dirs.Failed, "corrupted")
	assert.FileExists(t, filepath.Join(quarantine, "corrupt_01.wav"))
	assert.FileExists(t, filepath.Join(quarantine, "corrupt_01.txt"))
	assert.NoFileExists(t, filepath.Join(env.dirs.Corpus, "corrupt_01.wav"))
	assert.NoFileExists(t, filepath.Join(env.dirs.Corpus, "corrupt_01.txt"))
}

func TestRun_NoSpeechIsNotQuarantined(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "quiet.wav", "talky.wav")
	finder := &fakeOnset{onsetMs: 1000, noSpeech: map[string]bool{"quiet": true}}

	summary, err := env.service(WithOnset(finder)).Run(context.Background(), env.dirs)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Quarantined)
	assert.FileExists(t, filepath.Join(env.dirs.Corpus, "quiet.wav"))

	failures := env.failureRows(t)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0][2], onset.ErrNoSpeechFound.Error())
}

func TestRun_TrimsAndExports(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "chile_07.wav")
	env.dirs.Trimmed = filepath.Join(t.TempDir(), "trimmed")

	svc := env.service(WithOnset(&fakeOnset{onsetMs: 1000}))
	_, err := svc.Run(context.Background(), env.dirs)
	require.NoError(t, err)

	rows := env.indexRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "2.000", rows[0][6], "duration is measured after trimming")

	exported, ok := env.store.exported[filepath.Join(env.dirs.Trimmed, "chile_07.wav")]
	require.True(t, ok)
	assert.InDelta(t, 2.0, exported.DurationSec(), 1e-9)

	items := svc.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatePersisted, items[0].State)
	assert.InDelta(t, 1000.0, items[0].OnsetMs, 1e-9)
}

func TestRun_InferenceFailureRetriedNextRun(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav", "b.wav")
	env.ext.failFor = map[string]error{
		"b": &embedding.InferenceError{Op: "fake", Err: errors.New("out of memory")},
	}

	first, err := env.service().Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 1, first.Failed)
	assert.Zero(t, first.Quarantined)
	assert.FileExists(t, filepath.Join(env.dirs.Corpus, "b.wav"))

	env.ext.failFor = nil
	second, err := env.service().Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Processed)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, env.indexRows(t), 2)
}

func TestRun_DimensionMismatchNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "good.wav", "odd.wav")
	env.ext.wrongDim = map[string]bool{"odd": true}

	summary, err := env.service().Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	assert.NoFileExists(t, filepath.Join(env.dirs.Artifacts, "odd.npy"))
	for _, row := range env.indexRows(t) {
		assert.Equal(t, "4", row[4])
	}
	failures := env.failureRows(t)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0][2], embedding.ErrDimMismatch.Error())
}

func TestRun_DuplicateStemsFirstWins(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a/peru_01.wav", "b/peru_01.wav")

	summary, err := env.service().Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)

	rows := env.indexRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, filepath.Join(env.dirs.Corpus, "a", "peru_01.wav"), rows[0][0])
}

func TestRun_NestedOutputDirsExcluded(t *testing.T) {
	env := newTestEnv(t)
	env.dirs.Trimmed = filepath.Join(env.dirs.Corpus, "trimmed")
	env.dirs.Artifacts = filepath.Join(env.dirs.Corpus, "embeddings")
	env.addFiles(t, "src.wav", "trimmed/old.wav", "embeddings/stray.wav")

	summary, err := env.service(WithOnset(&fakeOnset{onsetMs: 500})).Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Processed)
}

func TestRun_PersistFailureLeavesNoIndexRow(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav")
	opener := func(_ context.Context, dir string) (storage.ArtifactStore, error) {
		local, err := storage.NewLocalArtifacts(dir)
		if err != nil {
			return nil, err
		}
		return &failingPut{ArtifactStore: local}, nil
	}

	summary, err := env.service(WithArtifactOpener(opener)).Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, env.indexRows(t))
	assert.Len(t, env.failureRows(t), 1)
}

type failingPut struct {
	storage.ArtifactStore
}

func (f *failingPut) Put(context.Context, string, embedding.Vector) (string, error) {
	return "", errors.New("disk full")
}

func TestRun_ConcurrentLedgerRows(t *testing.T) {
	env := newTestEnv(t)
	var names []string
	for i := 0; i < 40; i++ {
		names = append(names, fmt.Sprintf("f_%03d.wav", i))
		if i%10 == 0 {
			names = append(names, fmt.Sprintf("corrupt_%03d.wav", i))
		}
	}
	env.addFiles(t, names...)

	summary, err := env.service(WithWorkers(8)).Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Processed)
	assert.Equal(t, 4, summary.Quarantined)

	rows := env.indexRows(t)
	require.Len(t, rows, 40)
	seen := map[string]bool{}
	for _, r := range rows {
		require.Len(t, r, len(ledger.SuccessHeader))
		assert.False(t, seen[r[2]], "duplicate row for %s", r[2])
		seen[r[2]] = true
	}
	assert.Len(t, env.failureRows(t), 4)
}

func TestRun_EmptyCorpusWarns(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "notes.txt", "take_01.flac")
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	summary, err := NewService(env.store, env.ext, logger).Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Zero(t, summary.Discovered)
	assert.Contains(t, buf.String(), "no audio files found")
	assert.Contains(t, buf.String(), ".wav")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav", "b.wav")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := env.service().Run(ctx, env.dirs)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 2, summary.Pending)
	assert.Zero(t, env.ext.calls.Load())
}

func TestRun_CancelLetsInFlightFileFinish(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav", "b.wav", "c.wav")
	env.ext.block = make(chan struct{})
	env.ext.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		summary Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := env.service(WithWorkers(1)).Run(ctx, env.dirs)
		done <- result{s, err}
	}()

	select {
	case <-env.ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("extraction never started")
	}
	cancel()
	close(env.ext.block)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	require.ErrorIs(t, res.err, ErrInterrupted)
	assert.Equal(t, 1, res.summary.Processed, "in-flight file completes")
	assert.Equal(t, 2, res.summary.Pending)
	assert.Len(t, env.indexRows(t), 1)
}

func TestRun_FileTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "slow.wav")
	env.ext.block = make(chan struct{})
	defer close(env.ext.block)

	summary, err := env.service(WithFileTimeout(50 * time.Millisecond)).Run(context.Background(), env.dirs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Quarantined)

	failures := env.failureRows(t)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0][2], ErrFileTimeout.Error())
}

func TestRun_Validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service().Run(context.Background(), Dirs{Corpus: env.dirs.Corpus})
	assert.ErrorIs(t, err, ErrDirsRequired)

	dirs := env.dirs
	dirs.Corpus = filepath.Join(dirs.Corpus, "missing")
	_, err = env.service().Run(context.Background(), dirs)
	assert.ErrorIs(t, err, ErrCorpusUnreadable)
}

type recordingReporter struct {
	total    int
	states   []State
	finished bool
}

func (r *recordingReporter) Start(total int)     { r.total = total }
func (r *recordingReporter) Advance(state State) { r.states = append(r.states, state) }
func (r *recordingReporter) Finish()             { r.finished = true }

func TestRun_ReporterAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "a.wav", "corrupt.wav")
	rep := &recordingReporter{}
	svc := env.service(WithReporter(rep))

	assert.False(t, svc.Status().Running)

	_, err := svc.Run(context.Background(), env.dirs)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.total)
	assert.ElementsMatch(t, []State{StatePersisted, StateQuarantined}, rep.states)
	assert.True(t, rep.finished)

	st := svc.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.States[StatePersisted])
	assert.Equal(t, 1, st.States[StateQuarantined])
}

// siblingFailingMover moves the audio file but reports a failed sibling move.
type siblingFailingMover struct {
	dir string
}

func (m *siblingFailingMover) Move(_ context.Context, src string) (string, error) {
	dst := filepath.Join(m.dir, filepath.Base(src))
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, errors.New("quarantine sibling: permission denied")
}

func TestFail_SiblingMoveFailureStillQuarantines(t *testing.T) {
	env := newTestEnv(t)
	env.addFiles(t, "corrupt_07.wav")
	svc := env.service()

	dirs := env.dirs.withDefaults()
	run, err := svc.openRun(context.Background(), "run-test", dirs)
	require.NoError(t, err)
	t.Cleanup(func() { run.close(svc.logger) })
	run.quarantine = &siblingFailingMover{dir: dirs.Quarantine}

	src := filepath.Join(env.dirs.Corpus, "corrupt_07.wav")
	item := NewItem(src)
	svc.fail(context.Background(), run, svc.logger, item, &audio.DecodeError{Path: src, Err: audio.ErrInvalidWAV})

	assert.Equal(t, StateQuarantined, item.GetState())
	assert.Equal(t, filepath.Join(dirs.Quarantine, "corrupt_07.wav"), item.Clone().QuarantinePath)
	assert.NoFileExists(t, src)

	failures := env.failureRows(t)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0][2], "decode")
	assert.Contains(t, failures[0][2], "move_failed")
}
