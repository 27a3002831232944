package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the processing state of one input file.
type State string

const (
	// StateDiscovered is the initial state of every enumerated file.
	StateDiscovered State = "DISCOVERED"
	// StateLoaded means the file decoded and was normalised.
	StateLoaded State = "LOADED"
	// StateTrimmed means the narration prefix was cut off.
	StateTrimmed State = "TRIMMED"
	// StateExtracted means an embedding was computed.
	StateExtracted State = "EXTRACTED"
	// StatePersisted means the artifact was written and indexed.
	StatePersisted State = "PERSISTED"
	// StateSkipped means an artifact already existed for the stem.
	StateSkipped State = "SKIPPED"
	// StateQuarantined means the file could not be decoded and was moved aside.
	StateQuarantined State = "QUARANTINED"
	// StateFailed means the file failed and was left in place for a later run.
	StateFailed State = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("pipeline: invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateDiscovered:  {StateLoaded, StateSkipped, StateQuarantined, StateFailed},
	StateLoaded:      {StateTrimmed, StateExtracted, StateFailed},
	StateTrimmed:     {StateExtracted, StateFailed},
	StateExtracted:   {StatePersisted, StateFailed},
	StatePersisted:   {},
	StateSkipped:     {},
	StateQuarantined: {},
	StateFailed:      {},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// Item tracks one input file through the pipeline.
type Item struct {
	mu sync.RWMutex

	// Path is the source file.
	Path string
	// Stem is the file name without extension; it keys every artifact.
	Stem string
	// State is the current processing state.
	State State
	// Reason holds the failure reason for FAILED and QUARANTINED items.
	Reason string
	// OnsetMs is the accepted speech onset when narration was trimmed.
	OnsetMs float64
	// ArtifactPath is where the embedding was written.
	ArtifactPath string
	// QuarantinePath is where the source was moved.
	QuarantinePath string
	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time
}

// NewItem creates an item in the DISCOVERED state.
func NewItem(path string) *Item {
	base := filepath.Base(path)
	return &Item{
		Path:      path,
		Stem:      strings.TrimSuffix(base, filepath.Ext(base)),
		State:     StateDiscovered,
		UpdatedAt: time.Now(),
	}
}

// Filename returns the base name of the source file.
func (it *Item) Filename() string {
	return filepath.Base(it.Path)
}

// TransitionTo attempts to change the item state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (it *Item) TransitionTo(state State) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !canTransition(it.State, state) {
		return ErrInvalidTransition
	}
	it.State = state
	it.UpdatedAt = time.Now()
	return nil
}

// Fail transitions the item to FAILED with a reason.
func (it *Item) Fail(reason string) error {
	it.mu.Lock()
	it.Reason = reason
	it.mu.Unlock()
	return it.TransitionTo(StateFailed)
}

// Quarantine transitions the item to QUARANTINED, recording where it went.
func (it *Item) Quarantine(reason, dst string) error {
	it.mu.Lock()
	it.Reason = reason
	it.QuarantinePath = dst
	it.mu.Unlock()
	return it.TransitionTo(StateQuarantined)
}

// GetState returns the current state (thread-safe).
func (it *Item) GetState() State {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.State
}

// Clone creates a copy of the item for safe reads.
func (it *Item) Clone() *Item {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return &Item{
		Path:           it.Path,
		Stem:           it.Stem,
		State:          it.State,
		Reason:         it.Reason,
		OnsetMs:        it.OnsetMs,
		ArtifactPath:   it.ArtifactPath,
		QuarantinePath: it.QuarantinePath,
		UpdatedAt:      it.UpdatedAt,
	}
}

func (it *Item) setOnset(ms float64) {
	it.mu.Lock()
	it.OnsetMs = ms
	it.mu.Unlock()
}

func (it *Item) setArtifact(path string) {
	it.mu.Lock()
	it.ArtifactPath = path
	it.mu.Unlock()
}
