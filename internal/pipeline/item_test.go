package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewItem(t *testing.T) {
	item := NewItem(filepath.Join("corpus", "europe", "spain_03.wav"))

	if item.Stem != "spain_03" {
		t.Errorf("expected stem spain_03, got %s", item.Stem)
	}
	if item.Filename() != "spain_03.wav" {
		t.Errorf("expected filename spain_03.wav, got %s", item.Filename())
	}
	if item.State != StateDiscovered {
		t.Errorf("expected state %s, got %s", StateDiscovered, item.State)
	}
	if item.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestItem_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr bool
	}{
		{"full path with trim", []State{StateLoaded, StateTrimmed, StateExtracted, StatePersisted}, false},
		{"full path without trim", []State{StateLoaded, StateExtracted, StatePersisted}, false},
		{"skip", []State{StateSkipped}, false},
		{"quarantine", []State{StateQuarantined}, false},
		{"fail before load", []State{StateFailed}, false},
		{"fail after load", []State{StateLoaded, StateFailed}, false},
		{"fail after trim", []State{StateLoaded, StateTrimmed, StateFailed}, false},
		{"fail after extract", []State{StateLoaded, StateExtracted, StateFailed}, false},
		{"persist without extract", []State{StateLoaded, StatePersisted}, true},
		{"quarantine after load", []State{StateLoaded, StateQuarantined}, true},
		{"leave skipped", []State{StateSkipped, StateLoaded}, true},
		{"leave persisted", []State{StateLoaded, StateExtracted, StatePersisted, StateFailed}, true},
		{"trim twice", []State{StateLoaded, StateTrimmed, StateTrimmed}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewItem("a.wav")
			var err error
			for _, s := range tt.path {
				if err = item.TransitionTo(s); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("TransitionTo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateDiscovered:  false,
		StateLoaded:      false,
		StateTrimmed:     false,
		StateExtracted:   false,
		StatePersisted:   true,
		StateSkipped:     true,
		StateQuarantined: true,
		StateFailed:      true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestItem_FailAndQuarantine(t *testing.T) {
	item := NewItem("x.wav")
	if err := item.Quarantine("decode failed", "/q/x.wav"); err != nil {
		t.Fatalf("Quarantine() error = %v", err)
	}
	clone := item.Clone()
	if clone.State != StateQuarantined || clone.Reason != "decode failed" || clone.QuarantinePath != "/q/x.wav" {
		t.Errorf("unexpected clone %+v", clone)
	}

	if err := item.Fail("again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Fail() on terminal item error = %v, want ErrInvalidTransition", err)
	}
}

func TestTracker_ClaimFirstWins(t *testing.T) {
	tr := NewTracker()
	first := NewItem(filepath.Join("a", "peru.wav"))
	second := NewItem(filepath.Join("b", "peru.mp3"))

	if !tr.Claim(first) {
		t.Fatal("expected first claim to succeed")
	}
	if tr.Claim(second) {
		t.Fatal("expected duplicate stem to be rejected")
	}

	got, ok := tr.Find("peru")
	if !ok || got.Path != first.Path {
		t.Errorf("Find() = %+v, %v", got, ok)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}

func TestTracker_ConcurrentCounts(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := NewItem(filepath.Join("c", strings.Repeat("x", i+1)+".wav"))
			tr.Claim(item)
			_ = item.TransitionTo(StateSkipped)
		}(i)
	}
	wg.Wait()

	if got := tr.Counts()[StateSkipped]; got != 50 {
		t.Errorf("Counts()[SKIPPED] = %d, want 50", got)
	}
	list := tr.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Path > list[i].Path {
			t.Fatal("List() is not sorted by path")
		}
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if !strings.HasPrefix(a, "run-") {
		t.Errorf("expected run- prefix, got %s", a)
	}
	if a == b {
		t.Errorf("expected unique ids, got %s twice", a)
	}
}
