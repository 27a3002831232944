package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gbarbosa99/dialects/internal/embedding"
)

func setupTestArtifacts(t *testing.T) *LocalArtifacts {
	t.Helper()
	store, err := NewLocalArtifacts(filepath.Join(t.TempDir(), "embeddings"))
	if err != nil {
		t.Fatalf("NewLocalArtifacts() error = %v", err)
	}
	return store
}

func TestNewLocalArtifacts(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		store, err := NewLocalArtifacts(dir)
		if err != nil {
			t.Fatalf("NewLocalArtifacts() error = %v", err)
		}
		if store.dir != dir {
			t.Errorf("dir = %v, want %v", store.dir, dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected directory, got file")
		}
	})

	t.Run("rejects empty directory", func(t *testing.T) {
		if _, err := NewLocalArtifacts(""); err == nil {
			t.Error("expected error for empty directory")
		}
	})
}

func TestLocalArtifacts_PutExists(t *testing.T) {
	store := setupTestArtifacts(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "russia_22")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Fatal("Exists() = true before Put")
	}

	vec := embedding.NewVector([]float32{0.5, -0.25, 1})
	path, err := store.Put(ctx, "russia_22", vec)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if want := filepath.Join(store.dir, "russia_22.npy"); path != want {
		t.Errorf("Put() path = %v, want %v", path, want)
	}
	if path != store.Path("russia_22") {
		t.Errorf("Path() = %v, want %v", store.Path("russia_22"), path)
	}

	exists, err = store.Exists(ctx, "russia_22")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true, nil", exists, err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := embedding.ReadNPY(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("ReadNPY() error = %v", err)
	}
	if len(got) != 3 || got[1] != -0.25 {
		t.Errorf("ReadNPY() = %v, want %v", got, vec.Values)
	}

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the artifact in the directory, got %d entries", len(entries))
	}
}

func TestLocalArtifacts_Remove(t *testing.T) {
	store := setupTestArtifacts(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "stem", embedding.NewVector([]float32{1})); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Remove(ctx, "stem"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if exists, _ := store.Exists(ctx, "stem"); exists {
		t.Error("artifact still exists after Remove")
	}

	// Removing again is fine.
	if err := store.Remove(ctx, "stem"); err != nil {
		t.Errorf("Remove() of missing artifact error = %v", err)
	}
}

func TestLocalArtifacts_EmptyStem(t *testing.T) {
	store := setupTestArtifacts(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "", embedding.NewVector([]float32{1})); err != ErrEmptyStem {
		t.Errorf("Put() error = %v, want %v", err, ErrEmptyStem)
	}
	if _, err := store.Exists(ctx, ""); err != ErrEmptyStem {
		t.Errorf("Exists() error = %v, want %v", err, ErrEmptyStem)
	}
}

func TestLocalArtifacts_CancelledContext(t *testing.T) {
	store := setupTestArtifacts(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Put(ctx, "stem", embedding.NewVector([]float32{1})); err == nil {
		t.Error("expected error for cancelled context")
	}
	if exists, _ := store.Exists(context.Background(), "stem"); exists {
		t.Error("artifact written despite cancelled context")
	}
}

func TestLocalArtifacts_CleanupPartial(t *testing.T) {
	store := setupTestArtifacts(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "done", embedding.NewVector([]float32{1})); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	partial := filepath.Join(store.dir, ".half-123"+partialSuffix)
	if err := os.WriteFile(partial, []byte("\x93NUM"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	removed, err := store.CleanupPartial(ctx)
	if err != nil {
		t.Fatalf("CleanupPartial() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupPartial() removed %d, want 1", removed)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial file should be removed")
	}
	if exists, _ := store.Exists(ctx, "done"); !exists {
		t.Error("complete artifact should be kept")
	}
}
