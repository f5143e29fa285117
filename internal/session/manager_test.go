package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/persistence"
)

func newTestManager(t *testing.T) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m, err := NewManager(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store
}

func TestResolve_IsolatedAlwaysFresh(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Update(ctx, "family", "sess-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if id, ok := m.Resolve("family", group.ContextIsolated); ok {
		t.Fatalf("isolated run resolved session %q", id)
	}
}

func TestResolve_SharedContinuesPointer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, ok := m.Resolve("family", group.ContextShared); ok {
		t.Fatal("resolved a session before any run")
	}

	if err := m.Update(ctx, "family", "sess-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	id, ok := m.Resolve("family", group.ContextShared)
	if !ok || id != "sess-1" {
		t.Fatalf("resolve = %q, %v", id, ok)
	}

	// Empty reported ids are discarded, not stored.
	if err := m.Update(ctx, "family", ""); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if id, _ := m.Resolve("family", group.ContextShared); id != "sess-1" {
		t.Fatalf("empty update clobbered pointer: %q", id)
	}
}

func TestManager_PointersSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	m, err := NewManager(ctx, store, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Update(ctx, "family", "sess-9"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A second manager over the same store sees the pointer.
	m2, err := NewManager(ctx, store, nil)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if id, ok := m2.Resolve("family", group.ContextShared); !ok || id != "sess-9" {
		t.Fatalf("restart lost pointer: %q, %v", id, ok)
	}
}

func TestArchive_ClearsPointerAndResumes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Update(ctx, "family", "sess-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	id, err := m.Archive(ctx, "family", "trip-notes", "summary text")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, ok := m.Resolve("family", group.ContextShared); ok {
		t.Fatal("archive did not clear the live pointer")
	}

	archives, err := m.List(ctx, "family")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(archives) != 1 || archives[0].Name != "trip-notes" {
		t.Fatalf("archives = %+v", archives)
	}

	if err := m.Resume(ctx, "family", id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got, ok := m.Resolve("family", group.ContextShared); !ok || got != "sess-1" {
		t.Fatalf("resume = %q, %v", got, ok)
	}
}

func TestArchive_RequiresLivePointer(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Archive(context.Background(), "family", "x", ""); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestResume_RejectsForeignArchive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Update(ctx, "work", "sess-w"); err != nil {
		t.Fatalf("update: %v", err)
	}
	id, err := m.Archive(ctx, "work", "standup", "")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	if err := m.Resume(ctx, "family", id); !IsNotFound(err) {
		t.Fatalf("cross-group resume should fail as not-found, got %v", err)
	}
}
