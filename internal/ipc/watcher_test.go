package ipc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupmux/internal/group"
)

func TestWatcher_ScansOnFileDrop(t *testing.T) {
	root := t.TempDir()
	paths := group.Paths{
		DataDir:   filepath.Join(root, "data"),
		GroupsDir: filepath.Join(root, "groups"),
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	w := NewWatcher(paths, 50*time.Millisecond, func(_ context.Context, folder string) {
		mu.Lock()
		seen[folder]++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	// Create a group mailbox and drop a command after the watcher is live;
	// either fsnotify or the fallback poll must pick it up.
	if _, err := WriteCommand(paths.IPCCommandsDir("family"), Command{Type: CmdRefreshGroups}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := seen["family"]
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never scanned the new group mailbox")
}

func TestWatcher_InitialScanPicksUpBacklog(t *testing.T) {
	root := t.TempDir()
	paths := group.Paths{
		DataDir:   filepath.Join(root, "data"),
		GroupsDir: filepath.Join(root, "groups"),
	}

	// Backlog written before the watcher starts, as after a host restart.
	if _, err := WriteCommand(paths.IPCCommandsDir("family"), Command{Type: CmdRefreshGroups}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	scanned := make(chan string, 8)
	w := NewWatcher(paths, time.Hour, func(_ context.Context, folder string) {
		select {
		case scanned <- folder:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	select {
	case folder := <-scanned:
		if folder != "family" {
			t.Fatalf("scanned %q", folder)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("initial scan never ran")
	}
}

func TestWatcher_SkipsErrorsDir(t *testing.T) {
	root := t.TempDir()
	paths := group.Paths{
		DataDir:   filepath.Join(root, "data"),
		GroupsDir: filepath.Join(root, "groups"),
	}
	if err := WriteFileAtomic(filepath.Join(paths.IPCErrorsDir(), "family-bad.json"), []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	var folders []string
	w := NewWatcher(paths, time.Hour, func(_ context.Context, folder string) {
		mu.Lock()
		folders = append(folders, folder)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, f := range folders {
		if f == "errors" {
			t.Fatal("errors dir treated as a group mailbox")
		}
	}
}
