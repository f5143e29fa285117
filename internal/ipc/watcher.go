package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/groupmux/internal/group"
)

// Watcher triggers mailbox scans on filesystem events, with a slow fallback
// poll for filesystems where inotify is unreliable (network mounts, bind
// mounts into containers). Scans are serialized: an event arriving while a
// scan runs marks it dirty instead of starting a second scan.
type Watcher struct {
	paths            group.Paths
	logger           *slog.Logger
	fallbackInterval time.Duration
	process          func(ctx context.Context, folder string)

	scanning atomic.Bool
	dirty    atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher. process is called once per group folder on
// every scan.
func NewWatcher(paths group.Paths, fallbackInterval time.Duration, process func(ctx context.Context, folder string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if fallbackInterval <= 0 {
		fallbackInterval = 10 * time.Second
	}
	return &Watcher{
		paths:            paths,
		logger:           logger.With("component", "ipc_watcher"),
		fallbackInterval: fallbackInterval,
		process:          process,
	}
}

// Start begins watching. The base directory is created if missing.
func (w *Watcher) Start(ctx context.Context) error {
	base := w.paths.IPCBaseDir()
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("create ipc base dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(base); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch ipc base dir: %w", err)
	}
	w.addGroupDirs(fsw)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx, fsw)
	return nil
}

// Stop halts watching and waits for in-flight scans.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// addGroupDirs registers every group's mailbox subdirectories.
func (w *Watcher) addGroupDirs(fsw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.paths.IPCBaseDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		folder := e.Name()
		for _, dir := range []string{w.paths.IPCCommandsDir(folder), w.paths.IPCMessagesDir(folder)} {
			if err := fsw.Add(dir); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("watch mailbox dir failed", "dir", dir, "error", err)
			}
		}
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = fsw.Close() }()

	fallback := time.NewTicker(w.fallbackInterval)
	defer fallback.Stop()

	// Debounce event bursts: a worker dropping several files triggers one
	// scan, not one per file.
	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		const debounce = 150 * time.Millisecond
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounce)
		timerC = timer.C
	}

	// Initial scan picks up files that arrived while the host was down.
	w.scanAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// New group mailboxes appear as directories under the base.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
					w.addGroupDirs(fsw)
				}
			}
			arm()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		case <-timerC:
			timerC = nil
			w.scanAll(ctx)
		case <-fallback.C:
			w.scanAll(ctx)
		}
	}
}

// scanAll processes every group's mailbox once. Reentrant calls set the
// dirty flag; the running scan loops until the flag stays clear.
func (w *Watcher) scanAll(ctx context.Context) {
	if !w.scanning.CompareAndSwap(false, true) {
		w.dirty.Store(true)
		return
	}
	defer w.scanning.Store(false)

	for {
		w.dirty.Store(false)
		entries, err := os.ReadDir(w.paths.IPCBaseDir())
		if err != nil {
			w.logger.Warn("read ipc base dir", "error", err)
			return
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name() == "errors" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.process(ctx, e.Name())
		}
		if !w.dirty.Load() {
			return
		}
	}
}
