package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/groupmux/internal/poll"
)

// Input is the document written to a worker's stdin as one JSON line.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask"`
}

// followUp is the shape of subsequent stdin lines while the worker runs.
type followUp struct {
	Prompt string `json:"prompt"`
}

// Result summarizes a finished worker turn.
type Result struct {
	ExitCode  int
	Outputs   []WorkerOutput
	Truncated bool
}

// Failed reports whether the turn should count against the group's retries.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.Truncated
}

// LastOutput returns the final result block, if any was emitted.
func (r Result) LastOutput() (WorkerOutput, bool) {
	if len(r.Outputs) == 0 {
		return WorkerOutput{}, false
	}
	return r.Outputs[len(r.Outputs)-1], true
}

// Config tunes worker supervision.
type Config struct {
	Runtime Runtime
	Logger  *slog.Logger
	// IdleTimeout half-closes stdin after this much output silence so the
	// worker wraps up instead of holding its slot.
	IdleTimeout time.Duration
	// HardTimeout kills the container outright. Always longer than
	// IdleTimeout so graceful wind-down gets a chance first.
	HardTimeout    time.Duration
	MaxOutputBytes int64
	// OnIdle fires when the idle timeout closes stdin. Optional.
	OnIdle func()
}

// Worker supervises one running container turn.
type Worker struct {
	cfg    Config
	handle Handle
	logger *slog.Logger

	idle      *poll.IdleTimer
	hardTimer *time.Timer

	mu        sync.Mutex
	outputs   []WorkerOutput
	truncated bool
	scanDone  chan struct{}
}

// StartWorker launches a container, writes the input document and begins
// scanning its output. onOutput, when set, fires for every result block as
// it arrives.
func StartWorker(ctx context.Context, cfg Config, spec StartSpec, input Input, onOutput func(WorkerOutput)) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner", "folder", input.GroupFolder)

	handle, err := cfg.Runtime.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &Worker{
		cfg:      cfg,
		handle:   handle,
		logger:   logger,
		scanDone: make(chan struct{}),
	}

	doc, err := json.Marshal(input)
	if err != nil {
		_ = handle.Kill(ctx)
		return nil, fmt.Errorf("encode worker input: %w", err)
	}
	if _, err := handle.Stdin().Write(append(doc, '\n')); err != nil {
		_ = handle.Kill(ctx)
		return nil, fmt.Errorf("write worker input: %w", err)
	}

	if cfg.IdleTimeout > 0 {
		w.idle = poll.NewIdleTimer(cfg.IdleTimeout, func() {
			logger.Info("worker idle, closing stdin", "container", handle.ID())
			_ = handle.CloseStdin()
			if cfg.OnIdle != nil {
				cfg.OnIdle()
			}
		})
		w.idle.Reset()
	}
	if cfg.HardTimeout > 0 {
		w.hardTimer = time.AfterFunc(cfg.HardTimeout, func() {
			logger.Warn("worker hard timeout, killing container", "container", handle.ID())
			_ = handle.Kill(context.Background())
		})
	}

	go w.scan(onOutput)

	logger.Info("worker started", "container", handle.ID(), "scheduled_task", input.IsScheduledTask)
	return w, nil
}

func (w *Worker) scan(onOutput func(WorkerOutput)) {
	defer close(w.scanDone)
	err := ScanOutput(w.handle.Output(), w.cfg.MaxOutputBytes,
		func(block WorkerOutput) {
			w.mu.Lock()
			w.outputs = append(w.outputs, block)
			w.mu.Unlock()
			if onOutput != nil {
				onOutput(block)
			}
		},
		func() {
			if w.idle != nil {
				w.idle.Reset()
			}
		})
	if err == ErrOutputTruncated {
		w.mu.Lock()
		w.truncated = true
		w.mu.Unlock()
		w.logger.Warn("worker output truncated, killing container", "container", w.handle.ID())
		_ = w.handle.Kill(context.Background())
	} else if err != nil {
		w.logger.Debug("worker output stream ended", "error", err)
	}
}

// SendFollowUp pipes another prompt line into the running worker.
func (w *Worker) SendFollowUp(text string) error {
	doc, err := json.Marshal(followUp{Prompt: text})
	if err != nil {
		return fmt.Errorf("encode follow-up: %w", err)
	}
	if _, err := w.handle.Stdin().Write(append(doc, '\n')); err != nil {
		return fmt.Errorf("write follow-up: %w", err)
	}
	if w.idle != nil {
		w.idle.Reset()
	}
	return nil
}

// CloseStdin signals the worker to finish its turn after draining input.
func (w *Worker) CloseStdin() {
	_ = w.handle.CloseStdin()
}

// Wait blocks until the container exits, then stops timers and returns the
// collected result.
func (w *Worker) Wait(ctx context.Context) (Result, error) {
	exitCode, err := w.handle.Wait(ctx)
	if w.idle != nil {
		w.idle.Clear()
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
	}
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	// The output pipe closes when the container exits; wait for the scanner
	// so no trailing block is lost.
	select {
	case <-w.scanDone:
	case <-ctx.Done():
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return Result{
		ExitCode:  exitCode,
		Outputs:   append([]WorkerOutput(nil), w.outputs...),
		Truncated: w.truncated,
	}, nil
}

// Kill force-stops the container.
func (w *Worker) Kill(ctx context.Context) error {
	if w.idle != nil {
		w.idle.Clear()
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
	}
	return w.handle.Kill(ctx)
}

// ContainerID exposes the underlying container for shutdown logging.
func (w *Worker) ContainerID() string {
	return w.handle.ID()
}
