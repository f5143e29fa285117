// Package runner starts and supervises agent workers in containers: one
// container per worker turn, fed a JSON document on stdin, its stdout
// scanned for sentinel-delimited result blocks.
package runner

import (
	"context"
	"io"
)

// StartSpec describes one worker container.
type StartSpec struct {
	Image      string
	Name       string
	Env        []string
	Binds      []string
	WorkingDir string
	MemoryMB   int64
	Network    string
}

// Handle is a running container. Stdin stays open for follow-up input until
// CloseStdin; Output is the demultiplexed stdout stream.
type Handle interface {
	ID() string
	Stdin() io.Writer
	CloseStdin() error
	Output() io.Reader
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Kill force-stops the container.
	Kill(ctx context.Context) error
}

// Runtime abstracts the container engine so tests can run workers in-process.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
	Close() error
}
