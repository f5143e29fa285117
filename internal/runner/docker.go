package runner

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime runs workers as ephemeral docker containers.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the engine from the environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Start creates, attaches and starts a container. Stdin is attached so the
// host can stream the input document and follow-ups; stdout/stderr come back
// over the same hijacked connection and are demultiplexed into one stream.
func (d *DockerRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("start container: image required")
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(spec.Network),
		Binds:       spec.Binds,
		AutoRemove:  true,
	}, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := d.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	h := &dockerHandle{
		client: d.client,
		id:     resp.ID,
		attach: attach,
	}
	pr, pw := io.Pipe()
	h.output = pr
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()
	return h, nil
}

type dockerHandle struct {
	client    *client.Client
	id        string
	attach    types.HijackedResponse
	output    *io.PipeReader
	closeOnce sync.Once
}

func (h *dockerHandle) ID() string        { return h.id }
func (h *dockerHandle) Stdin() io.Writer  { return h.attach.Conn }
func (h *dockerHandle) Output() io.Reader { return h.output }

// CloseStdin half-closes the connection so the worker sees EOF and wraps up.
func (h *dockerHandle) CloseStdin() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.attach.CloseWrite()
	})
	return err
}

func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	if err := h.client.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}
