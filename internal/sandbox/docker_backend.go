package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerBackend implements Controller on top of a local Docker daemon.
type DockerBackend struct {
	client *client.Client
	cfg    Config
}

// NewDockerBackend creates a Docker-backed controller and verifies the
// daemon is reachable.
func NewDockerBackend(cfg Config) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return &DockerBackend{client: cli, cfg: cfg}, nil
}

// ListLive counts the running containers on the host. The admission gate
// treats this inventory as the live sandbox count.
func (b *DockerBackend) ListLive(ctx context.Context) (int, error) {
	containers, err := b.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	return len(containers), nil
}

// Create starts a sandbox whose entry process is a plain sleep. The
// participant's program is launched separately via ExecDetached so that
// a crashing exec does not take the sandbox down with it.
func (b *DockerBackend) Create(ctx context.Context) (string, error) {
	containerCfg := &container.Config{
		Image: b.cfg.Image,
		Cmd:   []string{"/bin/sleep", strconv.Itoa(int(b.cfg.EntryLifetime / time.Second))},
		Labels: map[string]string{
			"feuerfuchs.sandbox": "true",
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(b.cfg.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(b.cfg.CPULimit * 1e9),
		},
	}

	resp, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	return resp.ID, nil
}

// ExecDetached fires off a command inside the sandbox without waiting
// for its output or exit code.
func (b *DockerBackend) ExecDetached(ctx context.Context, handle string, cmd ...string) error {
	resp, err := b.client.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}

	if err := b.client.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start exec: %w", err)
	}

	return nil
}

// ProcessRunning runs pgrep inside the sandbox and reports whether it
// matched anything.
func (b *DockerBackend) ProcessRunning(ctx context.Context, handle, name string) (bool, error) {
	resp, err := b.client.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          []string{"pgrep", name},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, fmt.Errorf("create exec: %w", err)
	}

	attach, err := b.client.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return false, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, attach.Reader)

	// pgrep prints one pid per line; any output means a match.
	return buf.Len() > 0, nil
}

// Kill stops the sandbox. Killing a container that already exited is
// reported by the daemon as a conflict and treated as success.
func (b *DockerBackend) Kill(ctx context.Context, handle string) error {
	if err := b.client.ContainerKill(ctx, handle, "KILL"); err != nil {
		if errdefs.IsConflict(err) || errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

// Remove deletes the sandbox container.
func (b *DockerBackend) Remove(ctx context.Context, handle string) error {
	if err := b.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.client.Close()
}
