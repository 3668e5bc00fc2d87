package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the Docker SDK behind the API interface.
type Client struct {
	cli *client.Client
}

// NewClient connects to the daemon using the standard environment
// variables and API version negotiation.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=docker.new_client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping probes the daemon.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("op=docker.ping: %w", err)
	}
	return nil
}

// Spawn creates a container with attached stdio and returns its id.
func (c *Client) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{Binds: spec.Binds}
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("op=docker.spawn: %w", err)
	}
	return resp.ID, nil
}

// hijackedStdin adapts the attach connection to io.WriteCloser; Close
// half-closes the write side so the agent sees EOF on stdin.
type hijackedStdin struct {
	resp interface {
		CloseWrite() error
	}
	w io.Writer
}

func (h hijackedStdin) Write(p []byte) (int, error) { return h.w.Write(p) }
func (h hijackedStdin) Close() error                { return h.resp.CloseWrite() }

// Attach connects to a container's stdio. The returned stdout carries
// only the agent's stdout stream; stderr is discarded after demuxing.
func (c *Client) Attach(ctx context.Context, id string) (Streams, error) {
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Streams{}, fmt.Errorf("op=docker.attach: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, resp.Reader)
		_ = pw.CloseWithError(err)
	}()

	return Streams{
		Stdin:  hijackedStdin{resp: &resp, w: resp.Conn},
		Stdout: pr,
	}, nil
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("op=docker.start: %w", err)
	}
	return nil
}

// Wait blocks until the container stops and returns its exit code.
func (c *Client) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("op=docker.wait: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return st.StatusCode, fmt.Errorf("op=docker.wait: %s", st.Error.Message)
		}
		return st.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop stops a container, bounded by timeout.
func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("op=docker.stop: %w", err)
	}
	return nil
}

// Remove force-removes a container.
func (c *Client) Remove(ctx context.Context, id string) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("op=docker.remove: %w", err)
	}
	return nil
}

// ListManaged lists all containers carrying the managed label,
// including stopped ones.
func (c *Client) ListManaged(ctx context.Context) ([]Summary, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("op=docker.list_managed: %w", err)
	}
	out := make([]Summary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Summary{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return out, nil
}
