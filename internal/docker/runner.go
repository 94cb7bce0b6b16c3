// Package docker runs one-shot containers against a bind-mounted workspace.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
	"github.com/rs/zerolog"
)

// ExitTimedOut is reported for containers stopped by cancellation.
const ExitTimedOut = 124

// WorkspaceMount is where RunOpts.WorkDir appears inside the container.
const WorkspaceMount = "/workspace"

type RunOpts struct {
	Name        string
	Image       string
	Command     []string
	WorkDir     string
	Env         map[string]string
	ExtraMounts []Mount
	Labels      map[string]string
	HostNetwork bool
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	// GracePeriod is the SIGTERM to SIGKILL interval after cancellation.
	GracePeriod time.Duration
	Stdout      io.Writer
	Stderr      io.Writer
	// OnStart receives the container ID once it is running.
	OnStart func(id string)
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	Stopped  bool
	Duration time.Duration
}

// Client wraps the moby API client.
type Client struct {
	api    *client.Client
	logger zerolog.Logger
}

func NewClient(logger zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{api: cli, logger: logger.With().Str("component", "docker").Logger()}, nil
}

func (c *Client) Close() error { return c.api.Close() }

// Run creates, starts and waits for a container, then copies its logs and
// removes it. Cancelling ctx stops the container in two phases: SIGTERM,
// then SIGKILL after GracePeriod.
func (c *Client) Run(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	createResp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       opts.Name,
		Config:     containerConfig(opts),
		HostConfig: hostConfig(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	id := createResp.ID
	log := c.logger.With().Str("container", shortID(id)).Logger()
	defer func() {
		if _, err := c.api.ContainerRemove(context.Background(), id, client.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Msg("removing container")
		}
	}()

	start := time.Now()
	if _, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	if opts.OnStart != nil {
		opts.OnStart(id)
	}
	log.Debug().Str("image", opts.Image).Msg("container started")

	// The wait outlives ctx so the stop phases can observe the exit.
	waitResult := c.api.ContainerWait(context.Background(), id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	exited := make(chan int64, 1)
	waitErr := make(chan error, 1)
	go func() {
		for {
			select {
			case err := <-waitResult.Error:
				if err != nil {
					waitErr <- err
					return
				}
			case status := <-waitResult.Result:
				exited <- status.StatusCode
				return
			}
		}
	}()

	res := &RunResult{}
	select {
	case code := <-exited:
		res.ExitCode = int(code)
	case err := <-waitErr:
		return nil, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		res.Stopped = true
		res.ExitCode = ExitTimedOut
		c.stop(id, opts.GracePeriod, exited, log)
	}
	res.Duration = time.Since(start)

	if err := c.copyLogs(id, opts.Stdout, opts.Stderr); err != nil {
		log.Warn().Err(err).Msg("copying container logs")
	}
	return res, nil
}

func (c *Client) stop(id string, grace time.Duration, exited <-chan int64, log zerolog.Logger) {
	if err := c.Signal(context.Background(), id, "SIGTERM"); err != nil {
		log.Warn().Err(err).Msg("failed to send SIGTERM, will try SIGKILL")
	}
	select {
	case <-exited:
		log.Debug().Msg("container terminated gracefully")
		return
	case <-time.After(grace):
	}
	log.Warn().Dur("grace", grace).Msg("container did not terminate gracefully, sending SIGKILL")
	if err := c.Signal(context.Background(), id, "SIGKILL"); err != nil {
		log.Error().Err(err).Msg("failed to send SIGKILL")
		return
	}
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		log.Error().Msg("container still running after SIGKILL")
	}
}

// Signal delivers sig to a running container.
func (c *Client) Signal(ctx context.Context, id, sig string) error {
	if _, err := c.api.ContainerKill(ctx, id, client.ContainerKillOptions{Signal: sig}); err != nil {
		return fmt.Errorf("sending %s: %w", sig, err)
	}
	return nil
}

func (c *Client) copyLogs(id string, stdout, stderr io.Writer) error {
	if stdout == nil && stderr == nil {
		return nil
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	logReader, err := c.api.ContainerLogs(context.Background(), id, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer logReader.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, logReader)
	return err
}

func containerConfig(opts *RunOpts) *container.Config {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	labels := map[string]string{"gauntlet": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	cfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        env,
		Labels:     labels,
		WorkingDir: WorkspaceMount,
	}
	if opts.UserID != "" {
		cfg.User = opts.UserID
	}
	return cfg
}

func hostConfig(opts *RunOpts) *container.HostConfig {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: opts.WorkDir,
		Target: WorkspaceMount,
	}}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	initTrue := true
	hc := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
		// Containers reach the usage proxy on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if opts.HostNetwork {
		hc.NetworkMode = container.NetworkMode("host")
	}
	if opts.CPULimit > 0 {
		hc.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hc.Memory = opts.MemoryLimit
	}
	return hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// SyncBuffer is an io.Writer safe for concurrent writes, used to collect
// container output.
type SyncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
