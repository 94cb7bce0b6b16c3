// Package gateway runs the LLM usage proxy shared by every framework in an
// experiment and reads the usage records it and the adapters produce.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// URLEnv is the variable frameworks read the proxy address from.
const URLEnv = "PROXY_URL"

type Gateway struct {
	Port    int
	cmd     *exec.Cmd
	logFile *os.File
	logger  zerolog.Logger
	done    chan struct{}
}

type StartOpts struct {
	// Secrets are added to the proxy environment.
	Secrets   map[string]string
	LogDir    string
	BudgetUSD float64
	// Binary defaults to litellm.
	Binary string
	Ready  time.Duration
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://localhost:%d", g.Port)
}

// ContainerURL is the proxy address as seen from inside a container.
func (g *Gateway) ContainerURL() string {
	return fmt.Sprintf("http://host.docker.internal:%d", g.Port)
}

func Start(ctx context.Context, opts StartOpts, logger zerolog.Logger) (*Gateway, error) {
	port, err := FindFreePort()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating proxy log dir: %w", err)
	}
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("litellm-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	bin := opts.Binary
	if bin == "" {
		bin = "litellm"
	}
	args := []string{"--port", fmt.Sprintf("%d", port)}
	if opts.BudgetUSD > 0 {
		args = append(args, "--max_budget", fmt.Sprintf("%.2f", opts.BudgetUSD))
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range opts.Secrets {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	g := &Gateway{Port: port, cmd: cmd, logFile: logFile, logger: logger.With().Str("component", "gateway").Logger(), done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(g.done)
	}()

	ready := opts.Ready
	if ready == 0 {
		ready = 30 * time.Second
	}
	if err := waitForPort(ctx, port, ready); err != nil {
		cmd.Process.Kill()
		<-g.done
		logFile.Close()
		return nil, fmt.Errorf("%s did not start: %w", bin, err)
	}
	g.logger.Info().Int("port", port).Str("log", logPath).Msg("usage proxy started")
	return g, nil
}

// Stop sends SIGTERM, waits up to grace, then kills the proxy.
func (g *Gateway) Stop(grace time.Duration) error {
	if g.cmd == nil || g.cmd.Process == nil {
		return nil
	}
	defer g.logFile.Close()
	select {
	case <-g.done:
		return nil
	default:
	}
	if err := g.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		g.logger.Warn().Err(err).Msg("failed to send SIGTERM, will try SIGKILL")
	}
	select {
	case <-g.done:
		g.logger.Debug().Msg("usage proxy terminated gracefully")
		return nil
	case <-time.After(grace):
	}
	g.logger.Warn().Msg("usage proxy did not terminate gracefully, sending SIGKILL")
	if err := g.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing usage proxy: %w", err)
	}
	<-g.done
	return nil
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("localhost:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}
