package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/docker"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/gitops"
	"github.com/signalnine/gauntlet/internal/result"
)

// Container paths exposed to docker frameworks.
const (
	controlDir        = "/gauntlet"
	clarificationPath = controlDir + "/clarifications.txt"
	logsPath          = controlDir + "/logs"
)

// ChangesFile holds the workspace diff captured when a docker run stops.
const ChangesFile = "changes.patch"

// StepReport is the JSON a docker framework writes to $STEP_REPORT.
type StepReport struct {
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	TokensIn       int      `json:"tokens_in"`
	TokensOut      int      `json:"tokens_out"`
	Clarifications []string `json:"clarifications,omitempty"`
}

// Docker runs each step as a one-shot container over a workspace checked
// out at the framework's pinned commit.
type Docker struct {
	fw     config.Framework
	deps   Deps
	logger zerolog.Logger
	http   *http.Client

	mu        sync.Mutex
	ws        Workspace
	env       map[string]string
	container string
	stopped   bool
}

func NewDocker(fw config.Framework, d Deps) *Docker {
	return &Docker{
		fw:     fw,
		deps:   d,
		logger: d.Logger.With().Str("adapter", "docker").Str("framework", fw.Name).Logger(),
		http:   &http.Client{},
	}
}

func (a *Docker) Start(ctx context.Context, ws Workspace) error {
	if err := os.MkdirAll(ws.LogDir, 0o755); err != nil {
		return provisioningErr("creating log dir: %v", err)
	}
	head, err := gitops.CloneAndCheckout(ctx, a.fw.Repo, a.fw.Commit, ws.Dir)
	if err != nil {
		return provisioningErr("checkout %s@%s: %v", a.fw.Repo, a.fw.Commit, err)
	}
	if !gitops.MatchesCommit(a.fw.Commit, head) {
		return provisioningErr("workspace HEAD %s does not match pinned commit %s", head, a.fw.Commit)
	}

	creds, err := gateway.ResolveCredentials(a.fw.Credentials, a.deps.Secrets)
	if err != nil {
		return provisioningErr("%v", err)
	}
	env := make(map[string]string, len(a.fw.Env)+len(creds)+4)
	for k, v := range a.fw.Env {
		env[k] = v
	}
	for k, v := range creds {
		a.deps.Redactor.Add(v)
		env[k] = v
	}
	env["GAUNTLET_RUN_ID"] = ws.RunID
	env["CLARIFICATION_FILE"] = clarificationPath
	env["USAGE_LOG"] = logsPath + "/" + result.UsageLogFile
	if a.deps.ProxyURL != "" {
		env[gateway.URLEnv] = a.deps.ProxyURL
	}
	if a.fw.Ports.API > 0 {
		env["PORT"] = strconv.Itoa(a.fw.Ports.API)
	}

	a.mu.Lock()
	a.ws = ws
	a.env = env
	a.stopped = false
	a.mu.Unlock()
	a.logger.Info().Str("run_id", ws.RunID).Str("commit", head).Msg("workspace pinned")
	return nil
}

func (a *Docker) ExecuteStep(ctx context.Context, step int, command string, c Clarifier) StepOutcome {
	start := time.Now()
	a.mu.Lock()
	ws, env, stopped := a.ws, a.env, a.stopped
	a.mu.Unlock()
	if env == nil || stopped {
		return failed(start, "instance not started")
	}

	reportName := fmt.Sprintf("step-%02d.report.json", step)
	reportHost := filepath.Join(ws.LogDir, reportName)
	os.Remove(reportHost)

	stepEnv := make(map[string]string, len(env)+3)
	for k, v := range env {
		stepEnv[k] = v
	}
	stepEnv["STEP_NUMBER"] = strconv.Itoa(step)
	stepEnv["STEP_COMMAND"] = command
	stepEnv["STEP_REPORT"] = logsPath + "/" + reportName

	stdout, err := openLog(filepath.Join(ws.LogDir, "stdout.log"))
	if err != nil {
		return failed(start, err.Error())
	}
	defer stdout.Close()
	stderr, err := openLog(filepath.Join(ws.LogDir, "stderr.log"))
	if err != nil {
		return failed(start, err.Error())
	}
	defer stderr.Close()

	res, err := a.deps.Docker.Run(ctx, &docker.RunOpts{
		Name:    fmt.Sprintf("gauntlet-%s-%s-step%d", a.fw.Name, shortRun(ws.RunID), step),
		Image:   a.fw.Image,
		Command: a.fw.Command,
		WorkDir: ws.Dir,
		Env:     stepEnv,
		ExtraMounts: []docker.Mount{
			{Source: a.deps.ClarificationFile, Target: clarificationPath, ReadOnly: true},
			{Source: ws.LogDir, Target: logsPath},
		},
		Labels:      map[string]string{"gauntlet.run": ws.RunID, "gauntlet.framework": a.fw.Name},
		HostNetwork: a.fw.Ports.API > 0,
		GracePeriod: a.deps.GracePeriod,
		Stdout:      stdout,
		Stderr:      stderr,
		OnStart:     a.setContainer,
	})
	a.setContainer("")
	if err != nil {
		return failed(start, fmt.Sprintf("container: %v", err))
	}
	if res.Stopped {
		return failed(start, "cancelled")
	}

	report, err := readReport(reportHost)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn().Err(err).Int("step", step).Msg("unreadable step report")
	}
	out := StepOutcome{Success: res.ExitCode == 0}
	if report != nil {
		for _, q := range report.Clarifications {
			c.Clarify(q)
		}
		out.HITLCount = len(report.Clarifications)
		out.TokensIn = report.TokensIn
		out.TokensOut = report.TokensOut
		out.Success = out.Success && report.Success
		out.FailureReason = report.Error
	}
	if !out.Success && out.FailureReason == "" {
		out.FailureReason = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	out.Duration = time.Since(start)
	return out
}

func (a *Docker) setContainer(id string) {
	a.mu.Lock()
	a.container = id
	a.mu.Unlock()
}

// Terminate signals the running step container.
func (a *Docker) Terminate(ctx context.Context, force bool) error {
	a.mu.Lock()
	id := a.container
	a.mu.Unlock()
	if id == "" {
		return nil
	}
	sig := "SIGTERM"
	if force {
		sig = "SIGKILL"
	}
	return a.deps.Docker.Signal(ctx, id, sig)
}

func (a *Docker) HealthCheck(ctx context.Context) bool {
	switch {
	case a.fw.HealthURL != "":
		return probeHTTP(ctx, a.http, a.fw.HealthURL, a.deps.HealthTimeout)
	case a.fw.Ports.API > 0:
		d := net.Dialer{Timeout: a.deps.HealthTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(a.fw.Ports.API)))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	default:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.env != nil && !a.stopped
	}
}

func (a *Docker) HandleClarification(query string) string {
	return a.deps.Clarifications.Response(query)
}

func (a *Docker) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	id, ws := a.container, a.ws
	a.mu.Unlock()
	var errs []error
	if id != "" {
		errs = append(errs, a.deps.Docker.Signal(ctx, id, "SIGKILL"))
	}
	if ws.Dir != "" {
		errs = append(errs, captureChanges(ctx, ws))
	}
	return errors.Join(errs...)
}

// captureChanges records the framework's diff against the pinned commit
// next to the run logs, so it survives in the archive.
func captureChanges(ctx context.Context, ws Workspace) error {
	diff, err := gitops.CaptureChanges(ctx, ws.Dir)
	if err != nil {
		return fmt.Errorf("capturing changes: %w", err)
	}
	return os.WriteFile(filepath.Join(ws.LogDir, ChangesFile), diff, 0o644)
}

func readReport(path string) (*StepReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r StepReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func openLog(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
