package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/adapter"
	"github.com/signalnine/gauntlet/internal/archive"
	"github.com/signalnine/gauntlet/internal/clarify"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/scenario"
)

const guidance = "Use sensible defaults and keep going."

// scripted is a fake framework whose behavior is fixed per step.
type scripted struct {
	src *clarify.Source

	failSteps    map[int]bool  // steps that fail on every attempt
	asks         int           // clarifications raised per attempt
	misreport    int           // added to the clarification count the fake reports
	hang         bool          // block until the step context ends
	ignoreCancel bool          // with hang, keep blocking until forced
	release      chan struct{} // with hang, ignore termination until closed
	late         chan bool     // result of the clarification raised after release
	startErr     error

	mu      sync.Mutex
	calls   []int
	terms   []bool
	stops   int
	forced  chan struct{}
	started bool
}

func newScripted(t *testing.T) *scripted {
	src, err := clarify.New(guidance)
	require.NoError(t, err)
	return &scripted{src: src, failSteps: map[int]bool{}, forced: make(chan struct{})}
}

func (s *scripted) Start(_ context.Context, ws adapter.Workspace) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return os.WriteFile(filepath.Join(ws.Dir, "README.md"), []byte("# artifact\n"), 0o644)
}

func (s *scripted) ExecuteStep(ctx context.Context, step int, command string, c adapter.Clarifier) adapter.StepOutcome {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	s.mu.Unlock()

	for q := 0; q < s.asks; q++ {
		c.Clarify(fmt.Sprintf("step %d question %d", step, q))
	}
	reported := s.asks + s.misreport
	if s.hang {
		switch {
		case s.release != nil:
			<-s.release
			_, ok := c.Clarify("are you still there?")
			s.late <- ok
		case s.ignoreCancel:
			<-s.forced
		default:
			<-ctx.Done()
		}
		return adapter.StepOutcome{FailureReason: "interrupted", HITLCount: reported}
	}
	if s.failSteps[step] {
		return adapter.StepOutcome{FailureReason: "boom", TokensIn: 1, HITLCount: reported}
	}
	return adapter.StepOutcome{Success: true, TokensIn: 10, TokensOut: 20, HITLCount: reported}
}

func (s *scripted) HealthCheck(context.Context) bool { return true }

func (s *scripted) HandleClarification(q string) string { return s.src.Response(q) }

func (s *scripted) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *scripted) Terminate(_ context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms = append(s.terms, force)
	if force {
		close(s.forced)
	}
	return nil
}

func testScenario(n int) *scenario.Scenario {
	sc := &scenario.Scenario{Name: "test"}
	for i := 1; i <= n; i++ {
		sc.Steps = append(sc.Steps, scenario.Step{Name: fmt.Sprintf("s%d", i), Command: fmt.Sprintf("do thing %d", i)})
	}
	return sc
}

func testOptions() Options {
	return Options{
		StepTimeout:          2 * time.Second,
		GracePeriod:          50 * time.Millisecond,
		MaxRetries:           2,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		ClarificationCeiling: 2,
		ProbeInterval:        10 * time.Millisecond,
		HealthTimeout:        100 * time.Millisecond,
	}
}

func newOrchestrator(t *testing.T, opts Options, steps int, factory adapter.Factory) (*Orchestrator, string) {
	t.Helper()
	exp := t.TempDir()
	return New(opts, Deps{
		ExperimentDir: exp,
		Scenario:      testScenario(steps),
		Factory:       factory,
		Archiver:      archive.New(filepath.Join(exp, "archives"), nil, nil, zerolog.Nop()),
		Logger:        zerolog.Nop(),
	}), exp
}

func fixed(a adapter.Adapter) adapter.Factory {
	return func(config.Framework) (adapter.Adapter, error) { return a, nil }
}

func execute(t *testing.T, o *Orchestrator, id string) *Outcome {
	t.Helper()
	out, err := o.Execute(context.Background(), &result.Run{ID: id, Attempt: 1}, config.Framework{Name: "alpha"})
	require.NoError(t, err)
	return out
}

func TestExecuteCompletesStepsInOrder(t *testing.T) {
	fake := newScripted(t)
	o, exp := newOrchestrator(t, testOptions(), 3, fixed(fake))

	out := execute(t, o, "run-ok")

	assert.Equal(t, result.StatusCompleted, out.Run.Status)
	assert.Equal(t, result.StateArchived, out.Run.State)
	require.Len(t, out.Run.Steps, 3)
	for i, s := range out.Run.Steps {
		assert.Equal(t, i+1, s.Step)
		assert.True(t, s.Success)
		assert.Equal(t, 0, s.Retries)
	}
	assert.Equal(t, []int{1, 2, 3}, fake.calls)
	assert.Equal(t, 1, fake.stops)

	assert.Equal(t, 3, out.Metrics.StepsCompleted)
	assert.Equal(t, 60, out.Metrics.TokensOut)
	assert.Equal(t, 1.0, out.Metrics.AutonomyRate)
	require.NotNil(t, out.Archive)
	assert.FileExists(t, out.Archive.Path)

	paths := result.NewRunPaths(result.RunDir(exp, "alpha", "run-ok"))
	assert.NoDirExists(t, paths.Workspace)
	steps, err := result.ReadJSONL[result.StepResult](paths.File(result.StepsFile))
	require.NoError(t, err)
	assert.Len(t, steps, 3)
	saved, err := result.ReadRun(paths.File(result.RunFile))
	require.NoError(t, err)
	assert.Equal(t, result.StateArchived, saved.State)
	_, err = result.ReadMetrics(paths.File(result.MetricsFile))
	require.NoError(t, err)
}

func TestExecuteRetryBound(t *testing.T) {
	fake := newScripted(t)
	fake.failSteps[2] = true
	o, _ := newOrchestrator(t, testOptions(), 3, fixed(fake))

	out := execute(t, o, "run-retry")

	assert.Equal(t, result.StatusFailed, out.Run.Status)
	assert.Equal(t, result.StateFailed, out.Run.State)
	assert.Equal(t, []int{1, 2, 2, 2}, fake.calls, "retry bound + 1 attempts")
	require.Len(t, out.Run.Steps, 2)
	assert.Equal(t, 3, out.Run.Steps[1].Attempts)
	assert.Equal(t, 2, out.Run.Steps[1].Retries)
	assert.Equal(t, result.StepFailed, out.Run.Steps[1].Status)
	assert.Equal(t, 2, out.Run.FailedStep)
	assert.Contains(t, out.Run.FailureReason, "boom")
	assert.Equal(t, 2, out.Metrics.Retries)
	assert.NotNil(t, out.Archive, "failed runs still archive partial artifacts")
}

func TestExecuteClarificationCeiling(t *testing.T) {
	fake := newScripted(t)
	fake.asks = 5
	o, exp := newOrchestrator(t, testOptions(), 1, fixed(fake))

	out := execute(t, o, "run-hitl")

	require.Len(t, out.Run.Steps, 1)
	s := out.Run.Steps[0]
	assert.True(t, s.Success, "exceeding the ceiling does not fail the step")
	assert.Equal(t, 5, s.ClarificationRequests)
	assert.Equal(t, 2, s.HITLEvents)
	assert.Equal(t, 3, s.UnguidedContinuations)
	assert.Equal(t, 2, out.Metrics.HITLEvents)
	assert.Equal(t, 3, out.Metrics.UnguidedContinuations)
	assert.Equal(t, 0.0, out.Metrics.AutonomyRate)

	events, err := result.ReadJSONL[result.HITLEvent](
		result.NewRunPaths(result.RunDir(exp, "alpha", "run-hitl")).File(result.HITLFile))
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, guidance, ev.Response)
		assert.Equal(t, clarify.Digest(guidance), ev.ResponseDigest)
	}
}

func TestExecuteCeilingSpansRetries(t *testing.T) {
	fake := newScripted(t)
	fake.asks = 1
	fake.failSteps[1] = true
	o, _ := newOrchestrator(t, testOptions(), 1, fixed(fake))

	out := execute(t, o, "run-hitl-retry")

	s := out.Run.Steps[0]
	assert.Equal(t, 3, s.ClarificationRequests)
	assert.Equal(t, 2, s.HITLEvents)
	assert.Equal(t, 1, s.UnguidedContinuations)
}

func TestExecuteTimeoutGraceful(t *testing.T) {
	fake := newScripted(t)
	fake.hang = true
	opts := testOptions()
	opts.StepTimeout = 30 * time.Millisecond
	o, _ := newOrchestrator(t, opts, 3, fixed(fake))

	out := execute(t, o, "run-timeout")

	assert.Equal(t, result.StatusTimeout, out.Run.Status)
	assert.Equal(t, result.StateTimedOut, out.Run.State)
	require.Len(t, out.Run.Steps, 1)
	assert.Equal(t, result.StepTimedOut, out.Run.Steps[0].Status)
	assert.Equal(t, 1, out.Run.Steps[0].Attempts, "timeouts are never retried")
	assert.Equal(t, []bool{false}, fake.terms)
	assert.Equal(t, 1, out.Run.FailedStep)
}

func TestExecuteTimeoutForced(t *testing.T) {
	fake := newScripted(t)
	fake.hang = true
	fake.ignoreCancel = true
	opts := testOptions()
	opts.StepTimeout = 30 * time.Millisecond
	o, _ := newOrchestrator(t, opts, 2, fixed(fake))

	start := time.Now()
	out := execute(t, o, "run-forced")

	assert.Equal(t, result.StatusTimeout, out.Run.Status)
	assert.Equal(t, []bool{false, true}, fake.terms, "graceful then forced")
	assert.GreaterOrEqual(t, time.Since(start), opts.StepTimeout+opts.GracePeriod)
}

func TestExecuteOrphanedStepCannotClarify(t *testing.T) {
	fake := newScripted(t)
	fake.hang = true
	fake.release = make(chan struct{})
	fake.late = make(chan bool, 1)
	opts := testOptions()
	opts.StepTimeout = 30 * time.Millisecond
	o, exp := newOrchestrator(t, opts, 1, fixed(fake))

	out := execute(t, o, "run-orphan")
	assert.Equal(t, result.StatusTimeout, out.Run.Status)
	assert.Equal(t, []bool{false, true}, fake.terms)

	close(fake.release)
	assert.False(t, <-fake.late, "no guidance once the step has ended")
	assert.Zero(t, out.Run.Steps[0].ClarificationRequests)
	assert.Zero(t, out.Metrics.HITLEvents)
	assert.NoFileExists(t, result.NewRunPaths(result.RunDir(exp, "alpha", "run-orphan")).File(result.HITLFile))
}

func TestExecuteReportedClarificationMismatch(t *testing.T) {
	fake := newScripted(t)
	fake.asks = 2
	fake.misreport = 1
	var logs bytes.Buffer
	exp := t.TempDir()
	o := New(testOptions(), Deps{
		ExperimentDir: exp,
		Scenario:      testScenario(1),
		Factory:       fixed(fake),
		Archiver:      archive.New(filepath.Join(exp, "archives"), nil, nil, zerolog.Nop()),
		Logger:        zerolog.New(&logs),
	})

	out, err := o.Execute(context.Background(), &result.Run{ID: "run-count"}, config.Framework{Name: "alpha"})
	require.NoError(t, err)

	s := out.Run.Steps[0]
	assert.Equal(t, 2, s.ClarificationRequests)
	assert.Equal(t, 3, s.ReportedClarifications)
	assert.Contains(t, logs.String(), "adapter clarification count disagrees")
	assert.Contains(t, logs.String(), `"reported":3`)
	assert.Contains(t, logs.String(), `"observed":2`)
}

func TestExecuteReportedClarificationsAgree(t *testing.T) {
	fake := newScripted(t)
	fake.asks = 1
	var logs bytes.Buffer
	exp := t.TempDir()
	o := New(testOptions(), Deps{
		ExperimentDir: exp,
		Scenario:      testScenario(2),
		Factory:       fixed(fake),
		Archiver:      archive.New(filepath.Join(exp, "archives"), nil, nil, zerolog.Nop()),
		Logger:        zerolog.New(&logs),
	})

	out, err := o.Execute(context.Background(), &result.Run{ID: "run-agree"}, config.Framework{Name: "alpha"})
	require.NoError(t, err)
	for _, s := range out.Run.Steps {
		assert.Equal(t, s.ClarificationRequests, s.ReportedClarifications)
	}
	assert.NotContains(t, logs.String(), "disagrees")
}

func TestExecuteProvisioningFailure(t *testing.T) {
	fake := newScripted(t)
	fake.startErr = fmt.Errorf("%w: commit mismatch", adapter.ErrProvisioning)
	o, _ := newOrchestrator(t, testOptions(), 3, fixed(fake))

	out := execute(t, o, "run-prov")

	assert.Equal(t, result.StatusFailed, out.Run.Status)
	assert.Empty(t, out.Run.Steps)
	assert.Empty(t, fake.calls, "provisioning failures are not retried")
	assert.Equal(t, 1, fake.stops, "stop runs after a partial start")
	assert.Contains(t, out.Run.FailureReason, "provisioning")
}

func TestExecuteFactoryError(t *testing.T) {
	o, _ := newOrchestrator(t, testOptions(), 1, func(config.Framework) (adapter.Adapter, error) {
		return nil, errors.New("no such adapter")
	})
	out := execute(t, o, "run-factory")
	assert.Equal(t, result.StatusFailed, out.Run.Status)
	assert.Equal(t, result.StateFailed, out.Run.State)
}

func TestExecuteRefusesReusedRunID(t *testing.T) {
	o, _ := newOrchestrator(t, testOptions(), 1, fixed(newScripted(t)))
	execute(t, o, "run-dup")
	_, err := o.Execute(context.Background(), &result.Run{ID: "run-dup"}, config.Framework{Name: "alpha"})
	assert.Error(t, err)
}

func TestExecuteArchivalFailureIsReturned(t *testing.T) {
	fake := newScripted(t)
	exp := t.TempDir()
	blocker := filepath.Join(exp, "archives")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))
	o := New(testOptions(), Deps{
		ExperimentDir: exp,
		Scenario:      testScenario(1),
		Factory:       fixed(fake),
		Archiver:      archive.New(blocker, nil, nil, zerolog.Nop()),
		Logger:        zerolog.Nop(),
	})

	out, err := o.Execute(context.Background(), &result.Run{ID: "run-arch"}, config.Framework{Name: "alpha"})
	require.ErrorIs(t, err, archive.ErrArchive)
	require.NotNil(t, out)
	assert.DirExists(t, result.NewRunPaths(result.RunDir(exp, "alpha", "run-arch")).Workspace)
}

func TestExecuteDeterministicWithReferenceAdapter(t *testing.T) {
	src, err := clarify.New(guidance)
	require.NoError(t, err)
	factory := adapter.NewFactory(adapter.Deps{Clarifications: src, Logger: zerolog.Nop()})
	fw := config.Framework{
		Name:      "ref",
		Adapter:   config.AdapterReference,
		Reference: config.Reference{ClarificationsPerStep: 3, TokensPerStep: 50},
	}

	records := make([]*result.MetricRecord, 2)
	digests := make([][]string, 2)
	opts := testOptions()
	// one availability probe per attempt
	opts.ProbeInterval = time.Hour
	for i := range records {
		o, exp := newOrchestrator(t, opts, 3, factory)
		id := fmt.Sprintf("det-%d", i)
		out, err := o.Execute(context.Background(), &result.Run{ID: id, Attempt: 1}, fw)
		require.NoError(t, err)
		records[i] = out.Metrics

		events, err := result.ReadJSONL[result.HITLEvent](
			result.NewRunPaths(result.RunDir(exp, "ref", id)).File(result.HITLFile))
		require.NoError(t, err)
		for _, ev := range events {
			digests[i] = append(digests[i], ev.ResponseDigest)
		}
	}

	a, b := *records[0], *records[1]
	for _, r := range []*result.MetricRecord{&a, &b} {
		r.RunID, r.StartedAt, r.EndedAt, r.WallTimeS = "", time.Time{}, time.Time{}, 0
	}
	assert.Equal(t, a, b)
	assert.Equal(t, digests[0], digests[1])
	assert.Len(t, digests[0], 6)
	assert.Equal(t, 150, a.TokensIn)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{5, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(2*time.Second, 60*time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, backoffDelay(0, time.Second, 3))
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

func TestTransitions(t *testing.T) {
	run := &result.Run{ID: "r", State: result.StateCreated}
	require.NoError(t, advance(run, result.StateProvisioning))
	require.NoError(t, advance(run, result.StateExecuting))
	require.NoError(t, advance(run, result.StateValidating))
	require.NoError(t, advance(run, result.StateExecuting))
	assert.Error(t, advance(run, result.StateArchived), "archival must pass through archiving")
	require.NoError(t, advance(run, result.StateArchiving))
	require.NoError(t, advance(run, result.StateTimedOut))
	assert.True(t, Terminal(run.State))
	assert.Error(t, advance(run, result.StateExecuting), "terminal states are final")

	assert.Equal(t, result.StateArchived, terminalState(result.StatusCompleted))
	assert.Equal(t, result.StateTimedOut, terminalState(result.StatusTimeout))
	assert.Equal(t, result.StateFailed, terminalState(result.StatusFailed))
}
