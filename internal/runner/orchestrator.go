// Package runner drives a single run through its lifecycle: provisioning,
// each scenario step under a watchdog with retries and the clarification
// ceiling, per-step validation, final quality checks, metrics, and archival.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/gauntlet/internal/adapter"
	"github.com/signalnine/gauntlet/internal/archive"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/metrics"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/scenario"
	"github.com/signalnine/gauntlet/internal/validation"
)

var (
	ErrStepTimeout      = errors.New("step deadline exceeded")
	ErrRetriesExhausted = errors.New("step retries exhausted")
)

// Options are the per-run control parameters.
type Options struct {
	StepTimeout          time.Duration
	GracePeriod          time.Duration
	MaxRetries           int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	ClarificationCeiling int
	ProbeInterval        time.Duration
	HealthTimeout        time.Duration
}

func OptionsFrom(cfg *config.Config) Options {
	o := cfg.Orchestration
	return Options{
		StepTimeout:          o.StepTimeout,
		GracePeriod:          o.GracePeriod,
		MaxRetries:           o.MaxRetries,
		BackoffInitial:       o.BackoffInitial,
		BackoffMax:           o.BackoffMax,
		ClarificationCeiling: o.ClarificationCeiling,
		ProbeInterval:        cfg.Validation.ProbeInterval,
		HealthTimeout:        o.HealthTimeout,
	}
}

// Deps are the collaborators shared by every run of an experiment.
type Deps struct {
	ExperimentDir string
	Scenario      *scenario.Scenario
	Factory       adapter.Factory
	Validation    config.Validation
	// Quality is optional; nil skips the final artifact checks.
	Quality  *validation.Quality
	Archiver *archive.Archiver
	Weights  config.QualityWeights
	Prices   *pricing.Table
	Logger   zerolog.Logger
}

type Orchestrator struct {
	opts Options
	deps Deps
}

func New(opts Options, deps Deps) *Orchestrator {
	return &Orchestrator{opts: opts, deps: deps}
}

// Outcome is everything a finished run produced.
type Outcome struct {
	Run     *result.Run
	Metrics *result.MetricRecord
	Archive *result.ArchiveMeta
}

// execution is the state of one run in flight.
type execution struct {
	o         *Orchestrator
	run       *result.Run
	fw        config.Framework
	paths     result.RunPaths
	adapter   adapter.Adapter
	recorder  *metrics.Recorder
	validator *validation.Validator
	logger    zerolog.Logger
}

// Execute runs the whole scenario once against fw. Step failures, timeouts,
// and provisioning errors end the run but are reported through the
// Outcome. The error is non-nil only when run state could not be persisted
// or archived.
func (o *Orchestrator) Execute(ctx context.Context, run *result.Run, fw config.Framework) (*Outcome, error) {
	run.Framework = fw.Name
	run.State = result.StateCreated
	run.StartedAt = time.Now().UTC()

	x := &execution{
		o:         o,
		run:       run,
		fw:        fw,
		paths:     result.NewRunPaths(result.RunDir(o.deps.ExperimentDir, fw.Name, run.ID)),
		recorder:  metrics.NewRecorder(o.deps.Scenario.Len(), o.deps.Weights, o.deps.Prices),
		validator: validation.New(o.deps.Validation, fw, o.deps.Logger),
		logger: o.deps.Logger.With().
			Str("component", "orchestrator").
			Str("framework", fw.Name).
			Str("run_id", run.ID).
			Logger(),
	}
	if err := x.paths.Create(); err != nil {
		return nil, err
	}
	if err := x.persist(); err != nil {
		return nil, err
	}

	x.logger.Info().Int("attempt", run.Attempt).Msg("run started")
	status := x.provisionAndExecute(ctx)
	return x.finish(ctx, status)
}

func (x *execution) provisionAndExecute(ctx context.Context) result.RunStatus {
	if err := x.advance(result.StateProvisioning); err != nil {
		return x.fail(result.StatusFailed, 0, err.Error())
	}
	ad, err := x.o.deps.Factory(x.fw)
	if err != nil {
		return x.fail(result.StatusFailed, 0, "provisioning: "+err.Error())
	}
	x.adapter = ad
	ws := adapter.Workspace{
		RunID:     x.run.ID,
		Framework: x.fw.Name,
		Dir:       x.paths.Workspace,
		LogDir:    x.paths.Logs,
	}
	if err := ad.Start(ctx, ws); err != nil {
		return x.fail(result.StatusFailed, 0, "provisioning: "+err.Error())
	}

	sc := x.o.deps.Scenario
	for i := 1; i <= sc.Len(); i++ {
		if err := x.advance(result.StateExecuting); err != nil {
			return x.fail(result.StatusFailed, i, err.Error())
		}
		sr := x.runStep(ctx, i, sc.Steps[i-1])
		if err := x.run.AppendStep(sr); err != nil {
			return x.fail(result.StatusFailed, i, err.Error())
		}
		x.recorder.RecordStep(sr)
		if err := result.AppendJSONL(x.paths.File(result.StepsFile), sr); err != nil {
			x.logger.Error().Err(err).Int("step", i).Msg("writing step result")
		}

		switch sr.Status {
		case result.StepTimedOut:
			return x.fail(result.StatusTimeout, i, fmt.Sprintf("%v after %s", ErrStepTimeout, x.o.opts.StepTimeout))
		case result.StepFailed:
			return x.fail(result.StatusFailed, i, fmt.Sprintf("%v: %s", ErrRetriesExhausted, sr.FailureReason))
		}

		if err := x.advance(result.StateValidating); err != nil {
			return x.fail(result.StatusFailed, i, err.Error())
		}
		vr := x.validator.Validate(ctx, i)
		x.recordValidation(vr)
	}
	return result.StatusCompleted
}

// fail records why the run ended and returns its final status.
func (x *execution) fail(status result.RunStatus, step int, reason string) result.RunStatus {
	x.run.FailedStep = step
	x.run.FailureReason = reason
	x.logger.Error().
		Int("step", step).
		Str("reason", reason).
		Str("status", string(status)).
		Msg("run terminated")
	return status
}

func (x *execution) finish(ctx context.Context, status result.RunStatus) (*Outcome, error) {
	if len(x.run.Steps) > 0 && x.o.deps.Quality != nil {
		x.recorder.RecordQuality(x.o.deps.Quality.Check(ctx, x.paths.Workspace))
	}
	x.stopAdapter(ctx)

	x.run.Status = status
	x.run.EndedAt = time.Now().UTC()
	rec, err := x.recorder.Finalize(x.run, filepath.Join(x.paths.Logs, result.UsageLogFile))
	if err != nil {
		x.logger.Warn().Err(err).Msg("metric record computed without usage log")
		rec, err = x.recorder.Finalize(x.run, "")
		if err != nil {
			return nil, err
		}
	}
	if err := result.WriteMetrics(x.paths, rec); err != nil {
		return nil, err
	}
	out := &Outcome{Run: x.run, Metrics: rec}

	if err := x.advance(result.StateArchiving); err != nil {
		return out, err
	}
	if err := x.persist(); err != nil {
		return out, err
	}
	meta, err := x.o.deps.Archiver.Archive(ctx, x.run, x.paths)
	if err != nil {
		x.logger.WithLevel(zerolog.FatalLevel).Err(err).
			Str("run_dir", x.paths.Root).
			Msg("archival failed, run data preserved unarchived")
		return out, err
	}
	out.Archive = meta

	if err := x.advance(terminalState(status)); err != nil {
		return out, err
	}
	if err := x.persist(); err != nil {
		return out, err
	}
	x.logger.Info().
		Str("status", string(status)).
		Int("steps", len(x.run.Steps)).
		Float64("wall_time_s", rec.WallTimeS).
		Float64("autonomy_rate", rec.AutonomyRate).
		Msg("run finished")
	return out, nil
}

func (x *execution) stopAdapter(ctx context.Context) {
	if x.adapter == nil {
		return
	}
	grace := x.o.opts.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*grace)
	defer cancel()
	if err := x.adapter.Stop(stopCtx); err != nil {
		x.logger.Warn().Err(err).Msg("stopping framework")
	}
}

func (x *execution) advance(to result.RunState) error {
	if err := advance(x.run, to); err != nil {
		return err
	}
	x.logger.Debug().Str("state", string(to)).Msg("state")
	return nil
}

func (x *execution) persist() error {
	if err := result.WriteRun(x.paths, x.run); err != nil {
		return fmt.Errorf("persisting run %s: %w", x.run.ID, err)
	}
	return nil
}

func (x *execution) recordValidation(vr []result.ValidationResult) {
	x.recorder.RecordValidation(vr...)
	p := x.paths.File(result.ValidationFile)
	for _, r := range vr {
		if err := result.AppendJSONL(p, r); err != nil {
			x.logger.Error().Err(err).Msg("writing validation result")
			return
		}
	}
}

// runStep executes step i with retries. The clarification ceiling spans
// all attempts.
func (x *execution) runStep(ctx context.Context, i int, st scenario.Step) result.StepResult {
	log := x.logger.With().Int("step", i).Logger()
	sr := result.StepResult{Step: i, Name: st.Name, Command: st.Command, StartedAt: time.Now().UTC()}
	cl := &stepClarifier{
		runID:    x.run.ID,
		step:     i,
		ceiling:  x.o.opts.ClarificationCeiling,
		adapter:  x.adapter,
		recorder: x.recorder,
		hitlLog:  x.paths.File(result.HITLFile),
		logger:   log,
	}

	for attempt := 0; ; attempt++ {
		before := cl.requestCount()
		out, timedOut := x.attempt(ctx, i, st.Command, cl, log)
		sr.Attempts++
		sr.TokensIn += out.TokensIn
		sr.TokensOut += out.TokensOut
		sr.ReportedClarifications += out.HITLCount
		if seen := cl.requestCount() - before; !timedOut && out.HITLCount != seen {
			log.Warn().
				Int("attempt", attempt+1).
				Int("reported", out.HITLCount).
				Int("observed", seen).
				Msg("adapter clarification count disagrees with observed requests")
		}

		if timedOut {
			sr.Status = result.StepTimedOut
			sr.FailureReason = ErrStepTimeout.Error()
			break
		}
		if out.Success {
			sr.Success = true
			sr.Status = result.StepSucceeded
			sr.FailureReason = ""
			break
		}
		sr.Status = result.StepFailed
		sr.FailureReason = out.FailureReason
		if attempt >= x.o.opts.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := backoffDelay(x.o.opts.BackoffInitial, x.o.opts.BackoffMax, attempt)
		log.Warn().
			Int("attempt", attempt+1).
			Str("reason", out.FailureReason).
			Dur("backoff", delay).
			Msg("step failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	sr.EndedAt = time.Now().UTC()
	sr.DurationMS = sr.EndedAt.Sub(sr.StartedAt).Milliseconds()
	sr.Retries = sr.Attempts - 1
	sr.ClarificationRequests, sr.HITLEvents, sr.UnguidedContinuations = cl.close()
	return sr
}

// attempt runs one ExecuteStep under the watchdog while the availability
// poller probes the framework. timedOut reports that the deadline fired and
// the two-phase termination ran.
func (x *execution) attempt(ctx context.Context, i int, command string, cl adapter.Clarifier, log zerolog.Logger) (adapter.StepOutcome, bool) {
	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	done := make(chan adapter.StepOutcome, 1)
	go func() {
		done <- x.adapter.ExecuteStep(stepCtx, i, command, cl)
	}()

	pollCtx, stopPoll := context.WithCancel(ctx)
	poller := &validation.Poller{
		Interval: x.o.opts.ProbeInterval,
		Probe:    x.healthProbe,
		Target:   x.fw.Name,
	}
	var probes []result.ValidationResult
	var g errgroup.Group
	g.Go(func() error {
		probes = poller.Run(pollCtx, i)
		return nil
	})
	defer func() {
		stopPoll()
		_ = g.Wait()
		x.recordValidation(probes)
	}()

	watchdog := time.NewTimer(x.o.opts.StepTimeout)
	defer watchdog.Stop()

	select {
	case out := <-done:
		return out, false
	case <-watchdog.C:
		log.Warn().Dur("deadline", x.o.opts.StepTimeout).Msg("step deadline exceeded, terminating")
		out := x.terminate(ctx, cancelStep, done, log)
		out.FailureReason = ErrStepTimeout.Error()
		return out, true
	case <-ctx.Done():
		log.Warn().Msg("run cancelled, terminating step")
		out := x.terminate(ctx, cancelStep, done, log)
		out.Success = false
		out.FailureReason = "cancelled"
		return out, false
	}
}

// terminate performs the graceful phase, waits the grace period, then the
// forced phase. The returned outcome carries whatever the adapter reported
// before it gave up the step.
func (x *execution) terminate(ctx context.Context, cancelStep context.CancelFunc, done <-chan adapter.StepOutcome, log zerolog.Logger) adapter.StepOutcome {
	grace := x.o.opts.GracePeriod
	bg := context.WithoutCancel(ctx)
	term, canTerminate := x.adapter.(adapter.Terminator)

	cancelStep()
	if canTerminate {
		if err := term.Terminate(bg, false); err != nil {
			log.Debug().Err(err).Msg("graceful terminate")
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case out := <-done:
		log.Info().Msg("step stopped gracefully")
		out.Success = false
		return out
	case <-t.C:
	}

	log.Warn().Dur("grace", grace).Msg("grace period elapsed, forcing termination")
	if canTerminate {
		if err := term.Terminate(bg, true); err != nil {
			log.Warn().Err(err).Msg("forced terminate")
		}
	}
	t.Reset(grace)
	select {
	case out := <-done:
		out.Success = false
		return out
	case <-t.C:
		log.WithLevel(zerolog.FatalLevel).
			Str("framework", x.fw.Name).
			Msg("framework did not release the step after forced termination, step goroutine orphaned")
		return adapter.StepOutcome{}
	}
}

func (x *execution) healthProbe(ctx context.Context) bool {
	timeout := x.o.opts.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return x.adapter.HealthCheck(ctx)
}
