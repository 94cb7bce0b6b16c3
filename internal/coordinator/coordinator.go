// Package coordinator runs an experiment: for each framework it keeps
// scheduling runs, one at a time, until the stopping controller says the
// sample is large enough, then compares the frameworks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/runner"
	"github.com/signalnine/gauntlet/internal/stopping"
	"github.com/signalnine/gauntlet/internal/store"
)

// ErrStuckFramework is returned when a framework failed too many runs in a
// row to ever reach a stopping decision.
var ErrStuckFramework = errors.New("framework stuck")

// ComparisonFile is written under the experiment directory.
const ComparisonFile = "comparison.json"

// Executor runs one run to completion.
type Executor interface {
	Execute(ctx context.Context, run *result.Run, fw config.Framework) (*runner.Outcome, error)
}

// FrameworkSummary is what the sampling loop did for one framework.
type FrameworkSummary struct {
	Name      string
	Attempts  int
	Completed int
	Failed    int
	Stuck     bool
	Decision  stopping.Decision
}

type Summary struct {
	Frameworks []FrameworkSummary
	Comparison *report.Comparison
}

type Coordinator struct {
	cfg         *config.Config
	exec        Executor
	store       store.Store
	controller  *stopping.Controller
	out         io.Writer
	logger      zerolog.Logger
	newID       func() string
	maxFailures int
}

// New builds a coordinator. Rendered comparisons go to out.
func New(cfg *config.Config, exec Executor, st store.Store, out io.Writer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		exec:        exec,
		store:       st,
		controller:  stopping.New(cfg.Stopping),
		out:         out,
		logger:      logger.With().Str("component", "coordinator").Str("experiment", cfg.Experiment.Name).Logger(),
		newID:       uuid.NewString,
		maxFailures: cfg.MaxConsecutiveFailures(),
	}
}

// Run samples every framework in configuration order. It returns
// ErrStuckFramework after finishing the others if any framework got stuck.
// Archival and store failures abort immediately.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	var stuck []string
	for _, fw := range c.cfg.Frameworks {
		fs, err := c.sample(ctx, fw)
		sum.Frameworks = append(sum.Frameworks, fs)
		if err != nil {
			return sum, err
		}
		if fs.Stuck {
			stuck = append(stuck, fw.Name)
		}
	}

	cmp, err := c.compare(ctx)
	if err != nil {
		return sum, err
	}
	sum.Comparison = cmp

	if len(stuck) > 0 {
		return sum, fmt.Errorf("%w: %s", ErrStuckFramework, strings.Join(stuck, ", "))
	}
	return sum, nil
}

func (c *Coordinator) sample(ctx context.Context, fw config.Framework) (FrameworkSummary, error) {
	fs := FrameworkSummary{Name: fw.Name}
	log := c.logger.With().Str("framework", fw.Name).Logger()
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			return fs, err
		}
		recs, err := c.store.Completed(ctx, fw.Name)
		if err != nil {
			return fs, fmt.Errorf("reading completed runs for %s: %w", fw.Name, err)
		}
		d := c.controller.Decide(fw.Name, pointers(recs))
		fs.Decision = d
		logDecision(log, d)
		if !d.Continue {
			return fs, nil
		}

		fs.Attempts++
		run := &result.Run{ID: c.newID(), Experiment: c.cfg.Experiment.Name, Attempt: fs.Attempts}
		out, err := c.exec.Execute(ctx, run, fw)
		if err != nil {
			return fs, fmt.Errorf("run %s of %s: %w", run.ID, fw.Name, err)
		}

		if out.Run.Status == result.StatusCompleted {
			if err := c.store.Append(ctx, out.Metrics); err != nil {
				return fs, fmt.Errorf("storing run %s: %w", run.ID, err)
			}
			fs.Completed++
			consecutive = 0
			continue
		}

		fs.Failed++
		consecutive++
		log.Error().
			Str("run_id", out.Run.ID).
			Int("step", out.Run.FailedStep).
			Str("status", string(out.Run.Status)).
			Str("reason", out.Run.FailureReason).
			Int("consecutive_failures", consecutive).
			Msg("run discarded")
		if consecutive >= c.maxFailures {
			fs.Stuck = true
			log.Error().
				Int("consecutive_failures", consecutive).
				Int("completed", d.Samples).
				Msg("framework stuck, giving up")
			return fs, nil
		}
	}
}

func logDecision(log zerolog.Logger, d stopping.Decision) {
	ev := log.Info().
		Int("samples", d.Samples).
		Bool("continue", d.Continue).
		Str("reason", string(d.Reason))
	for _, m := range d.Metrics {
		if m.Observations >= 2 {
			ev = ev.Float64(m.Name+"_half_width", m.Interval.HalfWidth)
		}
	}
	ev.Msg("stopping decision")
}

func (c *Coordinator) compare(ctx context.Context) (*report.Comparison, error) {
	names := make([]string, 0, len(c.cfg.Frameworks))
	recs := make(map[string][]result.MetricRecord, len(c.cfg.Frameworks))
	for _, fw := range c.cfg.Frameworks {
		r, err := c.store.Completed(ctx, fw.Name)
		if err != nil {
			return nil, err
		}
		names = append(names, fw.Name)
		recs[fw.Name] = r
	}
	cmp := report.Compare(c.cfg.Experiment.Name, names, recs, ReportOptions(c.cfg))

	path := filepath.Join(c.cfg.ExperimentDir(), ComparisonFile)
	if err := result.WriteJSON(path, cmp); err != nil {
		return nil, fmt.Errorf("writing comparison: %w", err)
	}
	c.logger.Info().Str("path", path).Msg("comparison written")
	if c.out != nil {
		if err := report.Write(cmp, "table", c.out); err != nil {
			return cmp, err
		}
	}
	return cmp, nil
}

// comparisonMetrics are compared in addition to the stopping targets.
var comparisonMetrics = []string{"autonomy_rate", "total_tokens", "cost_usd", "wall_time_s", "quality_composite"}

// ReportOptions derives comparison settings from the stopping rule.
func ReportOptions(cfg *config.Config) report.Options {
	metrics := slices.Clone(cfg.Stopping.Metrics)
	if len(metrics) == 0 {
		metrics = slices.Clone(config.DefaultMetrics)
	}
	for _, m := range comparisonMetrics {
		if !slices.Contains(metrics, m) {
			metrics = append(metrics, m)
		}
	}
	return report.Options{
		Metrics:    metrics,
		Confidence: cfg.Stopping.Confidence,
		Resamples:  cfg.Stopping.Resamples,
		Seed:       cfg.Stopping.Seed,
	}
}

func pointers(recs []result.MetricRecord) []*result.MetricRecord {
	out := make([]*result.MetricRecord, len(recs))
	for i := range recs {
		out[i] = &recs[i]
	}
	return out
}
