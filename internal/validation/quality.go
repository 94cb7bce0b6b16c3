package validation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/config"
)

// QualityReport holds the final artifact checks. Nil fields were not run.
type QualityReport struct {
	Tests *TestResult
	Lint  *LintResult
	Code  *CodeMetricsResult
}

// Quality runs the final artifact checks once per run.
type Quality struct {
	cfg    config.Quality
	runner ContainerRunner
	logger zerolog.Logger
}

// NewQuality returns a checker. A nil runner limits the checks to code
// metrics.
func NewQuality(cfg config.Quality, runner ContainerRunner, logger zerolog.Logger) *Quality {
	return &Quality{cfg: cfg, runner: runner, logger: logger.With().Str("component", "quality").Logger()}
}

// Check scores workDir. Failures are logged and leave the affected score
// unmeasured.
func (q *Quality) Check(ctx context.Context, workDir string) *QualityReport {
	rep := &QualityReport{}
	if q.runner != nil && q.cfg.TestCmd != "" {
		tr, err := RunTests(ctx, q.runner, workDir, q.cfg.Image, q.cfg.InstallCmd, q.cfg.TestCmd)
		if err != nil {
			q.logger.Warn().Err(err).Msg("test check failed to run")
		} else {
			rep.Tests = tr
		}
	}
	if q.runner != nil && q.cfg.LintCmd != "" {
		lr, err := RunLint(ctx, q.runner, workDir, q.cfg.Image, q.cfg.LintCmd)
		if err != nil {
			q.logger.Warn().Err(err).Msg("lint check failed to run")
		} else {
			rep.Lint = lr
		}
	}
	cm, err := RunCodeMetrics(workDir)
	if err != nil {
		q.logger.Warn().Err(err).Msg("code metrics incomplete")
	}
	rep.Code = cm
	ev := q.logger.Info().Int("files", cm.FileCount).Int("loc", cm.TotalLOC)
	if rep.Tests != nil {
		ev = ev.Float64("tests", rep.Tests.Score)
	}
	if rep.Lint != nil {
		ev = ev.Int("lint_issues", rep.Lint.Issues)
	}
	ev.Msg("artifact quality checked")
	return rep
}
