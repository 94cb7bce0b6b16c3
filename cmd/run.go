package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/adapter"
	"github.com/signalnine/gauntlet/internal/archive"
	"github.com/signalnine/gauntlet/internal/clarify"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/coordinator"
	"github.com/signalnine/gauntlet/internal/docker"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/logging"
	"github.com/signalnine/gauntlet/internal/objectstore"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/runner"
	"github.com/signalnine/gauntlet/internal/scenario"
	"github.com/signalnine/gauntlet/internal/store"
	"github.com/signalnine/gauntlet/internal/validation"
)

var (
	flagFramework string
	flagMaxRuns   int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiment until every framework reaches a stopping decision",
		Args:  cobra.NoArgs,
		RunE:  runExperiment,
	}
	cmd.Flags().StringVar(&flagFramework, "framework", "", "run a single framework")
	cmd.Flags().IntVar(&flagMaxRuns, "max-runs", 0, "override stopping.max_runs")
	return cmd
}

func runExperiment(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, flagFramework, flagMaxRuns); err != nil {
		return err
	}

	redactor := logging.NewRedactor()
	secrets := map[string]string{}
	if cfg.Secrets.EnvFile != "" {
		secrets, err = gateway.ParseEnvFile(cfg.Secrets.EnvFile)
		if err != nil {
			return fmt.Errorf("loading secrets: %w", err)
		}
		for _, v := range secrets {
			redactor.Add(v)
		}
	}
	logger, closer, err := newLogger(cmd, cfg, redactor)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := buildEnvironment(ctx, cfg, secrets, redactor, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	logger.Info().
		Str("experiment", cfg.Experiment.Name).
		Int("frameworks", len(cfg.Frameworks)).
		Int("steps", env.scenario.Len()).
		Str("dir", cfg.ExperimentDir()).
		Msg("experiment starting")

	sum, err := coordinator.New(cfg, env.orchestrator, env.store, cmd.OutOrStdout(), logger).Run(ctx)
	if sum != nil {
		for _, fs := range sum.Frameworks {
			logger.Info().
				Str("framework", fs.Name).
				Int("attempts", fs.Attempts).
				Int("completed", fs.Completed).
				Int("failed", fs.Failed).
				Bool("stuck", fs.Stuck).
				Str("reason", string(fs.Decision.Reason)).
				Msg("framework finished")
		}
	}
	return err
}

// applyOverrides narrows cfg to the command-line selection.
func applyOverrides(cfg *config.Config, framework string, maxRuns int) error {
	if framework != "" {
		fws := filterFrameworks(cfg.Frameworks, framework)
		if len(fws) == 0 {
			return fmt.Errorf("%w: no framework named %q", config.ErrInvalidConfig, framework)
		}
		cfg.Frameworks = fws
	}
	if maxRuns > 0 {
		if maxRuns < cfg.Stopping.MinRuns {
			return fmt.Errorf("%w: --max-runs %d is below stopping.min_runs (%d)", config.ErrInvalidConfig, maxRuns, cfg.Stopping.MinRuns)
		}
		cfg.Stopping.MaxRuns = maxRuns
	}
	return nil
}

func filterFrameworks(fws []config.Framework, name string) []config.Framework {
	if name == "" {
		return fws
	}
	var filtered []config.Framework
	for _, f := range fws {
		if f.Name == name {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

// needsDocker reports whether any component needs a container runtime.
func needsDocker(cfg *config.Config) bool {
	if q := cfg.Validation.Quality; q.Image != "" && (q.TestCmd != "" || q.LintCmd != "") {
		return true
	}
	return slices.ContainsFunc(cfg.Frameworks, func(f config.Framework) bool {
		return f.Adapter == config.AdapterDocker
	})
}

// environment holds the long-lived collaborators of one experiment.
type environment struct {
	scenario     *scenario.Scenario
	orchestrator *runner.Orchestrator
	store        store.Store
	closers      []func() error
}

func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

func buildEnvironment(ctx context.Context, cfg *config.Config, secrets map[string]string, redactor *logging.Redactor, logger zerolog.Logger) (_ *environment, err error) {
	env := &environment{}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	if env.scenario, err = scenario.Load(cfg.Scenario.File); err != nil {
		return nil, err
	}
	clar, err := clarify.Load(cfg.Scenario.ClarificationFile)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("digest", clar.Digest()).Msg("clarification source loaded")

	var prices *pricing.Table
	if cfg.Pricing.File != "" {
		if prices, err = pricing.Load(cfg.Pricing.File); err != nil {
			return nil, err
		}
	}

	var dc *docker.Client
	var containers validation.ContainerRunner
	if needsDocker(cfg) {
		if dc, err = docker.NewClient(logger); err != nil {
			return nil, err
		}
		env.closers = append(env.closers, dc.Close)
		containers = dc
	}

	var proxyURL string
	if cfg.Proxy.Enabled {
		gw, err := gateway.Start(ctx, gateway.StartOpts{
			Secrets:   secrets,
			LogDir:    cfg.Proxy.LogDir,
			BudgetUSD: cfg.Proxy.BudgetPerRunUSD,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("starting gateway: %w", err)
		}
		env.closers = append(env.closers, func() error { return gw.Stop(cfg.Orchestration.GracePeriod) })
		proxyURL = gw.ContainerURL()
	}

	var mirror archive.Mirror
	if cfg.Archive.Mirror.Enabled {
		mc := objectstore.FromMirror(cfg.Archive.Mirror)
		redactor.Add(mc.AccessKey, mc.SecretKey)
		ms, err := objectstore.New(mc)
		if err != nil {
			return nil, err
		}
		mirror = ms
	}

	if env.store, err = store.Open(ctx, cfg); err != nil {
		return nil, err
	}
	env.closers = append(env.closers, env.store.Close)

	factory := adapter.NewFactory(adapter.Deps{
		Clarifications:    clar,
		ClarificationFile: cfg.Scenario.ClarificationFile,
		Docker:            dc,
		Secrets:           secrets,
		Redactor:          redactor,
		ProxyURL:          proxyURL,
		GracePeriod:       cfg.Orchestration.GracePeriod,
		HealthTimeout:     cfg.Orchestration.HealthTimeout,
		Logger:            logger,
	})

	env.orchestrator = runner.New(runner.OptionsFrom(cfg), runner.Deps{
		ExperimentDir: cfg.ExperimentDir(),
		Scenario:      env.scenario,
		Factory:       factory,
		Validation:    cfg.Validation,
		Quality:       validation.NewQuality(cfg.Validation.Quality, containers, logger),
		Archiver:      archive.New(cfg.ArchiveDir(), cfg.Archive.Exclude, mirror, logger),
		Weights:       cfg.Validation.Quality.Weights,
		Prices:        prices,
		Logger:        logger,
	})
	return env, nil
}
