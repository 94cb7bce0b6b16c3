package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/signalnine/gauntlet/internal/archive"
)

// EnvPrefix is the prefix for environment overrides (GAUNTLET_STOPPING_MAX_RUNS, ...).
const EnvPrefix = "GAUNTLET"

// DefaultMetrics are the stopping-rule target metrics.
var DefaultMetrics = []string{"autonomy_rate", "total_tokens", "wall_time_s"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("experiment.results_dir", "results")
	v.SetDefault("experiment.max_consecutive_failures", 0)

	v.SetDefault("orchestration.step_timeout", "600s")
	v.SetDefault("orchestration.grace_period", "30s")
	v.SetDefault("orchestration.max_retries", 2)
	v.SetDefault("orchestration.backoff_initial", "2s")
	v.SetDefault("orchestration.backoff_max", "60s")
	v.SetDefault("orchestration.clarification_ceiling", 2)
	v.SetDefault("orchestration.health_timeout", "5s")

	v.SetDefault("stopping.min_runs", 5)
	v.SetDefault("stopping.max_runs", 25)
	v.SetDefault("stopping.confidence", 0.95)
	v.SetDefault("stopping.resamples", 10000)
	v.SetDefault("stopping.relative_half_width", 0.10)
	v.SetDefault("stopping.seed", 42)
	v.SetDefault("stopping.metrics", DefaultMetrics)

	v.SetDefault("validation.probe_interval", "5s")
	v.SetDefault("validation.request_timeout", "5s")
	v.SetDefault("validation.host", "localhost")
	v.SetDefault("validation.quality.image", "node:20")

	v.SetDefault("archive.exclude", archive.DefaultExclude)
	v.SetDefault("archive.mirror.region", "us-east-1")
	v.SetDefault("archive.mirror.access_key_env", "GAUNTLET_MIRROR_ACCESS_KEY")
	v.SetDefault("archive.mirror.secret_key_env", "GAUNTLET_MIRROR_SECRET_KEY")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dsn_env", "GAUNTLET_DATABASE_URL")

	v.SetDefault("proxy.log_dir", "results/proxy-logs")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}

// Load reads the experiment configuration file, applies GAUNTLET_* environment
// overrides and defaults, and validates the result. Relative scenario, secrets,
// and pricing paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOption()); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w: %w", path, ErrInvalidConfig, err)
	}
	resolvePaths(&cfg, filepath.Dir(path))
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func resolvePaths(cfg *Config, base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Scenario.File = rel(cfg.Scenario.File)
	cfg.Scenario.ClarificationFile = rel(cfg.Scenario.ClarificationFile)
	cfg.Secrets.EnvFile = rel(cfg.Secrets.EnvFile)
	cfg.Pricing.File = rel(cfg.Pricing.File)
}
