package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/signalnine/gauntlet/internal/result"
)

// ErrInvalidConfig marks configuration-schema errors. These are process-fatal.
var ErrInvalidConfig = errors.New("invalid config")

// Adapter kinds understood by the adapter factory.
const (
	AdapterReference = "reference"
	AdapterDocker    = "docker"
	AdapterWebSocket = "websocket"
)

type Config struct {
	Experiment    Experiment    `mapstructure:"experiment"`
	Scenario      Scenario      `mapstructure:"scenario"`
	Orchestration Orchestration `mapstructure:"orchestration"`
	Stopping      Stopping      `mapstructure:"stopping"`
	Validation    Validation    `mapstructure:"validation"`
	Archive       Archive       `mapstructure:"archive"`
	Store         Store         `mapstructure:"store"`
	Proxy         Proxy         `mapstructure:"proxy"`
	Secrets       Secrets       `mapstructure:"secrets"`
	Pricing       Pricing       `mapstructure:"pricing"`
	Logging       Logging       `mapstructure:"logging"`
	Frameworks    []Framework   `mapstructure:"frameworks"`
}

type Experiment struct {
	Name                   string `mapstructure:"name"`
	ResultsDir             string `mapstructure:"results_dir"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
}

type Scenario struct {
	File              string `mapstructure:"file"`
	ClarificationFile string `mapstructure:"clarification_file"`
}

// Orchestration holds the per-run control parameters.
type Orchestration struct {
	StepTimeout          time.Duration `mapstructure:"step_timeout"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	ClarificationCeiling int           `mapstructure:"clarification_ceiling"`
	HealthTimeout        time.Duration `mapstructure:"health_timeout"`
}

// Stopping configures the sequential sampling rule.
type Stopping struct {
	MinRuns           int      `mapstructure:"min_runs"`
	MaxRuns           int      `mapstructure:"max_runs"`
	Confidence        float64  `mapstructure:"confidence"`
	Resamples         int      `mapstructure:"resamples"`
	RelativeHalfWidth float64  `mapstructure:"relative_half_width"`
	Seed              uint64   `mapstructure:"seed"`
	Metrics           []string `mapstructure:"metrics"`
}

type Validation struct {
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Host           string        `mapstructure:"host"`
	Functional     []Operation   `mapstructure:"functional"`
	UI             []Surface     `mapstructure:"ui"`
	Quality        Quality       `mapstructure:"quality"`
}

// Operation is one functional probe against the artifact's API port.
type Operation struct {
	Name         string `mapstructure:"name"`
	Method       string `mapstructure:"method"`
	Path         string `mapstructure:"path"`
	Body         string `mapstructure:"body"`
	ExpectStatus int    `mapstructure:"expect_status"`
	FromStep     int    `mapstructure:"from_step"`
}

// Surface is one interface-availability probe against the artifact's UI port.
type Surface struct {
	Name     string   `mapstructure:"name"`
	Path     string   `mapstructure:"path"`
	Markers  []string `mapstructure:"markers"`
	FromStep int      `mapstructure:"from_step"`
}

// Quality configures the final artifact checks run once per run.
type Quality struct {
	Image      string         `mapstructure:"image"`
	InstallCmd string         `mapstructure:"install_cmd"`
	TestCmd    string         `mapstructure:"test_cmd"`
	LintCmd    string         `mapstructure:"lint_cmd"`
	Weights    QualityWeights `mapstructure:"weights"`
}

type QualityWeights struct {
	Functional   float64 `mapstructure:"functional"`
	UI           float64 `mapstructure:"ui"`
	Availability float64 `mapstructure:"availability"`
	Tests        float64 `mapstructure:"tests"`
	Lint         float64 `mapstructure:"lint"`
	CodeMetrics  float64 `mapstructure:"code_metrics"`
}

type Archive struct {
	Dir     string   `mapstructure:"dir"`
	Exclude []string `mapstructure:"exclude"`
	Mirror  Mirror   `mapstructure:"mirror"`
}

// Mirror points at an S3-compatible bucket that receives a copy of every archive.
type Mirror struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	AccessKeyEnv string `mapstructure:"access_key_env"`
	SecretKeyEnv string `mapstructure:"secret_key_env"`
	Prefix       string `mapstructure:"prefix"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	DSNEnv string `mapstructure:"dsn_env"`
}

type Proxy struct {
	Enabled         bool    `mapstructure:"enabled"`
	LogDir          string  `mapstructure:"log_dir"`
	BudgetPerRunUSD float64 `mapstructure:"budget_per_run_usd"`
}

type Secrets struct {
	EnvFile string `mapstructure:"env_file"`
}

type Pricing struct {
	File string `mapstructure:"file"`
}

type Logging struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Framework struct {
	Name        string            `mapstructure:"name"`
	Adapter     string            `mapstructure:"adapter"`
	Repo        string            `mapstructure:"repo"`
	Commit      string            `mapstructure:"commit"`
	Image       string            `mapstructure:"image"`
	Command     []string          `mapstructure:"command"`
	Endpoint    string            `mapstructure:"endpoint"`
	HealthURL   string            `mapstructure:"health_url"`
	Ports       Ports             `mapstructure:"ports"`
	Credentials []string          `mapstructure:"credentials"`
	Env         map[string]string `mapstructure:"env"`
	Reference   Reference         `mapstructure:"reference"`
}

type Ports struct {
	API int `mapstructure:"api"`
	UI  int `mapstructure:"ui"`
}

// Reference tunes the behavior of the no-op reference adapter.
type Reference struct {
	ClarificationsPerStep int `mapstructure:"clarifications_per_step"`
	TokensPerStep         int `mapstructure:"tokens_per_step"`
}

// ExperimentDir is the root of all persisted state for this experiment.
func (c *Config) ExperimentDir() string {
	return filepath.Join(c.Experiment.ResultsDir, c.Experiment.Name)
}

// ArchiveDir returns the configured archive directory or the experiment default.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.ExperimentDir(), "archives")
}

// MaxConsecutiveFailures is the stuck-framework threshold.
func (c *Config) MaxConsecutiveFailures() int {
	if c.Experiment.MaxConsecutiveFailures > 0 {
		return c.Experiment.MaxConsecutiveFailures
	}
	return c.Stopping.MaxRuns
}

// Framework looks up a framework by name.
func (c *Config) Framework(name string) (Framework, bool) {
	for _, f := range c.Frameworks {
		if f.Name == name {
			return f, true
		}
	}
	return Framework{}, false
}

// validName restricts experiment and framework names, which become path
// components and container names.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Experiment.Name) == "" {
		return invalid("experiment.name is required")
	}
	if !validName.MatchString(cfg.Experiment.Name) {
		return invalid("experiment.name %q must match %s", cfg.Experiment.Name, validName)
	}
	if cfg.Scenario.File == "" {
		return invalid("scenario.file is required")
	}
	if cfg.Scenario.ClarificationFile == "" {
		return invalid("scenario.clarification_file is required")
	}
	if err := validateOrchestration(&cfg.Orchestration); err != nil {
		return err
	}
	if err := validateStopping(&cfg.Stopping); err != nil {
		return err
	}
	if err := validateValidation(&cfg.Validation); err != nil {
		return err
	}
	switch cfg.Store.Driver {
	case "file", "postgres":
	default:
		return invalid("store.driver %q must be file or postgres", cfg.Store.Driver)
	}
	if m := cfg.Archive.Mirror; m.Enabled && (m.Endpoint == "" || m.Bucket == "") {
		return invalid("archive.mirror requires endpoint and bucket when enabled")
	}
	return validateFrameworks(cfg.Frameworks)
}

func validateOrchestration(o *Orchestration) error {
	if o.StepTimeout <= 0 {
		return invalid("orchestration.step_timeout must be positive")
	}
	if o.GracePeriod < 0 {
		return invalid("orchestration.grace_period must not be negative")
	}
	if o.MaxRetries < 0 {
		return invalid("orchestration.max_retries must not be negative")
	}
	if o.ClarificationCeiling < 0 {
		return invalid("orchestration.clarification_ceiling must not be negative")
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	return nil
}

func validateStopping(s *Stopping) error {
	if s.MinRuns < 1 {
		return invalid("stopping.min_runs must be at least 1")
	}
	if s.MaxRuns < s.MinRuns {
		return invalid("stopping.max_runs (%d) must be >= min_runs (%d)", s.MaxRuns, s.MinRuns)
	}
	if s.Confidence <= 0 || s.Confidence >= 1 {
		return invalid("stopping.confidence must be in (0, 1)")
	}
	if s.Resamples < 100 {
		return invalid("stopping.resamples must be at least 100")
	}
	if s.RelativeHalfWidth <= 0 {
		return invalid("stopping.relative_half_width must be positive")
	}
	if len(s.Metrics) == 0 {
		return invalid("stopping.metrics must name at least one metric")
	}
	for _, m := range s.Metrics {
		if !result.IsMetric(m) {
			return invalid("stopping.metrics: unknown metric %q (known: %s)", m, strings.Join(result.MetricNames, ", "))
		}
	}
	return nil
}

func validateValidation(v *Validation) error {
	if v.ProbeInterval <= 0 {
		return invalid("validation.probe_interval must be positive")
	}
	for i := range v.Functional {
		op := &v.Functional[i]
		if op.Name == "" || op.Path == "" {
			return invalid("validation.functional[%d]: name and path are required", i)
		}
		if op.Method == "" {
			op.Method = "GET"
		}
		op.Method = strings.ToUpper(op.Method)
	}
	for i, s := range v.UI {
		if s.Name == "" || s.Path == "" {
			return invalid("validation.ui[%d]: name and path are required", i)
		}
	}
	return nil
}

func validateFrameworks(fws []Framework) error {
	if len(fws) == 0 {
		return invalid("no frameworks defined")
	}
	seen := make(map[string]bool, len(fws))
	for i := range fws {
		f := &fws[i]
		if f.Name == "" {
			return invalid("framework %d: name is required", i)
		}
		if !validName.MatchString(f.Name) {
			return invalid("framework %q: name must match %s", f.Name, validName)
		}
		if seen[f.Name] {
			return invalid("framework %q defined twice", f.Name)
		}
		seen[f.Name] = true
		if f.Adapter == "" {
			f.Adapter = AdapterReference
		}
		switch f.Adapter {
		case AdapterReference:
		case AdapterDocker:
			if f.Image == "" {
				return invalid("framework %q: image is required for the docker adapter", f.Name)
			}
			if f.Repo == "" || f.Commit == "" {
				return invalid("framework %q: repo and commit are required for the docker adapter", f.Name)
			}
			if len(f.Command) == 0 {
				f.Command = []string{"bash", "/adapter.sh"}
			}
		case AdapterWebSocket:
			if f.Endpoint == "" {
				return invalid("framework %q: endpoint is required for the websocket adapter", f.Name)
			}
		default:
			return invalid("framework %q: unknown adapter %q", f.Name, f.Adapter)
		}
		if f.Ports.UI == 0 {
			f.Ports.UI = f.Ports.API
		}
		// viper folds map keys to lower case; environment names are upper case.
		if len(f.Env) > 0 {
			env := make(map[string]string, len(f.Env))
			for k, v := range f.Env {
				env[strings.ToUpper(k)] = v
			}
			f.Env = env
		}
	}
	return nil
}
