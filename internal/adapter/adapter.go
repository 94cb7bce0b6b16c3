// Package adapter defines the uniform contract every framework is driven
// through and the adapters gauntlet ships with.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/clarify"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/docker"
	"github.com/signalnine/gauntlet/internal/logging"
)

// ErrProvisioning marks a framework instance that could not be brought up
// at its pinned version.
var ErrProvisioning = errors.New("provisioning failed")

func provisioningErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProvisioning, fmt.Sprintf(format, args...))
}

// Workspace is the isolated directory a single run owns.
type Workspace struct {
	RunID     string
	Framework string
	Dir       string
	LogDir    string
}

// StepOutcome is the adapter's report for one step attempt. Failures are
// data, not errors.
type StepOutcome struct {
	Success       bool
	Duration      time.Duration
	HITLCount     int
	TokensIn      int
	TokensOut     int
	FailureReason string
}

func failed(start time.Time, reason string) StepOutcome {
	return StepOutcome{Duration: time.Since(start), FailureReason: reason}
}

// Clarifier answers framework questions on behalf of the operator. guided
// is false once the per-step ceiling is exceeded, in which case response is
// empty and the framework must continue without guidance.
type Clarifier interface {
	Clarify(query string) (response string, guided bool)
}

// Adapter drives one framework instance for one run.
type Adapter interface {
	// Start provisions the instance at its pinned version.
	Start(ctx context.Context, ws Workspace) error
	// ExecuteStep runs exactly one attempt of a step. It never retries.
	ExecuteStep(ctx context.Context, step int, command string, c Clarifier) StepOutcome
	HealthCheck(ctx context.Context) bool
	// HandleClarification returns the fixed clarification text.
	HandleClarification(query string) string
	// Stop tears down the instance. Idempotent and safe after a partial Start.
	Stop(ctx context.Context) error
}

// Terminator is implemented by adapters that can interrupt a step in
// progress. force selects the hard phase.
type Terminator interface {
	Terminate(ctx context.Context, force bool) error
}

// Factory builds a fresh adapter per run.
type Factory func(fw config.Framework) (Adapter, error)

// Deps are the shared resources adapters are built from.
type Deps struct {
	Clarifications    *clarify.Source
	ClarificationFile string
	// Docker is required only for docker adapters.
	Docker        *docker.Client
	Secrets       map[string]string
	Redactor      *logging.Redactor
	ProxyURL      string
	GracePeriod   time.Duration
	HealthTimeout time.Duration
	Logger        zerolog.Logger
}

func NewFactory(d Deps) Factory {
	return func(fw config.Framework) (Adapter, error) {
		if d.Clarifications == nil {
			return nil, errors.New("adapter factory: no clarification source")
		}
		switch fw.Adapter {
		case config.AdapterReference, "":
			return NewReference(fw, d), nil
		case config.AdapterDocker:
			if d.Docker == nil {
				return nil, fmt.Errorf("framework %s: docker adapter needs a docker client", fw.Name)
			}
			return NewDocker(fw, d), nil
		case config.AdapterWebSocket:
			return NewWebSocket(fw, d), nil
		default:
			return nil, fmt.Errorf("framework %s: unknown adapter %q", fw.Name, fw.Adapter)
		}
	}
}

// probeHTTP reports whether url answers 2xx within timeout.
func probeHTTP(ctx context.Context, hc *http.Client, url string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
