// Package validation probes a framework's artifact after each step and
// scores the final workspace once a run ends. Probe failures are data: no
// function here aborts a step.
package validation

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/result"
)

// maxBody caps how much of a response UI marker checks read.
const maxBody = 1 << 20

// Validator runs the functional and UI probes for one framework.
type Validator struct {
	cfg    config.Validation
	fw     config.Framework
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg config.Validation, fw config.Framework, logger zerolog.Logger) *Validator {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{
		cfg:    cfg,
		fw:     fw,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "validator").Str("framework", fw.Name).Logger(),
		now:    time.Now,
	}
}

// Validate runs every functional operation and UI surface active at step.
// A framework that exposes no port has nothing to probe.
func (v *Validator) Validate(ctx context.Context, step int) []result.ValidationResult {
	var out []result.ValidationResult
	if base := v.baseURL(v.fw.Ports.API); base != "" {
		for _, op := range v.cfg.Functional {
			if op.FromStep > step {
				continue
			}
			out = append(out, v.functional(ctx, step, base, op))
		}
	}
	uiPort := v.fw.Ports.UI
	if uiPort == 0 {
		uiPort = v.fw.Ports.API
	}
	if base := v.baseURL(uiPort); base != "" {
		for _, s := range v.cfg.UI {
			if s.FromStep > step {
				continue
			}
			out = append(out, v.surface(ctx, step, base, s))
		}
	}
	passed := 0
	for _, r := range out {
		if r.Passed {
			passed++
		}
	}
	v.logger.Debug().Int("step", step).Int("probes", len(out)).Int("passed", passed).Msg("step validated")
	return out
}

func (v *Validator) baseURL(port int) string {
	if port <= 0 {
		return ""
	}
	host := v.cfg.Host
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func (v *Validator) functional(ctx context.Context, step int, base string, op config.Operation) result.ValidationResult {
	target := base + op.Path
	res := result.ValidationResult{Step: step, Category: result.CategoryFunctional, Name: op.Name, Target: op.Method + " " + target}
	var body io.Reader
	if op.Body != "" {
		body = strings.NewReader(op.Body)
	}
	start := v.now()
	req, err := http.NewRequestWithContext(ctx, op.Method, target, body)
	if err != nil {
		return v.finish(res, start, false, err.Error())
	}
	if op.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return v.finish(res, start, false, err.Error())
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if op.ExpectStatus != 0 {
		ok = resp.StatusCode == op.ExpectStatus
	}
	return v.finish(res, start, ok, fmt.Sprintf("status %d", resp.StatusCode))
}

func (v *Validator) surface(ctx context.Context, step int, base string, s config.Surface) result.ValidationResult {
	target := base + s.Path
	res := result.ValidationResult{Step: step, Category: result.CategoryUI, Name: s.Name, Target: target}
	start := v.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return v.finish(res, start, false, err.Error())
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return v.finish(res, start, false, err.Error())
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()
	if err != nil {
		return v.finish(res, start, false, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return v.finish(res, start, false, fmt.Sprintf("status %d", resp.StatusCode))
	}
	var missing []string
	for _, m := range s.Markers {
		if !strings.Contains(string(data), m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return v.finish(res, start, false, "missing markers: "+strings.Join(missing, ", "))
	}
	return v.finish(res, start, true, fmt.Sprintf("status %d", resp.StatusCode))
}

func (v *Validator) finish(res result.ValidationResult, start time.Time, passed bool, detail string) result.ValidationResult {
	end := v.now()
	res.Passed = passed
	res.Detail = detail
	res.LatencyMS = end.Sub(start).Milliseconds()
	res.Timestamp = end
	return res
}
