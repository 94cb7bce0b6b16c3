package validation

import (
	"context"
	"time"

	"github.com/signalnine/gauntlet/internal/result"
)

// Probe reports whether the framework currently answers.
type Probe func(ctx context.Context) bool

// Poller probes availability on a fixed interval while a step executes.
type Poller struct {
	Interval time.Duration
	Probe    Probe
	Target   string
}

// Run probes once at step start, then every Interval until ctx is done, and
// returns one result per probe. Each non-success is a downtime incident.
// The start probe runs even if ctx ends first, so every step that ran has
// at least one availability result.
func (p *Poller) Run(ctx context.Context, step int) []result.ValidationResult {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	out := []result.ValidationResult{p.probe(context.WithoutCancel(ctx), step)}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return out
		case <-ticker.C:
		}
		r := p.probe(ctx, step)
		if ctx.Err() != nil && !r.Passed {
			// The step ended mid-probe; that is not downtime.
			return out
		}
		out = append(out, r)
	}
}

func (p *Poller) probe(ctx context.Context, step int) result.ValidationResult {
	start := time.Now()
	ok := p.Probe(ctx)
	end := time.Now()
	r := result.ValidationResult{
		Step:      step,
		Category:  result.CategoryAvailability,
		Name:      "health",
		Target:    p.Target,
		Passed:    ok,
		LatencyMS: end.Sub(start).Milliseconds(),
		Timestamp: end,
	}
	if !ok {
		r.Detail = "unavailable"
	}
	return r
}

// Incidents counts failed availability probes.
func Incidents(results []result.ValidationResult) int {
	n := 0
	for _, r := range results {
		if r.Category == result.CategoryAvailability && !r.Passed {
			n++
		}
	}
	return n
}

// PassRate is the fraction of passed results in category, and whether any
// result of that category exists.
func PassRate(results []result.ValidationResult, category result.ValidationCategory) (float64, bool) {
	total, passed := 0, 0
	for _, r := range results {
		if r.Category != category {
			continue
		}
		total++
		if r.Passed {
			passed++
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(passed) / float64(total), true
}
