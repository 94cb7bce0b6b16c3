// Package stopping decides after every completed run whether a framework
// needs more samples.
package stopping

import (
	"math"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/stats"
)

type Reason string

const (
	ReasonMaxRuns          Reason = "max_runs"
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonBelowMinimum     Reason = "below_minimum"
	ReasonConverged        Reason = "converged"
	ReasonNotConverged     Reason = "not_converged"
)

type MetricDecision struct {
	Name         string         `json:"name"`
	Observations int            `json:"observations"`
	Interval     stats.Interval `json:"interval"`
	Converged    bool           `json:"converged"`
}

type Decision struct {
	Framework string           `json:"framework"`
	Samples   int              `json:"samples"`
	Continue  bool             `json:"continue"`
	Reason    Reason           `json:"reason"`
	Metrics   []MetricDecision `json:"metrics,omitempty"`
}

// Converged reports whether every target metric met the width criterion.
func (d Decision) Converged() bool {
	if len(d.Metrics) == 0 {
		return false
	}
	for _, m := range d.Metrics {
		if !m.Converged {
			return false
		}
	}
	return true
}

type Controller struct {
	cfg config.Stopping
}

func New(cfg config.Stopping) *Controller {
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = config.DefaultMetrics
	}
	return &Controller{cfg: cfg}
}

// Decide evaluates the completed records of one framework. It never fails:
// anything it cannot judge means more samples.
func (c *Controller) Decide(framework string, records []*result.MetricRecord) Decision {
	var sample []*result.MetricRecord
	for _, r := range records {
		if r != nil && r.Status == result.StatusCompleted {
			sample = append(sample, r)
		}
	}
	d := Decision{Framework: framework, Samples: len(sample)}

	if c.cfg.MaxRuns > 0 && d.Samples >= c.cfg.MaxRuns {
		d.Reason = ReasonMaxRuns
		d.Metrics = c.evaluate(sample)
		return d
	}

	d.Continue = true
	d.Metrics = c.evaluate(sample)
	for _, m := range d.Metrics {
		if m.Observations < 2 {
			d.Reason = ReasonInsufficientData
			return d
		}
	}
	if d.Samples < c.cfg.MinRuns {
		d.Reason = ReasonBelowMinimum
		return d
	}
	if d.Converged() {
		d.Continue = false
		d.Reason = ReasonConverged
		return d
	}
	d.Reason = ReasonNotConverged
	return d
}

func (c *Controller) evaluate(sample []*result.MetricRecord) []MetricDecision {
	out := make([]MetricDecision, 0, len(c.cfg.Metrics))
	for j, name := range c.cfg.Metrics {
		values := make([]float64, 0, len(sample))
		for _, r := range sample {
			if v, ok := r.Value(name); ok {
				values = append(values, v)
			}
		}
		md := MetricDecision{Name: name, Observations: len(values)}
		if len(values) >= 2 {
			rng := stats.NewRNG(c.cfg.Seed, uint64(j))
			md.Interval = stats.Bootstrap(values, c.cfg.Confidence, c.cfg.Resamples, rng)
			md.Converged = converged(md.Interval, c.cfg.RelativeHalfWidth)
		}
		out = append(out, md)
	}
	return out
}

func converged(iv stats.Interval, rel float64) bool {
	if iv.HalfWidth == 0 {
		return true
	}
	if math.IsNaN(iv.HalfWidth) {
		return false
	}
	return iv.HalfWidth <= rel*math.Abs(iv.Mean)
}
