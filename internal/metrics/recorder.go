// Package metrics accumulates everything observed during one run and
// computes its Metric Record exactly once.
package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/validation"
)

// ErrFinalized is returned when a Recorder is finalized twice.
var ErrFinalized = errors.New("metric record already computed")

type Recorder struct {
	stepsTotal int
	weights    config.QualityWeights
	prices     *pricing.Table

	mu          sync.Mutex
	steps       []result.StepResult
	hitl        []result.HITLEvent
	unguided    int
	validations []result.ValidationResult
	quality     *validation.QualityReport
	final       *result.MetricRecord
}

func NewRecorder(stepsTotal int, weights config.QualityWeights, prices *pricing.Table) *Recorder {
	return &Recorder{stepsTotal: stepsTotal, weights: weights, prices: prices}
}

func (r *Recorder) RecordStep(s result.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s)
}

func (r *Recorder) RecordHITL(ev result.HITLEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hitl = append(r.hitl, ev)
}

// RecordUnguided counts a clarification answered without guidance.
func (r *Recorder) RecordUnguided() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unguided++
}

func (r *Recorder) RecordValidation(results ...result.ValidationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations = append(r.validations, results...)
}

func (r *Recorder) RecordQuality(q *validation.QualityReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quality = q
}

// Finalize computes the record for run. usageLog, when present, prices
// the run's LLM calls.
func (r *Recorder) Finalize(run *result.Run, usageLog string) (*result.MetricRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return nil, ErrFinalized
	}

	rec := &result.MetricRecord{
		RunID:      run.ID,
		Framework:  run.Framework,
		Attempt:    run.Attempt,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
		StepsTotal: r.stepsTotal,
		HITLEvents: len(r.hitl),

		UnguidedContinuations: r.unguided,
	}

	autonomous := 0
	for _, s := range r.steps {
		if s.Success {
			rec.StepsCompleted++
		}
		if s.ClarificationRequests == 0 {
			autonomous++
		}
		rec.Retries += s.Retries
		rec.TokensIn += s.TokensIn
		rec.TokensOut += s.TokensOut
	}
	if len(r.steps) > 0 {
		rec.AutonomyRate = float64(autonomous) / float64(len(r.steps))
	}

	records, err := gateway.ParseUsageLogs(usageLog)
	if err != nil {
		return nil, fmt.Errorf("pricing usage: %w", err)
	}
	rec.CostUSD = r.prices.UsageCost(records)
	// Adapters that report tokens only through the usage log.
	if in, out := gateway.TotalUsage(records); rec.TokensIn == 0 && rec.TokensOut == 0 {
		rec.TokensIn, rec.TokensOut = in, out
	}
	rec.TotalTokens = rec.TokensIn + rec.TokensOut

	if !run.EndedAt.IsZero() {
		rec.WallTimeS = run.EndedAt.Sub(run.StartedAt).Seconds()
	}

	var comp validation.Components
	if v, ok := validation.PassRate(r.validations, result.CategoryFunctional); ok {
		rec.FunctionalPassRate = v
		comp.Functional = validation.Measured(v)
	}
	if v, ok := validation.PassRate(r.validations, result.CategoryUI); ok {
		rec.UIPassRate = v
		comp.UI = validation.Measured(v)
	}
	if v, ok := validation.PassRate(r.validations, result.CategoryAvailability); ok {
		rec.AvailabilityRate = v
		comp.Availability = validation.Measured(v)
	}
	rec.DowntimeIncidents = validation.Incidents(r.validations)

	if q := r.quality; q != nil {
		if q.Tests != nil {
			rec.TestsScore = q.Tests.Score
			comp.Tests = validation.Measured(q.Tests.Score)
		}
		if q.Lint != nil {
			rec.LintScore = q.Lint.Score
			comp.Lint = validation.Measured(q.Lint.Score)
		}
		if q.Code != nil {
			rec.CodeMetricsScore = q.Code.Score
			comp.CodeMetrics = validation.Measured(q.Code.Score)
		}
	}
	rec.QualityComposite = validation.QualityComposite(comp, r.weights)

	r.final = rec
	return rec, nil
}
