package metrics_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/metrics"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/validation"
)

func testRun() *result.Run {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &result.Run{
		ID: "r1", Framework: "agent-x", Attempt: 1,
		StartedAt: start, EndedAt: start.Add(90 * time.Second),
		Status: result.StatusCompleted,
	}
}

func TestFinalize(t *testing.T) {
	prices := &pricing.Table{Providers: map[string]map[string]pricing.ModelPricing{
		"openai": {"gpt-4o": {Input: 0.01, Output: 0.03}},
	}}
	rec := metrics.NewRecorder(3, config.QualityWeights{}, prices)

	rec.RecordStep(result.StepResult{Step: 1, Success: true, TokensIn: 100, TokensOut: 50})
	rec.RecordStep(result.StepResult{Step: 2, Success: true, ClarificationRequests: 5, HITLEvents: 2, UnguidedContinuations: 3, Retries: 1, TokensIn: 200, TokensOut: 70})
	rec.RecordStep(result.StepResult{Step: 3, Success: true})
	rec.RecordHITL(result.HITLEvent{Step: 2})
	rec.RecordHITL(result.HITLEvent{Step: 2})
	for i := 0; i < 3; i++ {
		rec.RecordUnguided()
	}
	rec.RecordValidation(
		result.ValidationResult{Category: result.CategoryFunctional, Passed: true},
		result.ValidationResult{Category: result.CategoryFunctional, Passed: false},
		result.ValidationResult{Category: result.CategoryAvailability, Passed: true},
		result.ValidationResult{Category: result.CategoryAvailability, Passed: false},
		result.ValidationResult{Category: result.CategoryAvailability, Passed: true},
		result.ValidationResult{Category: result.CategoryAvailability, Passed: true},
	)
	rec.RecordQuality(&validation.QualityReport{Code: &validation.CodeMetricsResult{Score: 0.5}})

	usage := filepath.Join(t.TempDir(), result.UsageLogFile)
	require.NoError(t, gateway.AppendUsage(usage, gateway.UsageRecord{Provider: "openai", Model: "gpt-4o", InputTokens: 1000, OutputTokens: 1000}))

	m, err := rec.Finalize(testRun(), usage)
	require.NoError(t, err)

	assert.Equal(t, "r1", m.RunID)
	assert.Equal(t, 3, m.StepsCompleted)
	assert.InDelta(t, 2.0/3.0, m.AutonomyRate, 1e-9)
	assert.Equal(t, 2, m.HITLEvents)
	assert.Equal(t, 3, m.UnguidedContinuations)
	assert.Equal(t, 1, m.Retries)
	assert.Equal(t, 300, m.TokensIn)
	assert.Equal(t, 120, m.TokensOut)
	assert.Equal(t, 420, m.TotalTokens)
	assert.InDelta(t, 0.04, m.CostUSD, 1e-9)
	assert.InDelta(t, 90.0, m.WallTimeS, 1e-9)
	assert.InDelta(t, 0.5, m.FunctionalPassRate, 1e-9)
	assert.Zero(t, m.UIPassRate)
	assert.InDelta(t, 0.75, m.AvailabilityRate, 1e-9)
	assert.Equal(t, 1, m.DowntimeIncidents)
	// functional 0.5*0.35 + availability 0.75*0.10 + code 0.5*0.10 over 0.55
	assert.InDelta(t, (0.175+0.075+0.05)/0.55, m.QualityComposite, 1e-9)

	_, err = rec.Finalize(testRun(), usage)
	assert.ErrorIs(t, err, metrics.ErrFinalized)
}

func TestFinalizeTokensFromUsageLog(t *testing.T) {
	rec := metrics.NewRecorder(1, config.QualityWeights{}, nil)
	rec.RecordStep(result.StepResult{Step: 1, Success: true})
	usage := filepath.Join(t.TempDir(), result.UsageLogFile)
	require.NoError(t, gateway.AppendUsage(usage, gateway.UsageRecord{Provider: "anthropic", Model: "claude-sonnet-4", InputTokens: 7, OutputTokens: 3}))

	m, err := rec.Finalize(testRun(), usage)
	require.NoError(t, err)
	assert.Equal(t, 10, m.TotalTokens)
	assert.Zero(t, m.CostUSD, "no pricing table")
	assert.Equal(t, 1.0, m.AutonomyRate)
}

func TestFinalizeNoStepsNoUsage(t *testing.T) {
	rec := metrics.NewRecorder(3, config.QualityWeights{}, nil)
	run := testRun()
	run.Status = result.StatusFailed
	m, err := rec.Finalize(run, filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, m.AutonomyRate)
	assert.Zero(t, m.StepsCompleted)
	assert.Equal(t, 3, m.StepsTotal)
	assert.Zero(t, m.QualityComposite)
}
