package stopping_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/stopping"
)

func defaults(metrics ...string) config.Stopping {
	return config.Stopping{
		MinRuns: 5, MaxRuns: 25, Confidence: 0.95, Resamples: 2000,
		RelativeHalfWidth: 0.10, Seed: 42, Metrics: metrics,
	}
}

func records(n int, fill func(i int, r *result.MetricRecord)) []*result.MetricRecord {
	out := make([]*result.MetricRecord, n)
	for i := range out {
		r := &result.MetricRecord{RunID: "r", Status: result.StatusCompleted}
		fill(i, r)
		out[i] = r
	}
	return out
}

func TestInsufficientData(t *testing.T) {
	c := stopping.New(defaults("autonomy_rate"))
	d := c.Decide("fw", records(1, func(int, *result.MetricRecord) {}))
	assert.True(t, d.Continue)
	assert.Equal(t, stopping.ReasonInsufficientData, d.Reason)

	d = c.Decide("fw", nil)
	assert.True(t, d.Continue)
	assert.Equal(t, stopping.ReasonInsufficientData, d.Reason)
}

func TestBelowMinimumAlwaysContinues(t *testing.T) {
	c := stopping.New(defaults("autonomy_rate"))
	recs := records(4, func(_ int, r *result.MetricRecord) { r.AutonomyRate = 1 })
	d := c.Decide("fw", recs)
	assert.True(t, d.Continue)
	assert.Equal(t, stopping.ReasonBelowMinimum, d.Reason)
	assert.True(t, d.Metrics[0].Converged, "width alone does not stop below the minimum")
}

func TestZeroVarianceConvergesAtMinimum(t *testing.T) {
	c := stopping.New(defaults("autonomy_rate"))
	recs := records(5, func(_ int, r *result.MetricRecord) { r.AutonomyRate = 1 })
	d := c.Decide("fw", recs)
	assert.False(t, d.Continue)
	assert.Equal(t, stopping.ReasonConverged, d.Reason)
	require.Len(t, d.Metrics, 1)
	assert.Zero(t, d.Metrics[0].Interval.HalfWidth)
	assert.Equal(t, 1.0, d.Metrics[0].Interval.Mean)
}

func TestZeroVarianceMetricAloneConverged(t *testing.T) {
	c := stopping.New(defaults("autonomy_rate", "wall_time_s"))
	recs := records(5, func(i int, r *result.MetricRecord) {
		r.AutonomyRate = 1
		r.WallTimeS = []float64{10, 300, 20, 900, 5}[i]
	})
	d := c.Decide("fw", recs)
	assert.True(t, d.Continue)
	assert.Equal(t, stopping.ReasonNotConverged, d.Reason)
	assert.True(t, d.Metrics[0].Converged)
	assert.False(t, d.Metrics[1].Converged)
}

func TestMaxRunsForcesStop(t *testing.T) {
	c := stopping.New(defaults("wall_time_s"))
	rng := rand.New(rand.NewPCG(1, 2))
	recs := records(25, func(_ int, r *result.MetricRecord) { r.WallTimeS = rng.Float64() * 1000 })
	d := c.Decide("fw", recs)
	assert.False(t, d.Continue)
	assert.Equal(t, stopping.ReasonMaxRuns, d.Reason)
	assert.Equal(t, 25, d.Samples)

	d = c.Decide("fw", recs[:24])
	assert.True(t, d.Continue)
}

func TestFailedRunsExcluded(t *testing.T) {
	c := stopping.New(defaults("autonomy_rate"))
	recs := records(6, func(i int, r *result.MetricRecord) {
		r.AutonomyRate = 1
		if i >= 2 {
			r.Status = result.StatusFailed
		}
	})
	d := c.Decide("fw", recs)
	assert.Equal(t, 2, d.Samples)
	assert.Equal(t, stopping.ReasonBelowMinimum, d.Reason)
}

func TestDecisionDeterministic(t *testing.T) {
	c := stopping.New(defaults("total_tokens", "wall_time_s"))
	recs := records(8, func(i int, r *result.MetricRecord) {
		r.TotalTokens = 1000 + 37*i
		r.WallTimeS = 60 + float64(i%3)
	})
	a := c.Decide("fw", recs)
	b := stopping.New(defaults("total_tokens", "wall_time_s")).Decide("fw", recs)
	assert.Equal(t, a, b)
}

func TestStoppingMonotonicity(t *testing.T) {
	c := stopping.New(defaults("total_tokens"))
	rng := rand.New(rand.NewPCG(11, 13))
	draw := func() int { return 1000 + int(rng.NormFloat64()*20) }

	var recs []*result.MetricRecord
	stoppedAt := -1
	for i := 0; i < 25; i++ {
		recs = append(recs, &result.MetricRecord{Status: result.StatusCompleted, TotalTokens: draw()})
		d := c.Decide("fw", recs)
		if !d.Continue {
			stoppedAt = len(recs)
			break
		}
	}
	require.Equal(t, 5, stoppedAt, "tight distribution converges at the minimum")

	flips := 0
	for i := 0; i < 15; i++ {
		recs = append(recs, &result.MetricRecord{Status: result.StatusCompleted, TotalTokens: draw()})
		if c.Decide("fw", recs).Continue {
			flips++
		}
	}
	assert.Zero(t, flips)
}

func TestNonConvergingMetricNeverStopsEarly(t *testing.T) {
	c := stopping.New(defaults("cost_usd"))
	var recs []*result.MetricRecord
	for i := 0; i < 25; i++ {
		v := 0.0
		if i%2 == 0 {
			v = 10
		}
		recs = append(recs, &result.MetricRecord{Status: result.StatusCompleted, CostUSD: v})
		d := c.Decide("fw", recs)
		if len(recs) < 25 {
			require.True(t, d.Continue, "stopped after %d runs", len(recs))
		} else {
			assert.False(t, d.Continue)
			assert.Equal(t, stopping.ReasonMaxRuns, d.Reason)
		}
	}
}
