package stats_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/stats"
)

func TestBootstrapZeroVariance(t *testing.T) {
	iv := stats.Bootstrap([]float64{1, 1, 1, 1, 1}, 0.95, 1000, stats.NewRNG(1, 0))
	assert.Equal(t, 1.0, iv.Mean)
	assert.Zero(t, iv.HalfWidth)
	assert.Equal(t, iv.Lower, iv.Upper)
	assert.Equal(t, 5, iv.N)
}

func TestBootstrapDeterministic(t *testing.T) {
	values := []float64{3, 5, 4, 8, 6, 5, 7}
	a := stats.Bootstrap(values, 0.95, 2000, stats.NewRNG(42, 3))
	b := stats.Bootstrap(values, 0.95, 2000, stats.NewRNG(42, 3))
	assert.Equal(t, a, b)

	c := stats.Bootstrap(values, 0.95, 2000, stats.NewRNG(42, 4))
	assert.NotEqual(t, a.Lower, c.Lower, "different streams resample differently")
}

func TestBootstrapBracketsMean(t *testing.T) {
	values := []float64{10, 12, 9, 11, 13, 10, 12, 8, 11, 10}
	iv := stats.Bootstrap(values, 0.95, 5000, stats.NewRNG(7, 0))
	assert.InDelta(t, 10.6, iv.Mean, 1e-9)
	assert.Less(t, iv.Lower, iv.Mean)
	assert.Greater(t, iv.Upper, iv.Mean)
	assert.InDelta(t, (iv.Upper-iv.Lower)/2, iv.HalfWidth, 1e-12)
	assert.Less(t, iv.HalfWidth, 2.0)
}

func TestBootstrapNarrowsWithSamples(t *testing.T) {
	base := []float64{1, 2, 3, 4, 5}
	var many []float64
	for i := 0; i < 20; i++ {
		many = append(many, base...)
	}
	small := stats.Bootstrap(base, 0.95, 4000, stats.NewRNG(1, 0))
	large := stats.Bootstrap(many, 0.95, 4000, stats.NewRNG(1, 0))
	assert.Less(t, large.HalfWidth, small.HalfWidth)
}

func TestBootstrapEmpty(t *testing.T) {
	iv := stats.Bootstrap(nil, 0.95, 100, stats.NewRNG(1, 0))
	assert.True(t, math.IsNaN(iv.Mean))
}

func TestBootstrapDiff(t *testing.T) {
	a := []float64{10, 11, 12, 10, 11}
	b := []float64{5, 6, 5, 6, 5}
	iv := stats.BootstrapDiff(a, b, 0.95, 4000, stats.NewRNG(9, 0))
	assert.InDelta(t, 5.4, iv.Mean, 1e-9)
	assert.Greater(t, iv.Lower, 0.0)

	same := stats.BootstrapDiff([]float64{1, 1}, []float64{1, 1}, 0.95, 100, stats.NewRNG(9, 0))
	assert.Zero(t, same.HalfWidth)
	assert.Zero(t, same.Mean)
}

func TestCohensD(t *testing.T) {
	a := []float64{2, 4, 6}
	b := []float64{1, 3, 5}
	// pooled sd 2, difference 1
	assert.InDelta(t, 0.5, stats.CohensD(a, b), 1e-9)
	assert.Zero(t, stats.CohensD([]float64{1, 1}, []float64{1, 1}))
	assert.Zero(t, stats.CohensD([]float64{1}, []float64{2, 3}))
}

func TestCliffsDelta(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
		mag  string
	}{
		{"dominates", []float64{5, 6, 7}, []float64{1, 2, 3}, 1, "large"},
		{"dominated", []float64{1, 2}, []float64{3, 4}, -1, "large"},
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 0, "negligible"},
		{"overlap", []float64{1, 2, 3, 4}, []float64{2, 3, 4, 5}, -7.0 / 16.0, "medium"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := stats.CliffsDelta(tt.a, tt.b)
			assert.InDelta(t, tt.want, d, 1e-9)
			assert.Equal(t, tt.mag, stats.Magnitude(d))
		})
	}
}

func TestStdDev(t *testing.T) {
	require.InDelta(t, 2.0, stats.StdDev([]float64{2, 4, 6}), 1e-9)
	assert.Zero(t, stats.StdDev([]float64{3}))
}
