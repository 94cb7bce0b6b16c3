// Package stats implements the percentile bootstrap and the effect sizes
// used to compare frameworks.
package stats

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Interval is a bootstrap confidence interval of a mean.
type Interval struct {
	N         int     `json:"n"`
	Mean      float64 `json:"mean"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
	HalfWidth float64 `json:"half_width"`
}

// NewRNG returns a PCG source for one (seed, stream) pair. The same pair
// always yields the same sequence.
func NewRNG(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// StdDev is the sample standard deviation.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

// Bootstrap computes a percentile bootstrap interval of the mean. Constant
// input yields a zero-width interval without resampling.
func Bootstrap(values []float64, confidence float64, resamples int, rng *rand.Rand) Interval {
	n := len(values)
	iv := Interval{N: n}
	if n == 0 {
		iv.Mean, iv.Lower, iv.Upper, iv.HalfWidth = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		return iv
	}
	iv.Mean = Mean(values)
	if n == 1 || constant(values) {
		iv.Lower, iv.Upper = iv.Mean, iv.Mean
		return iv
	}
	means := make([]float64, resamples)
	for i := range means {
		var s float64
		for j := 0; j < n; j++ {
			s += values[rng.IntN(n)]
		}
		means[i] = s / float64(n)
	}
	return percentile(iv, means, confidence)
}

// BootstrapDiff is the bootstrap interval of mean(a) - mean(b), resampling
// each group independently.
func BootstrapDiff(a, b []float64, confidence float64, resamples int, rng *rand.Rand) Interval {
	iv := Interval{N: len(a) + len(b)}
	if len(a) == 0 || len(b) == 0 {
		iv.Mean, iv.Lower, iv.Upper, iv.HalfWidth = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		return iv
	}
	iv.Mean = Mean(a) - Mean(b)
	if constant(a) && constant(b) {
		iv.Lower, iv.Upper = iv.Mean, iv.Mean
		return iv
	}
	diffs := make([]float64, resamples)
	for i := range diffs {
		diffs[i] = resampleMean(a, rng) - resampleMean(b, rng)
	}
	return percentile(iv, diffs, confidence)
}

func resampleMean(xs []float64, rng *rand.Rand) float64 {
	var s float64
	for range xs {
		s += xs[rng.IntN(len(xs))]
	}
	return s / float64(len(xs))
}

func percentile(iv Interval, dist []float64, confidence float64) Interval {
	if len(dist) == 0 {
		iv.Lower, iv.Upper = iv.Mean, iv.Mean
		return iv
	}
	slices.Sort(dist)
	alpha := (1 - confidence) / 2
	iv.Lower = quantile(dist, alpha)
	iv.Upper = quantile(dist, 1-alpha)
	iv.HalfWidth = (iv.Upper - iv.Lower) / 2
	return iv
}

// quantile interpolates linearly between order statistics of sorted.
func quantile(sorted []float64, q float64) float64 {
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
