package validation

import "github.com/signalnine/gauntlet/internal/config"

var DefaultWeights = config.QualityWeights{
	Functional:   0.35,
	UI:           0.15,
	Availability: 0.10,
	Tests:        0.20,
	Lint:         0.10,
	CodeMetrics:  0.10,
}

// Score is one composite input. Unmeasured scores drop out of the
// composite and the remaining weights are renormalized.
type Score struct {
	Value    float64
	Measured bool
}

func Measured(v float64) Score { return Score{Value: v, Measured: true} }

type Components struct {
	Functional   Score
	UI           Score
	Availability Score
	Tests        Score
	Lint         Score
	CodeMetrics  Score
}

// QualityComposite is the weighted mean of the measured components. All-zero
// weights select DefaultWeights.
func QualityComposite(c Components, w config.QualityWeights) float64 {
	if w == (config.QualityWeights{}) {
		w = DefaultWeights
	}
	pairs := []struct {
		s Score
		w float64
	}{
		{c.Functional, w.Functional},
		{c.UI, w.UI},
		{c.Availability, w.Availability},
		{c.Tests, w.Tests},
		{c.Lint, w.Lint},
		{c.CodeMetrics, w.CodeMetrics},
	}
	var sum, total float64
	for _, p := range pairs {
		if !p.s.Measured || p.w <= 0 {
			continue
		}
		sum += p.s.Value * p.w
		total += p.w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
