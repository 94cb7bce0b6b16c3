// Package report compares frameworks from their completed Metric Records.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/stats"
)

// Options controls the resampling behind every interval in a comparison.
type Options struct {
	Metrics    []string
	Confidence float64
	Resamples  int
	Seed       uint64
}

type MetricSummary struct {
	Metric   string         `json:"metric"`
	Interval stats.Interval `json:"interval"`
}

type FrameworkSummary struct {
	Name    string          `json:"name"`
	Runs    int             `json:"runs"`
	Metrics []MetricSummary `json:"metrics"`
}

// PairComparison compares framework A against B on one metric. Positive
// differences mean A is higher.
type PairComparison struct {
	A           string         `json:"a"`
	B           string         `json:"b"`
	Metric      string         `json:"metric"`
	Difference  stats.Interval `json:"difference"`
	CohensD     float64        `json:"cohens_d"`
	CliffsDelta float64        `json:"cliffs_delta"`
	Magnitude   string         `json:"magnitude"`
}

type Comparison struct {
	Experiment  string             `json:"experiment"`
	GeneratedAt time.Time          `json:"generated_at"`
	Confidence  float64            `json:"confidence"`
	Resamples   int                `json:"resamples"`
	Seed        uint64             `json:"seed"`
	Frameworks  []FrameworkSummary `json:"frameworks"`
	Pairs       []PairComparison   `json:"pairs"`
}

func values(recs []result.MetricRecord, metric string) []float64 {
	out := make([]float64, 0, len(recs))
	for i := range recs {
		if recs[i].Status != result.StatusCompleted {
			continue
		}
		if v, ok := recs[i].Value(metric); ok {
			out = append(out, v)
		}
	}
	return out
}

// Compare builds the comparison for frameworks in the given order. Each
// interval draws from its own PCG stream so the output depends only on the
// records and opts.
func Compare(experiment string, order []string, records map[string][]result.MetricRecord, opts Options) *Comparison {
	c := &Comparison{
		Experiment:  experiment,
		GeneratedAt: time.Now().UTC(),
		Confidence:  opts.Confidence,
		Resamples:   opts.Resamples,
		Seed:        opts.Seed,
	}
	var stream uint64
	next := func() uint64 { stream++; return stream }

	for _, fw := range order {
		fs := FrameworkSummary{Name: fw}
		for _, r := range records[fw] {
			if r.Status == result.StatusCompleted {
				fs.Runs++
			}
		}
		for _, m := range opts.Metrics {
			xs := values(records[fw], m)
			s := next()
			if len(xs) == 0 {
				continue
			}
			iv := stats.Bootstrap(xs, opts.Confidence, opts.Resamples, stats.NewRNG(opts.Seed, s))
			fs.Metrics = append(fs.Metrics, MetricSummary{Metric: m, Interval: iv})
		}
		c.Frameworks = append(c.Frameworks, fs)
	}

	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a, b := order[i], order[j]
			for _, m := range opts.Metrics {
				xa, xb := values(records[a], m), values(records[b], m)
				s := next()
				if len(xa) == 0 || len(xb) == 0 {
					continue
				}
				delta := stats.CliffsDelta(xa, xb)
				c.Pairs = append(c.Pairs, PairComparison{
					A:           a,
					B:           b,
					Metric:      m,
					Difference:  stats.BootstrapDiff(xa, xb, opts.Confidence, opts.Resamples, stats.NewRNG(opts.Seed, s)),
					CohensD:     stats.CohensD(xa, xb),
					CliffsDelta: delta,
					Magnitude:   stats.Magnitude(delta),
				})
			}
		}
	}
	return c
}

// Write renders c as table, markdown, or json. Unknown formats fall back
// to the table.
func Write(c *Comparison, format string, w io.Writer) error {
	switch format {
	case "markdown":
		return writeMarkdown(c, w)
	case "json":
		return writeJSON(c, w)
	default:
		return writeTable(c, w)
	}
}

func writeTable(c *Comparison, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "FRAMEWORK\tRUNS\tMETRIC\tMEAN\t%.0f%% CI\tHALF-WIDTH\n", c.Confidence*100)
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, f := range c.Frameworks {
		if len(f.Metrics) == 0 {
			fmt.Fprintf(tw, "%s\t%d\t-\t-\t-\t-\n", f.Name, f.Runs)
			continue
		}
		for _, m := range f.Metrics {
			iv := m.Interval
			fmt.Fprintf(tw, "%s\t%d\t%s\t%.4g\t[%.4g, %.4g]\t%.3g\n",
				f.Name, f.Runs, m.Metric, iv.Mean, iv.Lower, iv.Upper, iv.HalfWidth)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(c.Pairs) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "A\tB\tMETRIC\tDIFF\tCI\tCOHEN'S D\tCLIFF'S DELTA\tMAGNITUDE")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, p := range c.Pairs {
		d := p.Difference
		fmt.Fprintf(tw, "%s\t%s\t%s\t%+.4g\t[%.4g, %.4g]\t%.3f\t%+.3f\t%s\n",
			p.A, p.B, p.Metric, d.Mean, d.Lower, d.Upper, p.CohensD, p.CliffsDelta, p.Magnitude)
	}
	return tw.Flush()
}

func writeMarkdown(c *Comparison, w io.Writer) error {
	fmt.Fprintf(w, "## %s\n\n", c.Experiment)
	fmt.Fprintf(w, "| Framework | Runs | Metric | Mean | %.0f%% CI | Half-width |\n", c.Confidence*100)
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, f := range c.Frameworks {
		for _, m := range f.Metrics {
			iv := m.Interval
			fmt.Fprintf(w, "| %s | %d | %s | %.4g | [%.4g, %.4g] | %.3g |\n",
				f.Name, f.Runs, m.Metric, iv.Mean, iv.Lower, iv.Upper, iv.HalfWidth)
		}
	}
	if len(c.Pairs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| A | B | Metric | Difference | CI | Cohen's d | Cliff's δ | Magnitude |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, p := range c.Pairs {
		d := p.Difference
		fmt.Fprintf(w, "| %s | %s | %s | %+.4g | [%.4g, %.4g] | %.3f | %+.3f | %s |\n",
			p.A, p.B, p.Metric, d.Mean, d.Lower, d.Upper, p.CohensD, p.CliffsDelta, p.Magnitude)
	}
	return nil
}

func writeJSON(c *Comparison, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
