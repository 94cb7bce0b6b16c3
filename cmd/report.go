package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/coordinator"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/store"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compare frameworks from the stored metric records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			switch flagFormat {
			case "table", "markdown", "json":
			default:
				return fmt.Errorf("unknown format %q (table, markdown, json)", flagFormat)
			}

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			names, err := st.Frameworks(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("no metric records under %s", cfg.ExperimentDir())
			}
			recs := make(map[string][]result.MetricRecord, len(names))
			for _, name := range names {
				if recs[name], err = st.Completed(ctx, name); err != nil {
					return err
				}
			}
			cmp := report.Compare(cfg.Experiment.Name, reportOrder(cfg, names), recs, coordinator.ReportOptions(cfg))
			return report.Write(cmp, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}

// reportOrder lists stored frameworks in configuration order, followed by
// any that are no longer configured.
func reportOrder(cfg *config.Config, stored []string) []string {
	seen := make(map[string]bool, len(stored))
	for _, s := range stored {
		seen[s] = true
	}
	var order []string
	for _, f := range cfg.Frameworks {
		if seen[f.Name] {
			order = append(order, f.Name)
			delete(seen, f.Name)
		}
	}
	for _, s := range stored {
		if seen[s] {
			order = append(order, s)
		}
	}
	return order
}
