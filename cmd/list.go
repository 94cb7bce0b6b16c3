package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/scenario"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured frameworks and scenario steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			sc, err := scenario.Load(cfg.Scenario.File)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Experiment: %s (%s)\n\n", cfg.Experiment.Name, cfg.ExperimentDir())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FRAMEWORK\tADAPTER\tSOURCE\tCOMMIT")
			for _, f := range cfg.Frameworks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Name, f.Adapter, frameworkSource(f), orDash(f.Commit))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nScenario %s:\n", sc.Name)
			for i, st := range sc.Steps {
				fmt.Fprintf(out, "  %d. %s: %s\n", i+1, st.Name, st.Command)
			}
			return nil
		},
	}
}

func frameworkSource(f config.Framework) string {
	switch f.Adapter {
	case config.AdapterDocker:
		return orDash(f.Image)
	case config.AdapterWebSocket:
		return orDash(f.Endpoint)
	default:
		return "built-in"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
