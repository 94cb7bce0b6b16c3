package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/archive"
	"github.com/signalnine/gauntlet/internal/config"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [archive-dir]",
		Short: "Check every run archive against its recorded digest, size, and file count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				dir = args[0]
			} else {
				cfg, err := config.Load(cfgFile)
				if err != nil {
					return err
				}
				dir = cfg.ArchiveDir()
			}

			metas, err := archive.VerifyAll(dir)
			out := cmd.OutOrStdout()
			var total uint64
			for _, m := range metas {
				total += uint64(m.SizeBytes)
				fmt.Fprintf(out, "ok  %s/%s  %s  %d files\n", m.Framework, m.RunID, humanize.Bytes(uint64(m.SizeBytes)), m.Files)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d archives verified (%s)\n", len(metas), humanize.Bytes(total))
			return nil
		},
	}
}
