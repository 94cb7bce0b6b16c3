package cmd

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/logging"
)

var (
	cfgFile     string
	flagVerbose bool
	flagQuiet   bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gauntlet",
		Short:         "Run controlled comparisons of agentic development frameworks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "gauntlet.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only warnings and errors")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

// newLogger builds the process logger from the config's logging section and
// the global verbosity flags. Logs go to the command's error stream.
func newLogger(cmd *cobra.Command, cfg *config.Config, redactor *logging.Redactor) (zerolog.Logger, io.Closer, error) {
	var console io.Writer
	if w := cmd.ErrOrStderr(); w != os.Stderr {
		console = w
	}
	return logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    console,
	}, redactor)
}
