// Command covidsim runs the agent-based COVID-19 simulator: single runs,
// parallel ensembles, checkpoint resumes, and a live HTTP view.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/talgya/covidsim/internal/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "covidsim",
		Short: "Agent-based COVID-19 epidemic simulator",
		Long: `covidsim simulates an epidemic on a grid of moving agents with isolation,
distancing, testing, contact tracing, vaccination, and virus variants.

Scenarios are JSON or YAML documents; 'covidsim init' writes a baseline one.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			slog.SetDefault(logging.NewLogger(level, format, os.Stderr))
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newValidateCmd(),
		newRunCmd(),
		newResumeCmd(),
		newEnsembleCmd(),
		newServeCmd(),
		newRunsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("covidsim version %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
