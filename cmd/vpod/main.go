package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lperanavan/videoediting/internal/config"
)

var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "vpod",
	Short: "Video processing orchestrator daemon",
	Long: `vpod queues video processing jobs and dispatches them to the
configured backends (CLI transcoder, editor automation, AI upscaler),
with optional cloud upload of the results.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runDaemon(cfg)
	},
}

func main() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
