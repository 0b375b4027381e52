// Package cmd implements the waterwheel command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/waterwheel-org/waterwheel/internal/build"
)

var configFile string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           build.AppName,
		Short:         "Waterwheel is a distributed workflow scheduler",
		Long:          "Waterwheel schedules recurring triggers and drives task dataflow graphs across a fleet of workers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.AddCommand(serverCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI, exiting non-zero on failure.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
