// Package cmd contains the vizier CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vizier",
	Short: "Vizier - conversational data visualization service",
	Long: `Vizier is a model-backed assistant that turns chat messages into rendered
data visualizations. It classifies intent, synthesizes structured chart
requests, invokes rendering engines, and automatically diagnoses and
repairs failed renders before retrying.

Run "vizier serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
