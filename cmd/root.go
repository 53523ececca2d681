package cmd

import (
	"github.com/spf13/cobra"

	"beacon/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - an event broker for browser clients and scripts",
	Long: `Beacon is a WebSocket event broker. Connections register under a shared
device id, get assigned a device number, and exchange small structured event
messages by broadcast, room, unicast or direct reply. The broker keeps a
bounded event history per device and holds interactive prompts for clients
that are temporarily offline.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(monitorCmd)
}
