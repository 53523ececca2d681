package cmd

import (
	"github.com/spf13/cobra"

	"beacon/internal/monitor"
)

var monitorAddr string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Observe a running broker",
	Long: `Monitor connects to a running Beacon broker, registers as a script and
joins the global listener room. It shows the live device directory and a tail
of routed events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitor.StartTUI(monitorAddr)
	},
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorAddr, "addr", "a", "localhost:5000", "Gateway address to connect to")
}
