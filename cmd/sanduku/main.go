// Sanduku is a virtualization control plane for VirtualBox fleets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku is a typed control plane for VirtualBox machines, snapshots and sandboxes.",
	Long: `Sanduku drives the VBoxManage CLI behind a typed operation catalog:
machine lifecycle, networking, snapshots, storage, host queries and
disposable Windows Sandbox sessions. Mutations are serialized per
resource and every operation is audited.

The default mode serves the catalog as MCP tools on stdio. The api
mode serves the same catalog as a REST API with live event streams.`,
	RunE:          runServe, // Default to MCP stdio mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, apiCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sanduku: %v\n", err)
		os.Exit(1)
	}
}
