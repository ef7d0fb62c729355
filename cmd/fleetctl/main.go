// Command fleetctl is the operator CLI for a fleet control plane:
// "fleetctl serve" runs the control plane itself, and every other
// subcommand is a thin pkg/apiclient.Client call against a running one —
// grounded on the teacher's cmd/warren cobra tree (one command group per
// resource, flags read inside RunE, a shared --manager-style address
// flag), generalised from warren's gRPC client to the REST one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "Control a fleet of blockchain node agents",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8000", "control plane address")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(cannonCmd)
}
