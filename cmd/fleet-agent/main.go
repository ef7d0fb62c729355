// Command fleet-agent is the worker process that runs on each machine
// hosting blockchain node instances: it dials a control plane's /agent
// websocket endpoint, answers its reconcile/kill/broadcast calls, and
// supervises the node binary through pkg/procsup — grounded on the
// teacher's cmd/warren cobra tree, generalised to a single long-lived
// "serve" command rather than a CLI resource tree, since an agent has no
// operator-facing subcommands of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleet-agent",
	Short: "Run a fleet-agent worker process",
	RunE:  runServeAgent,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "./fleet-agent.yaml", "agent configuration file")
}
