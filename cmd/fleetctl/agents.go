package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/apiclient"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage fleet agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		agents, err := c.ListAgents(ctx)
		if err != nil {
			return err
		}
		printAgents(agents)
		return nil
	},
}

var agentsFindCmd = &cobra.Command{
	Use:   "find",
	Short: "List connected agents matching a label set",
	RunE: func(cmd *cobra.Command, args []string) error {
		labelsFlag, _ := cmd.Flags().GetString("labels")
		var labels []string
		if labelsFlag != "" {
			labels = strings.Split(labelsFlag, ",")
		}
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		agents, err := c.FindAgents(ctx, labels)
		if err != nil {
			return err
		}
		printAgents(agents)
		return nil
	},
}

var agentsKillCmd = &cobra.Command{
	Use:   "kill <agent-id>",
	Short: "Ask an agent's node process to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.KillAgent(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("kill requested for agent %s\n", args[0])
		return nil
	},
}

func init() {
	agentsFindCmd.Flags().String("labels", "", "comma-separated label list")

	agentsCmd.AddCommand(agentsListCmd, agentsFindCmd, agentsKillCmd)
}

// requestTimeout bounds every synchronous CLI call; Apply uses 60 times
// this value, since an operator-scale body justifies more time.
const requestTimeout = 10 * time.Second

func clientFromCmd(cmd *cobra.Command) *apiclient.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return apiclient.NewClient(addr)
}

func printAgents(agents []apiclient.AgentView) {
	fmt.Printf("%-24s %-10s %-24s %s\n", "ID", "CONNECTED", "ADDRESSES", "CAPABILITIES")
	for _, a := range agents {
		fmt.Printf("%-24s %-10v %-24s %s\n", a.ID, a.Connected, strings.Join(a.Addresses, ","), strings.Join(a.Capabilities, ","))
	}
}
