package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		envs, err := c.ListEnvs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-16s %-16s %s\n", "ID", "STORAGE", "NETWORK", "NODES")
		for _, e := range envs {
			fmt.Printf("%-24s %-16s %-16s %s\n", e.ID, e.Storage, e.Network, strings.Join(e.Nodes, ","))
		}
		return nil
	},
}

var envInfoCmd = &cobra.Command{
	Use:   "info <env-id>",
	Short: "Show one environment's detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		info, err := c.EnvInfo(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var envApplyCmd = &cobra.Command{
	Use:   "apply <env-id>",
	Short: "Apply a multi-document YAML environment definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("fleetctl: read %s: %w", filename, err)
		}
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 60*requestTimeout)
		defer cancel()
		result, err := c.Apply(ctx, args[0], data)
		if err != nil {
			return err
		}
		fmt.Printf("%d agent(s) reconciled\n", result.Intents)
		for agent, msg := range result.DispatchErrors {
			fmt.Printf("  warning: %s: %s\n", agent, msg)
		}
		return nil
	},
}

var envDeleteCmd = &cobra.Command{
	Use:   "delete <env-id>",
	Short: "Tear down an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.DeleteEnv(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("environment %s deleted\n", args[0])
		return nil
	},
}

// envActionCmd implements fleetctl env action <kind> <env-id>, one of the
// fleet-wide mutations spec.md §6 names: online, offline, reboot,
// execute, deploy, config.
var envActionCmd = &cobra.Command{
	Use:   "action <kind> <env-id>",
	Short: "Run a fleet-wide action: online, offline, reboot, execute, deploy, config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, envID := args[0], args[1]
		var body interface{}
		if raw, _ := cmd.Flags().GetString("body"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &body); err != nil {
				return fmt.Errorf("fleetctl: parse --body: %w", err)
			}
		}
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.Action(ctx, envID, kind, body); err != nil {
			return err
		}
		fmt.Printf("action %s dispatched to environment %s\n", kind, envID)
		return nil
	},
}

func init() {
	envApplyCmd.Flags().StringP("file", "f", "", "YAML document to apply (required)")
	_ = envApplyCmd.MarkFlagRequired("file")

	envActionCmd.Flags().String("body", "", "JSON request body for the action, where applicable")

	envCmd.AddCommand(envListCmd, envInfoCmd, envApplyCmd, envDeleteCmd, envActionCmd)
}
