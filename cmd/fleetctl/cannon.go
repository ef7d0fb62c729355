package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cannonCmd = &cobra.Command{
	Use:   "cannon",
	Short: "Drive a transaction cannon",
}

var cannonBroadcastCmd = &cobra.Command{
	Use:   "broadcast <env-id> <cannon-id> <network-id>",
	Short: "Broadcast a pre-signed transaction through a cannon",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		tx, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("fleetctl: read %s: %w", filename, err)
		}
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		txid, err := c.CannonBroadcast(ctx, args[0], args[1], args[2], tx)
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil
	},
}

var cannonAuthCmd = &cobra.Command{
	Use:   "auth <env-id> <cannon-id>",
	Short: "Submit an authorization for a cannon to execute and broadcast",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		auth, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("fleetctl: read %s: %w", filename, err)
		}
		c := clientFromCmd(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		txid, err := c.CannonAuth(ctx, args[0], args[1], auth)
		if err != nil {
			return err
		}
		fmt.Println(txid)
		return nil
	},
}

func init() {
	cannonBroadcastCmd.Flags().StringP("file", "f", "", "file holding the raw signed transaction (required)")
	_ = cannonBroadcastCmd.MarkFlagRequired("file")

	cannonAuthCmd.Flags().StringP("file", "f", "", "file holding the raw authorization (required)")
	_ = cannonAuthCmd.MarkFlagRequired("file")

	cannonCmd.AddCommand(cannonBroadcastCmd, cannonAuthCmd)
}
