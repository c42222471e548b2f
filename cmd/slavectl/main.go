// Package main implements slavectl, the operator CLI for a running
// replication slave.
//
// slavectl speaks to the slave's control endpoint over HTTP/JSON, wrapping
// the administrative commands the slave exposes:
//
//	# Clear failover state and force a reconnect to the master
//	slavectl --addr http://db-slave:8091 failover-reset
//
//	# Redirect replication to a different master
//	slavectl --addr http://db-slave:8091 new-master db2.example.com 8090
//
//	# Inspect replication status
//	slavectl --addr http://db-slave:8091 info
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hakiado/rethinkdb/internal/cluster"
)

const defaultAddr = "http://127.0.0.1:8091"

// newRootCmd builds the command tree. The slave address travels through a
// persistent flag so every subcommand shares it.
func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "slavectl",
		Short: "Administer a running replication slave",
		Long: "slavectl sends administrative commands to a replication slave's\n" +
			"control endpoint and inspects its replication status.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&addr, "addr", "a", defaultAddr,
		"base URL of the slave's HTTP endpoint")

	root.AddCommand(newFailoverResetCmd(&addr))
	root.AddCommand(newMasterCmd(&addr))
	root.AddCommand(newInfoCmd(&addr))
	return root
}

// runControl dispatches one administrative command and prints the slave's
// status string.
func runControl(cmd *cobra.Command, addr, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp cluster.ControlResponse
	req := cluster.ControlRequest{Command: command, Args: args}
	if err := cluster.PostJSON(ctx, addr+"/control", req, &resp); err != nil {
		return fmt.Errorf("control request to %s failed: %w", addr, err)
	}
	cmd.Println(resp.Status)
	return nil
}

func newFailoverResetCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:     "failover-reset",
		Short:   "Reset failover state and force a reconnection to the master",
		Example: "slavectl failover-reset",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runControl(cmd, *addr, "failover_reset", nil)
		},
	}
}

func newMasterCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:     "new-master <host> <port>",
		Short:   "Redirect replication to a different master",
		Example: "slavectl new-master db2.example.com 8090",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, *addr, "new_master", args)
		},
	}
}

func newInfoCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:     "info",
		Short:   "Show the slave's replication status",
		Example: "slavectl info",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var info map[string]any
			if err := cluster.GetJSON(ctx, *addr+"/info", &info); err != nil {
				return fmt.Errorf("info request to %s failed: %w", *addr, err)
			}

			pretty, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(pretty))
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
