package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dirtypool/dirtypool/internal/client"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

var shutdownQuick bool

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the arbiter and all its workers",
	Long: `Stop the arbiter and all its workers.

By default this sends each worker SIGINT and waits for the processes to
exit (up to the arbiter's configured graceful timeout) before escalating
to SIGKILL. A worker stops on SIGINT without waiting for its in-flight
request to finish. Pass --quick to kill every worker immediately.`,
	RunE: runShutdown,
}

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownQuick, "quick", false, "kill every worker immediately instead of waiting")
}

func runShutdown(cmd *cobra.Command, args []string) error {
	if err := requireSocket(); err != nil {
		return err
	}
	op := protocol.ManageOpShutdownGraceful
	if shutdownQuick {
		op = protocol.ManageOpShutdownQuick
	}
	c := client.New(socketPath, 0)
	defer c.Close()
	return c.Manage(context.Background(), protocol.ManageOp{Op: op})
}
