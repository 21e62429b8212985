package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dirtypool/dirtypool/internal/client"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

var addCmd = &cobra.Command{
	Use:   "add [count]",
	Short: "Grow the pool's target worker count",
	Args:  cobra.MaximumNArgs(1),
	RunE:  manageCountRunE(protocol.ManageOpAdd),
}

var removeCmd = &cobra.Command{
	Use:   "remove [count]",
	Short: "Shrink the pool's target worker count",
	Args:  cobra.MaximumNArgs(1),
	RunE:  manageCountRunE(protocol.ManageOpRemove),
}

func manageCountRunE(op int) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := requireSocket(); err != nil {
			return err
		}
		count := 1
		if len(args) == 1 {
			n, err := parsePositiveInt(args[0])
			if err != nil {
				return err
			}
			count = n
		}
		c := client.New(socketPath, 0)
		defer c.Close()
		return c.Manage(context.Background(), protocol.ManageOp{Op: op, Count: count})
	}
}
