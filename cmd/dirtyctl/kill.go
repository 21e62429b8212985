package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dirtypool/dirtypool/internal/client"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

var killCmd = &cobra.Command{
	Use:   "kill <pid>",
	Short: "Forcibly terminate one worker by pid",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	if err := requireSocket(); err != nil {
		return err
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}
	c := client.New(socketPath, 0)
	defer c.Close()
	return c.Manage(context.Background(), protocol.ManageOp{Op: protocol.ManageOpKill, PID: pid})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", s, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("count must be at least 1, got %d", n)
	}
	return n, nil
}
