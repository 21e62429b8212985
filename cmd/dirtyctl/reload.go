package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dirtypool/dirtypool/internal/client"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal every worker at once to exit; each is respawned on the current app specs (no one-at-a-time rollover)",
	RunE:  runReload,
}

func runReload(cmd *cobra.Command, args []string) error {
	if err := requireSocket(); err != nil {
		return err
	}
	c := client.New(socketPath, 0)
	defer c.Close()
	return c.Manage(context.Background(), protocol.ManageOp{Op: protocol.ManageOpReload})
}
