package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dirtypool/dirtypool/internal/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pool's worker list, target size, and stash tables",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireSocket(); err != nil {
		return err
	}
	c := client.New(socketPath, 0)
	defer c.Close()

	status, err := c.Status(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("target_count: %v\n", status["target_count"])
	fmt.Printf("tables: %v\n", status["tables"])
	workers, _ := status["workers"].([]any)
	fmt.Printf("workers (%d):\n", len(workers))
	for _, w := range workers {
		wd, ok := w.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("  pid=%v age=%v state=%v apps=%v last_exit_reason=%v\n",
			wd["pid"], wd["age"], wd["state"], wd["apps"], wd["last_exit_reason"])
	}
	return nil
}
