// Command dirtyctl is an operator CLI for a running dirty pool arbiter: it
// issues STATUS and MANAGE commands over the arbiter's control socket.
// Grounded on cuemby-warren/cmd/warren/main.go's cobra rootCmd layout, with
// one subcommand file per verb in the style of that package's apply.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dirtyctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirtyctl",
	Short: "Inspect and control a running dirty worker pool",
	Long: `dirtyctl talks to a dirty pool arbiter's control socket to report
pool status and to adjust the worker count, kill individual workers, or
request a reload or shutdown.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", os.Getenv("DIRTYPOOL_SOCKET"),
		"arbiter control socket path (default: $DIRTYPOOL_SOCKET)")
	rootCmd.AddCommand(statusCmd, addCmd, removeCmd, killCmd, reloadCmd, shutdownCmd)
}

func requireSocket() error {
	if socketPath == "" {
		return fmt.Errorf("--socket or $DIRTYPOOL_SOCKET must be set")
	}
	return nil
}
