package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/flotilla/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the interactive fleet dashboard",
	RunE:  runWatch,
}

var autoStart bool

func init() {
	watchCmd.Flags().BoolVar(&autoStart, "start", false, "Start the daemon in the background if it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		if !autoStart {
			return fmt.Errorf("coordinator not reachable at %s (use --start or run 'flotilla up')", apiAddr)
		}
		fmt.Println("Coordinator not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
