package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the daemon in the background unless it is already running",
	RunE:  runUp,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator health",
	RunE:  runStatus,
}

func init() {
	upCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file passed to the daemon")
}

func runUp(cmd *cobra.Command, args []string) error {
	if isDaemonRunning(apiAddr) {
		fmt.Println("Coordinator already running at", apiAddr)
		return nil
	}
	fmt.Println("Coordinator not running. Starting background service...")
	return startDaemon()
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("OK:      %v\n", health.OK)
		fmt.Printf("DB:      %s\n", health.DB)
		fmt.Printf("Version: %s\n", health.Version)
		fmt.Printf("Time:    %s\n", health.Time)
	}
	return err
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	cmd := exec.Command(exe, daemonArgs...)
	// Detach so the daemon survives this process
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isDaemonRunning(apiAddr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
