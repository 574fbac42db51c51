package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skyfleet",
	Short: "SkyFleet - drone fleet coordinator",
	Long:  `SkyFleet coordinates a fleet of drones: it tracks device state, dispatches commands over persistent connections, and manages the task queue.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr  string
	confPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8765", "API server address")
	rootCmd.PersistentFlags().StringVar(&confPath, "config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(userCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
