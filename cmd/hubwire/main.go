package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "hubwire"
	appVersion = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Remote-control fabric for interactive sessions",
	Long: `Hubwire is a remote-control fabric:
  - hub: central server that registers endpoints and routes admin commands
  - endpoint: session agent that executes commands against the local OS
  - watchdog: supervisor that respawns the endpoint on crash or restart
  - admin: thin client for the hub's admin command surface`,
	Version: appVersion,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the hubwire.kdl config file")

	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(endpointCmd)
	rootCmd.AddCommand(watchdogCmd)
	rootCmd.AddCommand(adminCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
