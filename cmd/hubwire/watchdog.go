package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/watchdog"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog [-- child args...]",
	Short: "Supervise the endpoint process",
	Long: `Runs the endpoint as a child process and respawns it on crash or on a
sentinel-marked restart request. Without explicit child args, the child
is this binary's own endpoint subcommand with the same config.`,
	RunE: runWatchdog,
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultFileName
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lm, err := logging.New("watchdog", cfg.Log)
	if err != nil {
		return err
	}
	defer lm.Close()

	argv := args
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		argv = []string{exe, "endpoint", "--config", configPath}
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := watchdog.NewSupervisor(cfg.Watchdog, argv, wd, lm.Logger("watchdog"))
	return sup.Run(ctx)
}
