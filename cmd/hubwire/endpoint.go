package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/endpoint"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/watchdog"
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Run the session agent",
	RunE:  runEndpoint,
}

func runEndpoint(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultFileName
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lm, err := logging.New("endpoint", cfg.Log)
	if err != nil {
		return err
	}
	defer lm.Close()
	log := lm.Logger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ep := endpoint.New(cfg, configPath, appVersion, lm)
	restart, err := ep.Run(ctx)
	switch {
	case restart != nil:
		log.Info().Str("reason", restart.Reason).Bool("use_watchdog", restart.UseWatchdog).Msg("restarting")
		return performRestart(cfg, restart)
	case errors.Is(err, endpoint.ErrEvicted):
		log.Warn().Msg("identity taken over by another endpoint, exiting")
		return err
	case errors.Is(err, context.Canceled):
		log.Info().Msg("endpoint stopped")
		return nil
	default:
		return err
	}
}

// performRestart hands control back per the restart protocol: under a
// watchdog, drop the sentinel and exit cleanly; standalone, re-exec.
func performRestart(cfg *config.Config, req *endpoint.RestartRequest) error {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	if req.UseWatchdog {
		return watchdog.WriteSentinel(wd, cfg.Watchdog.SentinelName, watchdog.Sentinel{
			Reason:      req.Reason,
			Argv:        os.Args,
			RequestedAt: time.Now().UTC(),
		})
	}
	return watchdog.ReExec(os.Args, wd)
}
