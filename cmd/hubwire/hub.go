package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/hub"
	"github.com/hubwire/hubwire/internal/logging"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the central hub server",
	RunE:  runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultFileName
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lm, err := logging.New("hub", cfg.Log)
	if err != nil {
		return err
	}
	defer lm.Close()
	log := lm.Logger("main")

	h := hub.New(cfg, lm)
	if err := h.Start(); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Stop(ctx)
}
