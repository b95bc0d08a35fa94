package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/protocol"
	"github.com/hubwire/hubwire/internal/transport"
)

var (
	adminTarget  string
	adminParams  string
	adminTimeout float64
)

var adminCmd = &cobra.Command{
	Use:   "admin <command>",
	Short: "Send one admin command to the hub and print the response",
	Long: `Sends a single command envelope over the admin surface. With --target,
the command is wrapped in forward_command and executed on the named
endpoint; without it, the command runs on the hub itself.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdmin,
}

func init() {
	adminCmd.Flags().StringVar(&adminTarget, "target", "", "Endpoint identity to forward the command to")
	adminCmd.Flags().StringVar(&adminParams, "params", "", "Command params as a JSON object")
	adminCmd.Flags().Float64Var(&adminTimeout, "timeout", 0, "Command timeout in seconds (0 = hub default)")
}

func runAdmin(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultFileName
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var params json.RawMessage
	if adminParams != "" {
		if !json.Valid([]byte(adminParams)) {
			return fmt.Errorf("--params must be valid JSON")
		}
		params = json.RawMessage(adminParams)
	}

	payload := protocol.CommandPayload{Command: args[0], Params: params}
	if adminTarget != "" {
		fw := protocol.ForwardPayload{
			TargetIdentity: adminTarget,
			InnerCommand:   args[0],
			InnerParams:    params,
		}
		if adminTimeout > 0 {
			fw.TimeoutS = &adminTimeout
		}
		raw, err := json.Marshal(fw)
		if err != nil {
			return err
		}
		payload = protocol.CommandPayload{Command: "forward_command", Params: raw}
	} else if adminTimeout > 0 {
		payload.TimeoutS = &adminTimeout
	}

	conn, err := transport.Dial(cfg.Endpoint.HubURL, cfg.Hub.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}
	defer conn.Close()

	env, err := protocol.New(protocol.TypeCommand, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return err
	}

	deadline := time.Now().Add(waitBudget(cfg, adminTimeout))
	for time.Now().Before(deadline) {
		reply, err := conn.ReadEnvelope()
		if err != nil {
			return err
		}
		if reply.Type != protocol.TypeResponse || reply.ID != env.ID {
			continue // welcome, heartbeats, unrelated traffic
		}
		var resp protocol.Response
		if err := reply.DecodePayload(&resp); err != nil {
			return err
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !resp.Success {
			os.Exit(1)
		}
		return nil
	}
	return fmt.Errorf("no response within deadline")
}

func waitBudget(cfg *config.Config, timeout float64) time.Duration {
	if timeout <= 0 {
		timeout = cfg.Command.DefaultTimeoutS
	}
	return time.Duration(timeout*float64(time.Second)) + cfg.Hub.Grace() + 5*time.Second
}
