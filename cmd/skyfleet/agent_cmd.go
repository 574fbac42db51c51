package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skyfleet/internal/agent"
	"skyfleet/internal/config"
)

var (
	agentDeviceID  string
	agentServerURL string
	agentHeartbeat time.Duration
	agentBattery   int
	agentSignal    int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a device agent",
	Long:  `Runs a device agent that connects to the coordinator, reports heartbeats, and executes commands. Without real hardware the agent simulates command execution.`,
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentDeviceID, "device", "", "Device ID (required)")
	agentCmd.Flags().StringVar(&agentServerURL, "server", "", "Coordinator websocket URL (overrides config)")
	agentCmd.Flags().DurationVar(&agentHeartbeat, "heartbeat", 0, "Heartbeat interval (overrides config)")
	agentCmd.Flags().IntVar(&agentBattery, "battery", 100, "Simulated battery level")
	agentCmd.Flags().IntVar(&agentSignal, "signal", 100, "Simulated signal strength")
	agentCmd.MarkFlagRequired("device")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}
	if agentServerURL == "" {
		agentServerURL = cfg.Agent.ServerURL
	}
	if agentHeartbeat == 0 {
		agentHeartbeat = cfg.Agent.HeartbeatInterval
	}

	log := newLogger(cfg.Log.Level)

	a, err := agent.New(log, agent.Config{
		DeviceID:          agentDeviceID,
		ServerURL:         agentServerURL,
		HeartbeatInterval: agentHeartbeat,
		Telemetry:         agent.StaticTelemetry{BatteryLevel: agentBattery, SignalLevel: agentSignal},
	})
	if err != nil {
		return err
	}

	// Simulated command handlers; real deployments register hardware hooks
	for _, command := range []string{"takeoff", "land", "return_home", "start_survey"} {
		command := command
		err := a.Handle(command, func(params map[string]any) (map[string]any, error) {
			log.Info().Str("command", command).Interface("params", params).Msg("simulating command")
			return map[string]any{"result": "ok"}, nil
		})
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent stopped: %w", err)
	}
	fmt.Fprintln(os.Stderr, "agent stopped")
	return nil
}
