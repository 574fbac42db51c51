// Package agent implements the device-side runtime: it holds the outbound
// connection to the coordinator, reports heartbeats, and executes commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"skyfleet/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	defaultHeartbeat = 30 * time.Second
)

// ErrNotRunning indicates the agent has no live connection to send over.
var ErrNotRunning = errors.New("agent not running")

// TelemetrySource supplies the readings reported in each heartbeat. Real
// deployments back this with hardware; tests and simulations use
// StaticTelemetry.
type TelemetrySource interface {
	Battery() int
	Signal() int
}

// StaticTelemetry is a TelemetrySource with fixed readings.
type StaticTelemetry struct {
	BatteryLevel int
	SignalLevel  int
}

func (s StaticTelemetry) Battery() int { return s.BatteryLevel }
func (s StaticTelemetry) Signal() int  { return s.SignalLevel }

// CommandHandler executes one named command. The returned map is reported
// back to the coordinator as a data message; a returned error is reported
// as an error message. Either way the connection stays up.
type CommandHandler func(params map[string]any) (map[string]any, error)

// Config holds the agent's connection parameters.
type Config struct {
	DeviceID          string
	ServerURL         string
	HeartbeatInterval time.Duration
	Telemetry         TelemetrySource
}

// Agent is a single device's connection to the coordinator.
type Agent struct {
	log       zerolog.Logger
	cfg       Config
	handlers  map[string]CommandHandler
	handlerMu sync.RWMutex

	// writeMu serializes frame writes; the websocket allows one writer.
	writeMu sync.Mutex
	conn    *websocket.Conn
	connMu  sync.Mutex
}

// New creates an agent. Register command handlers before calling Run.
func New(log zerolog.Logger, cfg Config) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("device id required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server url required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = StaticTelemetry{BatteryLevel: 100, SignalLevel: 100}
	}
	return &Agent{
		log:      log.With().Str("component", "agent").Str("device", cfg.DeviceID).Logger(),
		cfg:      cfg,
		handlers: make(map[string]CommandHandler),
	}, nil
}

// Handle registers the handler for a named command. Registration is
// validated up front: a nil handler or a duplicate name is a programming
// error surfaced immediately rather than at dispatch time.
func (a *Agent) Handle(command string, h CommandHandler) error {
	if command == "" {
		return errors.New("command name required")
	}
	if h == nil {
		return fmt.Errorf("nil handler for command %s", command)
	}
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	if _, exists := a.handlers[command]; exists {
		return fmt.Errorf("handler already registered for command %s", command)
	}
	a.handlers[command] = h
	return nil
}

// Run connects to the coordinator and processes messages until the context
// is cancelled or the connection fails. The first frame sent is a status
// announcement, which also identifies the device to the coordinator.
func (a *Agent) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	a.setConn(conn)

	// connCtx bounds everything spawned for this connection. It ends when
	// the read loop returns, so a redial never inherits a previous
	// connection's heartbeat loop or close watcher.
	connCtx, connCancel := context.WithCancel(ctx)
	defer func() {
		connCancel()
		a.setConn(nil)
		conn.Close()
	}()

	conn.SetPingHandler(func(appData string) error {
		a.writeMu.Lock()
		defer a.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	if err := a.send(protocol.NewStatus(a.cfg.DeviceID, "online")); err != nil {
		return fmt.Errorf("announce status: %w", err)
	}
	a.log.Info().Str("server", a.cfg.ServerURL).Msg("connected to coordinator")

	go a.heartbeatLoop(connCtx)
	go func() {
		<-connCtx.Done()
		if ctx.Err() == nil {
			// The connection itself died; the read loop is already
			// returning and there is nothing left to close cleanly.
			return
		}
		// Orderly disconnect: announce offline, then close the transport.
		a.send(protocol.NewStatus(a.cfg.DeviceID, "offline"))
		a.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		a.writeMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed message from coordinator")
			continue
		}

		switch msg.Type {
		case protocol.TypeCommand:
			a.handleCommand(msg)
		case protocol.TypeError:
			var ep protocol.ErrorPayload
			if err := msg.ParsePayload(&ep); err == nil {
				a.log.Warn().Str("error", ep.Error).Msg("coordinator reported error")
			}
		default:
			a.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}
	}
}

// heartbeatLoop reports telemetry at the configured interval until its
// connection's context ends or a send fails.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.NewHeartbeat(a.cfg.DeviceID, a.cfg.Telemetry.Battery(), a.cfg.Telemetry.Signal())
			if err := a.send(hb); err != nil {
				a.log.Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

// handleCommand looks up and executes a command handler, reporting the
// result or failure back to the coordinator.
func (a *Agent) handleCommand(msg protocol.Message) {
	var cmd protocol.CommandPayload
	if err := msg.ParsePayload(&cmd); err != nil {
		a.log.Warn().Err(err).Msg("malformed command payload")
		a.reportError(fmt.Sprintf("malformed command payload: %v", err))
		return
	}

	a.handlerMu.RLock()
	handler, ok := a.handlers[cmd.Command]
	a.handlerMu.RUnlock()
	if !ok {
		a.log.Warn().Str("command", cmd.Command).Msg("no handler for command")
		a.reportError(fmt.Sprintf("unknown command: %s", cmd.Command))
		return
	}

	a.log.Info().Str("command", cmd.Command).Msg("executing command")
	result, err := handler(cmd.Params)
	if err != nil {
		a.log.Error().Err(err).Str("command", cmd.Command).Msg("command failed")
		a.reportError(fmt.Sprintf("command %s failed: %v", cmd.Command, err))
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	result["command"] = cmd.Command
	if err := a.send(protocol.NewData(a.cfg.DeviceID, result)); err != nil {
		a.log.Warn().Err(err).Msg("failed to report command result")
	}
}

// SendData reports a data payload to the coordinator.
func (a *Agent) SendData(data map[string]any) error {
	return a.send(protocol.NewData(a.cfg.DeviceID, data))
}

// ReportStatus announces an availability change to the coordinator.
func (a *Agent) ReportStatus(status string) error {
	return a.send(protocol.NewStatus(a.cfg.DeviceID, status))
}

func (a *Agent) reportError(errMsg string) {
	if err := a.send(protocol.NewError(a.cfg.DeviceID, errMsg)); err != nil {
		a.log.Warn().Err(err).Msg("failed to report error")
	}
}

func (a *Agent) send(msg protocol.Message) error {
	conn := a.currentConn()
	if conn == nil {
		return ErrNotRunning
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conn = conn
}

func (a *Agent) currentConn() *websocket.Conn {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}
