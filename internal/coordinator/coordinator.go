// Package coordinator accepts device agent sessions, demultiplexes their
// messages into the state stores, and routes outbound commands.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"skyfleet/internal/models"
	"skyfleet/internal/protocol"
	"skyfleet/internal/registry"
	"skyfleet/internal/store"
)

// Coordinator is the central communication manager. One instance is shared
// by all device connections; construct it explicitly and inject it where
// needed.
type Coordinator struct {
	log      zerolog.Logger
	store    *store.Store
	registry *registry.Registry
	events   *Bus
	upgrader websocket.Upgrader
}

// New creates a coordinator over the given store and registry.
func New(log zerolog.Logger, st *store.Store, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		log:      log.With().Str("component", "coordinator").Logger(),
		store:    st,
		registry: reg,
		events:   NewBus(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect directly, not from browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Events returns the coordinator's state-change event bus.
func (c *Coordinator) Events() *Bus {
	return c.events
}

// Registry returns the live connection registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Handler returns the HTTP handler that upgrades device connections.
func (c *Coordinator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		c.serveConn(conn)
	}
}

// serveConn runs one device connection through its lifecycle: awaiting
// identity, identified, closed. It returns when the transport closes.
func (c *Coordinator) serveConn(conn *websocket.Conn) {
	session := &wsSession{conn: conn}
	deviceID := "" // empty until the first valid message identifies the device

	stopPing := make(chan struct{})
	go c.pingLoop(session, stopPing)

	defer func() {
		close(stopPing)
		conn.Close()
		if deviceID == "" {
			return
		}
		// Teardown is mandatory on any close, expected or abrupt: release
		// the registry entry synchronously and mark the device offline.
		if c.registry.Release(deviceID, session) {
			if err := c.store.UpsertStatus(deviceID, models.DeviceStatusOffline, nil, nil); err != nil && !errors.Is(err, store.ErrDeviceNotFound) {
				c.log.Error().Err(err).Str("device", deviceID).Msg("failed to mark device offline")
			}
			c.events.Publish(Event{Type: EventDeviceOffline, DeviceID: deviceID})
			c.log.Info().Str("device", deviceID).Msg("device disconnected")
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Str("device", deviceID).Msg("connection closed abruptly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			// Drop the message, keep the connection
			c.log.Warn().Err(err).Str("device", deviceID).Msg("dropping malformed message")
			c.sendError(session, err.Error())
			continue
		}

		if deviceID == "" {
			deviceID = msg.DeviceID
			c.registry.Register(deviceID, session)
			if err := c.store.UpsertStatus(deviceID, models.DeviceStatusOnline, nil, nil); err != nil && !errors.Is(err, store.ErrDeviceNotFound) {
				c.log.Error().Err(err).Str("device", deviceID).Msg("failed to mark device online")
			}
			c.events.Publish(Event{Type: EventDeviceOnline, DeviceID: deviceID})
			c.log.Info().Str("device", deviceID).Str("remote", conn.RemoteAddr().String()).Msg("device connected")
		}

		c.dispatch(session, msg)
	}
}

// pingLoop keeps the transport alive with periodic pings until stopped.
func (c *Coordinator) pingLoop(session *wsSession, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := session.ping(); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded message to its type handler. Handler errors
// are logged and reported back to the device; they never tear down the
// connection.
func (c *Coordinator) dispatch(session *wsSession, msg protocol.Message) {
	var err error
	switch msg.Type {
	case protocol.TypeHeartbeat:
		err = c.handleHeartbeat(msg)
	case protocol.TypeStatus:
		err = c.handleStatus(msg)
	case protocol.TypeData:
		err = c.handleData(msg)
	case protocol.TypeError:
		err = c.handleError(msg)
	case protocol.TypeCommand:
		// Commands flow coordinator to device, not the reverse
		c.log.Warn().Str("device", msg.DeviceID).Msg("unexpected command message from device")
		err = c.store.AppendDeviceLog(msg.DeviceID, "protocol", "unexpected command message from device")
	case protocol.TypeResponse:
		c.log.Debug().Str("device", msg.DeviceID).Msg("ignoring response message")
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
	}
	if err != nil {
		c.log.Error().Err(err).Str("device", msg.DeviceID).Str("type", string(msg.Type)).Msg("message handling failed")
		c.sendError(session, fmt.Sprintf("%s handling failed: %v", msg.Type, err))
	}
}

// handleHeartbeat records the device online with fresh telemetry.
func (c *Coordinator) handleHeartbeat(msg protocol.Message) error {
	var hb protocol.HeartbeatPayload
	if err := msg.ParsePayload(&hb); err != nil {
		return fmt.Errorf("parse heartbeat payload: %w", err)
	}
	if err := c.store.UpsertStatus(msg.DeviceID, models.DeviceStatusOnline, &hb.Battery, &hb.Signal); err != nil {
		return err
	}
	c.events.Publish(Event{
		Type:     EventTelemetryUpdated,
		DeviceID: msg.DeviceID,
		Battery:  hb.Battery,
		Signal:   hb.Signal,
	})
	return nil
}

// handleStatus applies an explicit availability announcement.
func (c *Coordinator) handleStatus(msg protocol.Message) error {
	var st protocol.StatusPayload
	if err := msg.ParsePayload(&st); err != nil {
		return fmt.Errorf("parse status payload: %w", err)
	}
	// Only the known availability values may reach the store
	status := models.DeviceStatus(st.Status)
	switch status {
	case models.DeviceStatusOnline, models.DeviceStatusOffline:
	default:
		return fmt.Errorf("invalid status %q", st.Status)
	}
	return c.store.UpsertStatus(msg.DeviceID, status, nil, nil)
}

// handleData appends device-reported data to the device log.
func (c *Coordinator) handleData(msg protocol.Message) error {
	summary, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal data payload: %w", err)
	}
	return c.store.AppendDeviceLog(msg.DeviceID, "data", "received data: "+string(summary))
}

// handleError appends a device-reported error to the device log.
func (c *Coordinator) handleError(msg protocol.Message) error {
	var ep protocol.ErrorPayload
	if err := msg.ParsePayload(&ep); err != nil {
		return fmt.Errorf("parse error payload: %w", err)
	}
	return c.store.AppendDeviceLog(msg.DeviceID, "error", ep.Error)
}

// sendError replies with a coordinator-originated error message.
func (c *Coordinator) sendError(session *wsSession, errMsg string) {
	data, err := protocol.Encode(protocol.NewError(protocol.ServerID, errMsg))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode error reply")
		return
	}
	if err := session.Send(data); err != nil {
		c.log.Error().Err(err).Msg("failed to send error reply")
	}
}

// SendCommand transmits a fire-and-forget command to a connected device.
// It fails with registry.ErrNotConnected when the device has no live
// session; any outcome of the command arrives later as an independent
// data, status, or error message.
func (c *Coordinator) SendCommand(deviceID, command string, params map[string]any) error {
	session, err := c.registry.Resolve(deviceID)
	if err != nil {
		return err
	}

	data, err := protocol.Encode(protocol.NewCommand(deviceID, command, params))
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := session.Send(data); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	c.log.Info().Str("device", deviceID).Str("command", command).Msg("command sent")
	return nil
}

// Close closes every live device session. Their teardown paths unregister
// sessions and mark devices offline.
func (c *Coordinator) Close() {
	for _, id := range c.registry.DeviceIDs() {
		if session, err := c.registry.Resolve(id); err == nil {
			session.Close()
		}
	}
}
