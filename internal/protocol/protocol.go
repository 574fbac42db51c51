// Package protocol defines the wire message envelope exchanged between the
// coordinator and device agents, and its JSON codec.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies how a message payload should be interpreted.
type MessageType string

const (
	TypeHeartbeat MessageType = "heartbeat"
	TypeCommand   MessageType = "command"
	TypeData      MessageType = "data"
	TypeStatus    MessageType = "status"
	TypeError     MessageType = "error"
	TypeResponse  MessageType = "response"
)

// ServerID is the sentinel device id used for coordinator-originated
// error replies, which have no device of their own.
const ServerID = "server"

// timestampLayout is RFC 3339 with millisecond precision. Timestamps
// round-trip to the same instant at this precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed indicates a message that could not be decoded: not valid
// JSON, an unrecognized type, or a missing device id. Malformed messages
// are dropped; the codec never partially decodes.
var ErrMalformed = errors.New("malformed message")

// Message is the wire envelope. Payload is an open mapping; the codec does
// not validate its shape, each handler does via ParsePayload.
type Message struct {
	Type      MessageType    `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"-"`
	Payload   map[string]any `json:"payload"`
}

// wireMessage is the JSON shape with the timestamp as a formatted string.
type wireMessage struct {
	Type      MessageType    `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func validType(t MessageType) bool {
	switch t {
	case TypeHeartbeat, TypeCommand, TypeData, TypeStatus, TypeError, TypeResponse:
		return true
	}
	return false
}

// New constructs a message stamped with the current time.
func New(t MessageType, deviceID string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Type:      t,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Encode serializes a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	if !validType(m.Type) {
		return nil, fmt.Errorf("encode: unknown message type %q", m.Type)
	}
	if m.DeviceID == "" {
		return nil, fmt.Errorf("encode: empty device id")
	}
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(wireMessage{
		Type:      m.Type,
		DeviceID:  m.DeviceID,
		Timestamp: m.Timestamp.UTC().Format(timestampLayout),
		Payload:   payload,
	})
}

// Decode parses a JSON wire message. It returns ErrMalformed (wrapped with
// detail) when the bytes are not parseable, the type is unrecognized, or
// the device id is missing.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !validType(w.Type) {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	if w.DeviceID == "" {
		return Message{}, fmt.Errorf("%w: missing device_id", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, w.Timestamp)
	}
	payload := w.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		Type:      w.Type,
		DeviceID:  w.DeviceID,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// ParsePayload decodes the open payload mapping into a typed view.
func (m *Message) ParsePayload(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// HeartbeatPayload carries periodic device telemetry.
type HeartbeatPayload struct {
	Battery int `json:"battery"`
	Signal  int `json:"signal"`
}

// StatusPayload carries an explicit availability announcement.
type StatusPayload struct {
	Status string `json:"status"`
}

// CommandPayload carries a coordinator-issued instruction.
type CommandPayload struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// DataPayload carries arbitrary device-reported data.
type DataPayload struct {
	Data any `json:"data"`
}

// ErrorPayload carries an error description.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewHeartbeat builds a heartbeat message for a device.
func NewHeartbeat(deviceID string, battery, signal int) Message {
	return New(TypeHeartbeat, deviceID, map[string]any{
		"battery": battery,
		"signal":  signal,
	})
}

// NewStatus builds a status announcement for a device.
func NewStatus(deviceID, status string) Message {
	return New(TypeStatus, deviceID, map[string]any{"status": status})
}

// NewCommand builds a command message addressed to a device.
func NewCommand(deviceID, command string, params map[string]any) Message {
	if params == nil {
		params = map[string]any{}
	}
	return New(TypeCommand, deviceID, map[string]any{
		"command": command,
		"params":  params,
	})
}

// NewData builds a data message from a device.
func NewData(deviceID string, data any) Message {
	return New(TypeData, deviceID, map[string]any{"data": data})
}

// NewError builds an error message. The coordinator uses ServerID as the
// device id for its own error replies.
func NewError(deviceID, errMsg string) Message {
	return New(TypeError, deviceID, map[string]any{"error": errMsg})
}
