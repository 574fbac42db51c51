package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		NewHeartbeat("drone-01", 80, 90),
		NewStatus("drone-01", "online"),
		NewCommand("drone-02", "takeoff", map[string]any{"altitude": 50}),
		NewData("drone-03", map[string]any{"lat": 51.5, "lon": -0.1}),
		NewError(ServerID, "message handling error"),
	}

	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", m.Type, err)
		}

		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", m.Type, err)
		}

		if got.Type != m.Type {
			t.Errorf("Type: expected %s, got %s", m.Type, got.Type)
		}
		if got.DeviceID != m.DeviceID {
			t.Errorf("DeviceID: expected %s, got %s", m.DeviceID, got.DeviceID)
		}
		// Timestamps round-trip at millisecond precision.
		want := m.Timestamp.Truncate(time.Millisecond)
		if !got.Timestamp.Equal(want) {
			t.Errorf("Timestamp: expected %v, got %v", want, got.Timestamp)
		}
	}
}

func TestRoundTripPayload(t *testing.T) {
	m := NewHeartbeat("drone-07", 42, 73)
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var hb HeartbeatPayload
	if err := got.ParsePayload(&hb); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if hb.Battery != 42 || hb.Signal != 73 {
		t.Errorf("Expected battery=42 signal=73, got battery=%d signal=%d", hb.Battery, hb.Signal)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "this is not json"},
		{"unknown type", `{"type":"teleport","device_id":"d1","timestamp":"2024-01-02T03:04:05.000Z","payload":{}}`},
		{"missing device_id", `{"type":"heartbeat","timestamp":"2024-01-02T03:04:05.000Z","payload":{}}`},
		{"bad timestamp", `{"type":"heartbeat","device_id":"d1","timestamp":"yesterday","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeNilPayload(t *testing.T) {
	got, err := Decode([]byte(`{"type":"status","device_id":"d1","timestamp":"2024-01-02T03:04:05.000Z","payload":null}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Payload == nil {
		t.Error("Expected non-nil payload map")
	}
}

func TestEncodeRejectsEmptyDeviceID(t *testing.T) {
	m := New(TypeStatus, "", nil)
	if _, err := Encode(m); err == nil {
		t.Error("Expected error for empty device id")
	}
}

func TestCommandPayloadShape(t *testing.T) {
	m := NewCommand("drone-01", "goto", map[string]any{"lat": 1.0, "lon": 2.0})
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(data), `"command":"goto"`) {
		t.Errorf("Wire form missing command field: %s", data)
	}

	got, _ := Decode(data)
	var cmd CommandPayload
	if err := got.ParsePayload(&cmd); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if cmd.Command != "goto" {
		t.Errorf("Expected command goto, got %s", cmd.Command)
	}
	if cmd.Params["lat"] != 1.0 {
		t.Errorf("Expected lat=1.0, got %v", cmd.Params["lat"])
	}
}
