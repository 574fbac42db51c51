package coordinator

import (
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"skyfleet/internal/models"
	"skyfleet/internal/protocol"
	"skyfleet/internal/registry"
	"skyfleet/internal/store"
)

type testHarness struct {
	store *store.Store
	reg   *registry.Registry
	coord *Coordinator
	srv   *httptest.Server
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "skyfleet.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New()
	coord := New(zerolog.Nop(), s, reg)

	srv := httptest.NewServer(coord.Handler())
	t.Cleanup(srv.Close)

	return &testHarness{store: s, reg: reg, coord: coord, srv: srv}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	return conn
}

func (h *testHarness) addDevice(t *testing.T, deviceID string) {
	t.Helper()
	if _, err := h.store.AddDevice(deviceID, "Test Drone", "quadcopter"); err != nil {
		t.Fatalf("Failed to add device: %v", err)
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

// waitFor polls until the condition holds or the timeout elapses. Message
// handling happens on the server's connection goroutine, so tests observe
// its effects asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHeartbeatUpdatesDevice(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewHeartbeat("drone-01", 87, 65))

	// Poll on the telemetry, which the heartbeat handler writes after the
	// identify path has already flipped the status.
	waitFor(t, "heartbeat to apply", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOnline && d.Battery == 87
	})

	d, err := h.store.GetDevice("drone-01")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d.Battery != 87 || d.Signal != 65 {
		t.Errorf("Expected battery=87 signal=65, got battery=%d signal=%d", d.Battery, d.Signal)
	}
	if d.LastOnline == nil {
		t.Error("Expected last_online to be set")
	}
	if _, err := h.reg.Resolve("drone-01"); err != nil {
		t.Errorf("Expected drone-01 to be registered, got %v", err)
	}
}

func TestDisconnectMarksOffline(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	sendMessage(t, conn, protocol.NewHeartbeat("drone-01", 90, 70))

	waitFor(t, "heartbeat to apply", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOnline && d.Battery == 90
	})

	// Abrupt close, no close handshake
	conn.Close()

	waitFor(t, "device to go offline", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOffline
	})

	if _, err := h.reg.Resolve("drone-01"); !errors.Is(err, registry.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after disconnect, got %v", err)
	}

	// Telemetry survives the offline transition
	d, err := h.store.GetDevice("drone-01")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d.Battery != 90 || d.Signal != 70 {
		t.Errorf("Expected telemetry preserved, got battery=%d signal=%d", d.Battery, d.Signal)
	}
}

func TestStatusMessage(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewStatus("drone-01", "online"))

	waitFor(t, "status to apply", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOnline
	})
}

func TestStatusMessage_RejectsUnknownStatus(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewStatus("drone-01", "online"))
	waitFor(t, "status to apply", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOnline
	})

	// Arbitrary strings must not reach the status column
	sendMessage(t, conn, protocol.NewStatus("drone-01", "rebooting"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected error reply, read failed: %v", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Type != protocol.TypeError || reply.DeviceID != protocol.ServerID {
		t.Errorf("Expected server error message, got %+v", reply)
	}

	d, err := h.store.GetDevice("drone-01")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d.Status != models.DeviceStatusOnline {
		t.Errorf("Expected status unchanged, got %q", d.Status)
	}
}

func TestDataMessageLogged(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewData("drone-01", map[string]any{"altitude": 120}))

	waitFor(t, "data log entry", func() bool {
		logs, err := h.store.RecentDeviceLogs("drone-01", 10)
		return err == nil && len(logs) == 1
	})

	logs, err := h.store.RecentDeviceLogs("drone-01", 10)
	if err != nil {
		t.Fatalf("RecentDeviceLogs failed: %v", err)
	}
	if logs[0].LogType != "data" {
		t.Errorf("Expected data log, got %q", logs[0].LogType)
	}
	if !strings.Contains(logs[0].Message, "altitude") {
		t.Errorf("Expected payload in log message, got %q", logs[0].Message)
	}
}

func TestErrorMessageLogged(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewError("drone-01", "motor 2 overheating"))

	waitFor(t, "error log entry", func() bool {
		logs, err := h.store.RecentDeviceLogs("drone-01", 10)
		return err == nil && len(logs) == 1
	})

	logs, _ := h.store.RecentDeviceLogs("drone-01", 10)
	if logs[0].LogType != "error" || logs[0].Message != "motor 2 overheating" {
		t.Errorf("Unexpected log entry: %+v", logs[0])
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}

	// The coordinator replies with an error message instead of closing
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected error reply, read failed: %v", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Type != protocol.TypeError || reply.DeviceID != protocol.ServerID {
		t.Errorf("Expected server error message, got %+v", reply)
	}

	// The connection is still usable
	sendMessage(t, conn, protocol.NewHeartbeat("drone-01", 50, 50))
	waitFor(t, "device to come online after malformed frame", func() bool {
		d, err := h.store.GetDevice("drone-01")
		return err == nil && d.Status == models.DeviceStatusOnline
	})
}

func TestSendCommand(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	conn := h.dial(t)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewHeartbeat("drone-01", 80, 60))
	waitFor(t, "device to register", func() bool {
		_, err := h.reg.Resolve("drone-01")
		return err == nil
	})

	if err := h.coord.SendCommand("drone-01", "takeoff", map[string]any{"altitude": 50}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read command: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode command: %v", err)
	}
	if msg.Type != protocol.TypeCommand {
		t.Fatalf("Expected command message, got %s", msg.Type)
	}
	var cmd protocol.CommandPayload
	if err := msg.ParsePayload(&cmd); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if cmd.Command != "takeoff" {
		t.Errorf("Expected takeoff command, got %q", cmd.Command)
	}
}

func TestSendCommand_NotConnected(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	err := h.coord.SendCommand("drone-01", "land", nil)
	if !errors.Is(err, registry.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	// The failed attempt leaves no trace in the stores
	d, getErr := h.store.GetDevice("drone-01")
	if getErr != nil {
		t.Fatalf("GetDevice failed: %v", getErr)
	}
	if d.Status != models.DeviceStatusOffline {
		t.Errorf("Expected device to remain offline, got %s", d.Status)
	}
	logs, _ := h.store.RecentDeviceLogs("drone-01", 10)
	if len(logs) != 0 {
		t.Errorf("Expected no device logs, got %d", len(logs))
	}
}

func TestReconnectSupersedesStaleSession(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	first := h.dial(t)
	sendMessage(t, first, protocol.NewHeartbeat("drone-01", 80, 60))
	waitFor(t, "first session to register", func() bool {
		_, err := h.reg.Resolve("drone-01")
		return err == nil
	})
	stale, _ := h.reg.Resolve("drone-01")

	second := h.dial(t)
	defer second.Close()
	sendMessage(t, second, protocol.NewHeartbeat("drone-01", 81, 61))
	waitFor(t, "second session to supersede", func() bool {
		s, err := h.reg.Resolve("drone-01")
		return err == nil && s != stale
	})

	// Stale teardown must not evict the reconnect or mark the device
	// offline.
	first.Close()
	time.Sleep(100 * time.Millisecond)

	if _, err := h.reg.Resolve("drone-01"); err != nil {
		t.Errorf("Expected fresh session to survive stale teardown, got %v", err)
	}
	d, err := h.store.GetDevice("drone-01")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if d.Status != models.DeviceStatusOnline {
		t.Errorf("Expected device to stay online, got %s", d.Status)
	}
}

func TestEventBus(t *testing.T) {
	h := newTestHarness(t)
	h.addDevice(t, "drone-01")

	events, cancel := h.coord.Events().Subscribe(16)
	defer cancel()

	conn := h.dial(t)
	sendMessage(t, conn, protocol.NewHeartbeat("drone-01", 75, 55))

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-deadline:
			t.Fatalf("Timed out waiting for events, got %d", len(got))
		}
	}

	if got[0].Type != EventDeviceOnline || got[0].DeviceID != "drone-01" {
		t.Errorf("Expected device_online first, got %+v", got[0])
	}
	if got[1].Type != EventTelemetryUpdated || got[1].Battery != 75 || got[1].Signal != 55 {
		t.Errorf("Expected telemetry event, got %+v", got[1])
	}

	conn.Close()
	select {
	case e := <-events:
		if e.Type != EventDeviceOffline {
			t.Errorf("Expected device_offline, got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for offline event")
	}
}

func TestUnknownDeviceHeartbeat(t *testing.T) {
	h := newTestHarness(t)

	conn := h.dial(t)
	defer conn.Close()

	// No AddDevice call; the heartbeat references an unknown device
	sendMessage(t, conn, protocol.NewHeartbeat("ghost-drone", 50, 50))

	// The connection registers but the store update fails and is reported
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Expected error reply, read failed: %v", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Type != protocol.TypeError {
		t.Errorf("Expected error message, got %s", reply.Type)
	}
}
