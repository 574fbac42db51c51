package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeSession is a no-op session with an identity.
type fakeSession struct {
	id string
}

func (f *fakeSession) Send(data []byte) error { return nil }
func (f *fakeSession) Close() error           { return nil }

func TestRegisterResolve(t *testing.T) {
	r := New()
	h1 := &fakeSession{id: "h1"}

	r.Register("drone-01", h1)

	got, err := r.Resolve("drone-01")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != h1 {
		t.Error("Resolve returned wrong session")
	}
}

func TestRegister_LastWriterWins(t *testing.T) {
	r := New()
	h1 := &fakeSession{id: "h1"}
	h2 := &fakeSession{id: "h2"}

	r.Register("drone-01", h1)
	r.Register("drone-01", h2)

	got, err := r.Resolve("drone-01")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != h2 {
		t.Error("Expected the most recent session to win")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("drone-01", &fakeSession{id: "h1"})

	r.Unregister("drone-01")
	if _, err := r.Resolve("drone-01"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	// No-op when absent
	r.Unregister("drone-01")
}

func TestRelease_OnlyEvictsOwnSession(t *testing.T) {
	r := New()
	stale := &fakeSession{id: "stale"}
	fresh := &fakeSession{id: "fresh"}

	r.Register("drone-01", stale)
	r.Register("drone-01", fresh)

	// The stale connection's teardown must not evict the reconnect
	if r.Release("drone-01", stale) {
		t.Error("Release of superseded session should report false")
	}
	got, err := r.Resolve("drone-01")
	if err != nil || got != fresh {
		t.Errorf("Expected fresh session to survive, got %v, %v", got, err)
	}

	if !r.Release("drone-01", fresh) {
		t.Error("Release of current session should report true")
	}
	if _, err := r.Resolve("drone-01"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after release, got %v", err)
	}
}

func TestDeviceIDs(t *testing.T) {
	r := New()
	r.Register("b", &fakeSession{})
	r.Register("a", &fakeSession{})
	r.Register("c", &fakeSession{})

	ids := r.DeviceIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("Unexpected ids: %v", ids)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("drone-%02d", n%5)
			s := &fakeSession{id: id}
			r.Register(id, s)
			r.Resolve(id)
			r.Release(id, s)
		}(i)
	}
	wg.Wait()

	// All sessions either released or superseded; nothing corrupted
	for _, id := range r.DeviceIDs() {
		if _, err := r.Resolve(id); err != nil {
			t.Errorf("Resolve(%s) failed after concurrent access: %v", id, err)
		}
	}
}
