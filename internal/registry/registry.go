// Package registry tracks which device ids map to live transport sessions.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotConnected indicates the device has no live session. It is distinct
// from store.ErrDeviceNotFound: a registered device may simply be offline.
var ErrNotConnected = errors.New("device not connected")

// Session is the transport handle the coordinator routes outbound messages
// through. The registry does not depend on the transport implementation.
type Session interface {
	Send(data []byte) error
	Close() error
}

// Registry is the live mapping from device id to session. All operations
// are atomic with respect to each other; a reader never observes a
// half-updated mapping.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register maps a device id to a session, superseding any prior session
// for the same id. A reconnecting device wins over its stale connection
// without explicit eviction.
func (r *Registry) Register(deviceID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[deviceID] = session
}

// Unregister removes the mapping for a device id. No-op if absent.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, deviceID)
}

// Release removes the mapping only if the given session still holds it.
// Teardown of a superseded connection must not evict the replacement.
// It reports whether the mapping was removed.
func (r *Registry) Release(deviceID string, session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[deviceID] == session {
		delete(r.sessions, deviceID)
		return true
	}
	return false
}

// Resolve returns the live session for a device id, or ErrNotConnected.
func (r *Registry) Resolve(deviceID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[deviceID]
	if !ok {
		return nil, ErrNotConnected
	}
	return session, nil
}

// DeviceIDs returns the ids of all currently connected devices, sorted.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
