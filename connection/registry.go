package connection

import (
	"context"
	"sync"

	"github.com/NeboLoop/chatsession-go-sdk/wire"
	"github.com/NeboLoop/chatsession-go-sdk/wsmanager"
)

// AgentKey is the registry key shared by every agent chat in the process.
const AgentKey = "agent"

// SocketManager is the shared managed websocket. *wsmanager.Manager
// implements it.
type SocketManager interface {
	Init(fetch wsmanager.FetchFunc) error
	SubscribeTopic(topic string)
	OnConnectionGain(fn func()) (unsubscribe func())
	OnConnectionLost(fn func(cause error)) (unsubscribe func())
	OnInitFailure(fn func(cause error)) (unsubscribe func())
	OnMessage(fn func(wire.Envelope)) (unsubscribe func())
	Connected() bool
	Send(ctx context.Context, env wire.Envelope) error
	Close()
}

var _ SocketManager = (*wsmanager.Manager)(nil)

type registryEntry struct {
	mgr      SocketManager
	refs     int
	external bool
}

// Registry hands out one SocketManager per key and closes it when the last
// holder releases it. Managers supplied by the caller are never closed.
type Registry struct {
	newManager func() SocketManager

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry creates a registry that builds managers with newManager.
func NewRegistry(newManager func() SocketManager) *Registry {
	return &Registry{newManager: newManager, entries: make(map[string]*registryEntry)}
}

// Acquire returns the manager for key, creating it on first use. fresh is
// true when the caller must Init it. A non-nil external manager is used in
// place of creating one.
func (r *Registry) Acquire(key string, external SocketManager) (mgr SocketManager, fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.mgr, false
	}
	e := &registryEntry{refs: 1}
	if external != nil {
		e.mgr, e.external = external, true
	} else {
		e.mgr = r.newManager()
		fresh = true
	}
	r.entries[key] = e
	return e.mgr, fresh
}

// Release drops one reference to key's manager.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if !e.external {
		e.mgr.Close()
	}
}

// Refs returns how many holders key has.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}
