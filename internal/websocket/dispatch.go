package websocket

import (
	"fmt"
	"sync"

	"github.com/adi-253/echowire/internal/protocol"
)

// Listener handles one decoded envelope. A returned error is logged and does
// not stop later listeners.
type Listener func(env *protocol.Envelope) error

type listenerEntry struct {
	id int
	fn Listener
}

// registry holds listeners per kind in registration order.
type registry struct {
	mu     sync.RWMutex
	nextID int
	byKind map[protocol.Kind][]listenerEntry
}

func newRegistry() *registry {
	return &registry{byKind: make(map[protocol.Kind][]listenerEntry)}
}

func (r *registry) add(kind protocol.Kind, fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.byKind[kind] = append(r.byKind[kind], listenerEntry{id: id, fn: fn})

	return func() { r.remove(kind, id) }
}

func (r *registry) remove(kind protocol.Kind, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byKind[kind]
	for i, e := range entries {
		if e.id == id {
			r.byKind[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (r *registry) snapshot(kind protocol.Kind) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.byKind[kind]
	out := make([]Listener, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	r.byKind = make(map[protocol.Kind][]listenerEntry)
	r.mu.Unlock()
}

// dispatch decodes one frame and fans it out. Malformed frames are dropped.
func (m *Manager) dispatch(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.log.WithError(err).Warn("Dropping unparseable frame")
		return
	}

	listeners := m.listeners.snapshot(env.Kind)
	if len(listeners) == 0 {
		m.log.WithField("type", env.Type).Debug("No listener for frame")
		return
	}
	for _, fn := range listeners {
		m.invoke(env, fn)
	}
}

func (m *Manager) invoke(env *protocol.Envelope, fn Listener) {
	entry := m.log.WithField("kind", env.Kind.String())
	defer func() {
		if r := recover(); r != nil {
			entry.WithError(fmt.Errorf("panic: %v", r)).Error("Listener panicked")
		}
	}()

	if err := fn(env); err != nil {
		entry.WithError(err).Error("Listener failed")
	}
}
