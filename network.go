package bizsync

import (
	"sync"
)

// ============================================================================
// Network Monitor
// ============================================================================

// NetworkEvent is emitted on a connectivity transition.
type NetworkEvent string

const (
	EventOnline  NetworkEvent = "online"
	EventOffline NetworkEvent = "offline"
)

// NetworkHandler receives connectivity transitions.
type NetworkHandler func(event NetworkEvent)

// NetworkMonitor tracks connectivity. It never polls: a platform signal
// (or a ConnectivityWatcher) pushes state through SetOnline.
type NetworkMonitor struct {
	mu       sync.RWMutex
	online   bool
	nextID   int
	handlers map[int]NetworkHandler
}

// NewNetworkMonitor starts from the connectivity snapshot taken at init.
func NewNetworkMonitor(online bool) *NetworkMonitor {
	return &NetworkMonitor{
		online:   online,
		handlers: make(map[int]NetworkHandler),
	}
}

// IsOnline returns the current state.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the platform signal. Only transitions are emitted.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]NetworkHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	event := EventOffline
	if online {
		event = EventOnline
	}
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a failing subscriber must not block the others
			h(event)
		}()
	}
}

// Subscribe registers h and returns the function that releases it.
// Owners must call it on teardown; calling it twice is a no-op.
func (m *NetworkMonitor) Subscribe(h NetworkHandler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (m *NetworkMonitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}
