// Package connectivity tracks whether the commit API is reachable and
// notifies listeners on each real transition.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the current reachability state.
//
// Listeners run synchronously on the goroutine that called Set, in
// subscription order. Transitions are delivered one at a time in the order
// they were recorded, so the last edge a listener sees always matches
// IsOnline. Listeners must not call Set themselves.
//
// Thread-safety: Monitor is safe for concurrent use.
type Monitor struct {
	notifyMu  sync.Mutex // held across a transition and its delivery
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
	order     []int
	logger    *slog.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online:    initial,
		listeners: make(map[int]func(bool)),
		logger:    logger,
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for state transitions. The returned function
// unsubscribes; calling it more than once is harmless.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Set records a new observation of reachability. Listeners fire only when
// the state actually changes.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}
