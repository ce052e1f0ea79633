package connectivity

import (
	"sync"

	"github.com/fieldops/patrolsync/internal/records"
)

// Oracle answers whether the network is reachable and whether a sync attempt
// for a given record kind should run right now. A false ShouldAttempt is a
// deferral, never an error: the records stay pending with no retry penalty.
type Oracle interface {
	IsConnected() bool
	ShouldAttempt(kind records.Kind) bool
}

// Policy suppresses attempts for a kind independently of raw reachability,
// e.g. holding photo uploads on a metered connection.
type Policy func(kind records.Kind) bool

// Monitor is the default Oracle. Reachability is pushed in by the platform
// layer; policies are fixed at construction.
type Monitor struct {
	mu        sync.RWMutex
	connected bool
	policies  []Policy
}

// NewMonitor constructs a monitor that starts disconnected.
func NewMonitor(policies ...Policy) *Monitor {
	return &Monitor{policies: policies}
}

// SetConnected records the platform's current reachability verdict.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// IsConnected reports the last pushed reachability state.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ShouldAttempt reports whether a sync for the kind may run now.
func (m *Monitor) ShouldAttempt(kind records.Kind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return false
	}
	for _, policy := range m.policies {
		if !policy(kind) {
			return false
		}
	}
	return true
}
