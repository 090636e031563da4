// Package health runs registered component checks and reports per-component
// results for the /healthz endpoint.
package health

import (
	"sort"
	"sync"
	"time"

	"grid_engine/internal/core"
)

// Manager implements core.IHealthMonitor. Checks run on demand; the last
// result per component is kept so state transitions can be logged once
// instead of on every poll.
type Manager struct {
	logger core.ILogger

	mu     sync.Mutex
	checks map[string]func() error
	last   map[string]core.ComponentHealth

	now func() time.Time
}

// NewManager creates a health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{
		checks: make(map[string]func() error),
		last:   make(map[string]core.ComponentHealth),
		now:    time.Now,
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds a component check. Re-registering a name replaces the check
// and forgets the previous result.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
	delete(m.last, component)
}

// Snapshot runs every check and returns the per-component results.
func (m *Manager) Snapshot() map[string]core.ComponentHealth {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]core.ComponentHealth, len(names))
	for _, name := range names {
		m.mu.Lock()
		check, ok := m.checks[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		result := core.ComponentHealth{Healthy: true, CheckedAt: m.now()}
		if err := check(); err != nil {
			result.Healthy = false
			result.Detail = err.Error()
		}

		m.mu.Lock()
		prev, seen := m.last[name]
		m.last[name] = result
		m.mu.Unlock()

		if m.logger != nil {
			if !result.Healthy && (!seen || prev.Healthy) {
				m.logger.Warn("Component unhealthy", "check", name, "detail", result.Detail)
			}
			if result.Healthy && seen && !prev.Healthy {
				m.logger.Info("Component recovered", "check", name)
			}
		}
		out[name] = result
	}
	return out
}

// IsHealthy reports whether every registered component passes its check.
func (m *Manager) IsHealthy() bool {
	for _, result := range m.Snapshot() {
		if !result.Healthy {
			return false
		}
	}
	return true
}
