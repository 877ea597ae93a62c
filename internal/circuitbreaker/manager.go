package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns the breakers of one process, one per upstream.
type Manager struct {
	breakers map[string]*CircuitBreaker
	defaults Config
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker called name. isFailure overrides the
// default classifier on first creation only.
func (m *Manager) GetOrCreate(name string, isFailure func(error) bool) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config := m.defaults
	config.Name = name
	if isFailure != nil {
		config.IsFailure = isFailure
	}
	breaker := New(config, m.logger)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    config.MaxFailures,
		"timeout":         config.Timeout.String(),
		"max_requests":    config.MaxRequests,
	}).Info("Circuit breaker created")

	return breaker
}

func (m *Manager) Get(name string) *CircuitBreaker {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.breakers[name]
}

// Snapshots returns every breaker's counters sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		out = append(out, breaker.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Reset(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if breaker, exists := m.breakers[name]; exists {
		breaker.Reset()
		m.logger.WithField("circuit_breaker", name).Info("Circuit breaker reset")
		return true
	}
	return false
}
