package analyzer

import (
	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/internal/syncutil"
	"github.com/mkolkebeck/bro/pkg/transport"
)

// ConsumerFactory returns the downstream consumers for a new connection
type ConsumerFactory func(id string) (PassThrough, Parser)

// Manager keeps one Analyzer per connection id. Statistics are shared by
// every analyzer it creates.
type Manager struct {
	analyzers map[string]*Analyzer
	mu        syncutil.RWMutex

	config  transport.Config
	stats   *transport.Statistics
	factory ConsumerFactory
	logger  logger.Logger
}

// NewManager creates a new analyzer manager. A nil factory gives every
// connection no-op consumers.
func NewManager(config transport.Config, factory ConsumerFactory, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if factory == nil {
		factory = func(string) (PassThrough, Parser) { return nil, nil }
	}

	return &Manager{
		analyzers: make(map[string]*Analyzer),
		config:    config,
		stats:     transport.NewStatistics(),
		factory:   factory,
		logger:    log,
	}
}

// GetOrCreate returns the analyzer for id, creating it on first use
func (m *Manager) GetOrCreate(id string) *Analyzer {
	m.mu.RLock()
	a, exists := m.analyzers[id]
	m.mu.RUnlock()
	if exists {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, exists = m.analyzers[id]; exists {
		return a
	}

	pass, parser := m.factory(id)
	a = New(id, m.config, m.stats, pass, parser, m.connLogger(id))
	m.analyzers[id] = a
	m.logger.Debug("Manager: Added analyzer %s", id)
	return a
}

// Get returns the analyzer for id
func (m *Manager) Get(id string) (*Analyzer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, exists := m.analyzers[id]
	return a, exists
}

// Remove ends the connection id and forgets its analyzer. It reports whether
// the connection was known.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	a, exists := m.analyzers[id]
	delete(m.analyzers, id)
	m.mu.Unlock()

	if !exists {
		return false
	}
	a.Done()
	m.logger.Debug("Manager: Removed analyzer %s", id)
	return true
}

// Close ends every connection
func (m *Manager) Close() {
	m.mu.Lock()
	analyzers := m.analyzers
	m.analyzers = make(map[string]*Analyzer)
	m.mu.Unlock()

	for _, a := range analyzers {
		a.Done()
	}
}

// Len returns the number of live connections
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.analyzers)
}

// Stats returns the statistics shared by all analyzers
func (m *Manager) Stats() *transport.Statistics {
	return m.stats
}

func (m *Manager) connLogger(id string) logger.Logger {
	if l, ok := m.logger.(*logger.DefaultLogger); ok {
		return l.WithField("conn", id)
	}
	return m.logger
}
