package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Manager struct {
	mu      sync.RWMutex
	state   State
	handle  *Handle
	loading *loadAttempt
	err     string
	modelID string

	adapter   InferenceAdapter
	publisher EventPublisher
	log       zerolog.Logger

	loads       atomic.Uint64
	generations atomic.Uint64
	startTime   time.Time

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
}

// New returns a Manager with default admission limits.
func New() *Manager { return NewWithConfig(ManagerConfig{}) }

// Ready reports whether a handle has been constructed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.handle != nil
}

// Handle returns the loaded handle, or nil before the first EnsureLoaded.
func (m *Manager) Handle() *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// SetEventPublisher installs a publisher; nil restores the no-op default.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

func (m *Manager) publish(name, modelID string, fields map[string]any) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	if fields == nil {
		fields = map[string]any{}
	}
	p.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}

// Loads is the number of handle constructions started by this manager.
func (m *Manager) Loads() uint64 { return m.loads.Load() }

// Close releases the runtime session. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.state = StateUnloaded
	m.mu.Unlock()
	if h == nil || h.session == nil {
		return nil
	}
	m.log.Info().Str("model", h.ModelID()).Msg("closing model handle")
	return h.session.Close()
}
