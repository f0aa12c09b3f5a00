package manager

import (
	"time"

	"vlmd/internal/config"
)

// State represents the lifecycle state of the model handle.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Handle is the loaded runtime session and the configuration it was built
// from. At most one Handle exists per Manager.
type Handle struct {
	m        *Manager
	cfg      config.Config
	session  InferSession
	loadedAt time.Time
	// Queueing primitives
	genCh   chan struct{} // size 1: single in-flight generation
	queueCh chan struct{} // buffered: queue slots
}

// Config returns the configuration the handle was built from.
func (h *Handle) Config() config.Config { return h.cfg }

// ModelID returns the model identifier of the handle.
func (h *Handle) ModelID() string { return h.cfg.Model.ModelID() }

// LoadedAt reports when construction finished.
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State   State
	ModelID string
	Err     string
}
