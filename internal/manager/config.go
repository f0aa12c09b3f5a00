package manager

import (
	"time"

	"github.com/rs/zerolog"

	"vlmd/internal/config"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	MaxQueueDepth int
	MaxWait       time.Duration
	// Adapter overrides the runtime selected from backend.mode.
	Adapter   InferenceAdapter
	Publisher EventPublisher
	Logger    zerolog.Logger
}

// ConfigFrom derives admission settings from the service configuration.
func ConfigFrom(cfg config.Config) ManagerConfig {
	return ManagerConfig{
		MaxQueueDepth: cfg.Server.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.Server.QueueWaitSeconds) * time.Second,
	}
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:     StateUnloaded,
		adapter:   cfg.Adapter,
		publisher: cfg.Publisher,
		log:       cfg.Logger,
		startTime: time.Now(),
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	return m
}
