package manager

import (
	"fmt"

	"github.com/rs/zerolog"

	"vlmd/internal/config"
)

// NewAdapter selects the runtime named by backend.mode.
func NewAdapter(cfg config.Config, log zerolog.Logger, pub EventPublisher) (InferenceAdapter, error) {
	switch cfg.Backend.Mode {
	case config.BackendServer, "":
		return NewServerAdapter(log), nil
	case config.BackendSpawn:
		return NewSpawnAdapter(log, pub), nil
	case config.BackendLlama:
		return NewLlamaAdapter(log), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}
