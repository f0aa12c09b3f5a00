//go:build !llama

package manager

import (
	"context"

	"github.com/rs/zerolog"

	"vlmd/internal/config"
)

// llamaAdapter is compiled without the 'llama' build tag. It keeps default
// builds CGO-free and reports the runtime as unavailable.
type llamaAdapter struct {
	log zerolog.Logger
}

// NewLlamaAdapter returns the adapter used by backend.mode=llama.
func NewLlamaAdapter(log zerolog.Logger) InferenceAdapter {
	return &llamaAdapter{log: log}
}

func (a *llamaAdapter) Start(ctx context.Context, cfg config.Config) (InferSession, error) {
	a.log.Warn().Str("model", cfg.Model.LocalPath).Msg("llama backend requested but binary built without -tags=llama")
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
