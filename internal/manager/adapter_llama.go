//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"vlmd/internal/config"
	"vlmd/internal/registry"
	"vlmd/pkg/types"
)

// llamaAdapter loads GGUF weights in-process through go-llama.cpp. The
// binding has no multimodal projector support, so prompts carrying media
// are rejected.
type llamaAdapter struct {
	log zerolog.Logger
}

// NewLlamaAdapter returns the adapter used by backend.mode=llama.
func NewLlamaAdapter(log zerolog.Logger) InferenceAdapter {
	return &llamaAdapter{log: log}
}

type llamaSession struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (a *llamaAdapter) Start(ctx context.Context, cfg config.Config) (InferSession, error) {
	w, err := registry.Resolve(cfg.Model.LocalPath)
	if err != nil {
		return nil, err
	}
	opts := []llama.ModelOption{llama.SetContext(cfg.Backend.ContextSize)}
	if cfg.Backend.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(cfg.Backend.GPULayers))
	}
	m, err := llama.New(w.Model, opts...)
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("model", w.Model).Int("ctx", cfg.Backend.ContextSize).Msg("llama model loaded")
	return &llamaSession{model: m, threads: cfg.Backend.Threads}, nil
}

func (s *llamaSession) Generate(ctx context.Context, p types.PromptSpec, params InferParams, onToken func(string) error) (FinalResult, error) {
	if p.HasMedia() {
		return FinalResult{}, ErrDependencyUnavailable("in-process llama runtime cannot read images or video; use backend mode spawn or server")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}

	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	text, err := s.model.Predict(chatTemplate(p), predictOptions(params, s.threads)...)
	if ctx.Err() != nil {
		return FinalResult{}, ctx.Err()
	}
	if cbErr != nil {
		return FinalResult{}, cbErr
	}
	if err != nil {
		return FinalResult{}, err
	}
	// go-llama.cpp does not report token counts.
	return FinalResult{Content: text, FinishReason: "stop"}, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// chatTemplate renders the ChatML layout used by Qwen models.
func chatTemplate(p types.PromptSpec) string {
	var b strings.Builder
	if p.System != "" {
		b.WriteString("<|im_start|>system\n" + p.System + "<|im_end|>\n")
	}
	b.WriteString("<|im_start|>user\n" + p.User + "<|im_end|>\n<|im_start|>assistant\n")
	return b.String()
}

func predictOptions(params InferParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, params.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(float32(params.TopP)),
		llama.SetTemperature(float32(params.Temperature)),
	}
	stop := append([]string{"<|im_end|>"}, params.Stop...)
	return append(po, llama.SetStopWords(stop...))
}
