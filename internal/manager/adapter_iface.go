package manager

import (
	"context"

	"vlmd/internal/config"
	"vlmd/pkg/types"
)

// InferenceAdapter abstracts the model runtime used by the Manager.
type InferenceAdapter interface {
	// Start prepares a session for the configured model. It is called once
	// per handle construction.
	Start(ctx context.Context, cfg config.Config) (InferSession, error)
}

// InferSession is a started runtime shared by all generations of a handle.
type InferSession interface {
	// Generate streams text fragments for the prompt through onToken.
	// Implementations must return when the context is canceled and stop
	// when onToken returns an error.
	Generate(ctx context.Context, prompt types.PromptSpec, params InferParams, onToken func(string) error) (FinalResult, error)
	// Close releases any resources associated with the session.
	Close() error
}

// InferParams captures generation parameters passed to the adapter.
type InferParams struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
	// Vision preprocessing bounds, forwarded to runtimes that accept them.
	MinPixels   int
	MaxPixels   int
	TotalPixels int
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        types.Usage
	FinishReason string
}
