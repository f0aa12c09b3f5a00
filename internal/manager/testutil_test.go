package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vlmd/internal/config"
	"vlmd/pkg/types"
)

// fakeAdapter is a lightweight in-memory adapter used for tests.
type fakeAdapter struct {
	mu       sync.Mutex
	starts   int
	failNext int
	// gate, when set, blocks Start until closed.
	gate chan struct{}

	tokens []string
	final  FinalResult
	genErr error
	// hold, when set, blocks Generate after the tokens until closed or canceled.
	hold       chan struct{}
	lastParams InferParams
	closed     bool
}

var errStartFailed = errors.New("weights unreadable")

func (f *fakeAdapter) Start(ctx context.Context, cfg config.Config) (InferSession, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failNext > 0 {
		f.failNext--
		return nil, errStartFailed
	}
	return &fakeSession{f: f}, nil
}

func (f *fakeAdapter) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeAdapter) params() InferParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastParams
}

type fakeSession struct{ f *fakeAdapter }

func (s *fakeSession) Generate(ctx context.Context, prompt types.PromptSpec, params InferParams, onToken func(string) error) (FinalResult, error) {
	s.f.mu.Lock()
	s.f.lastParams = params
	s.f.mu.Unlock()
	if s.f.genErr != nil {
		return FinalResult{}, s.f.genErr
	}
	for _, t := range s.f.tokens {
		if err := ctx.Err(); err != nil {
			return FinalResult{}, err
		}
		if err := onToken(t); err != nil {
			return FinalResult{}, err
		}
	}
	if s.f.hold != nil {
		select {
		case <-s.f.hold:
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		}
	}
	return s.f.final, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closed = true
	s.f.mu.Unlock()
	return nil
}

func testConfig() config.Config {
	return config.Defaults()
}

// mustLoad builds a manager around fa and returns its handle.
func mustLoad(t *testing.T, fa *fakeAdapter, mc ManagerConfig) (*Manager, *Handle) {
	t.Helper()
	mc.Adapter = fa
	m := NewWithConfig(mc)
	h, err := m.EnsureLoaded(testCtx(t), testConfig())
	if err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}
	return m, h
}

// waitState polls until the manager reaches want.
func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().State != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.Snapshot().State, want)
		}
		time.Sleep(time.Millisecond)
	}
}

// createModelFile writes a small placeholder file and returns its path.
func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
