package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vlmd/internal/config"
	"vlmd/internal/manager"
	"vlmd/internal/media"
	"vlmd/internal/tasks"
	"vlmd/internal/webhook"
	"vlmd/pkg/types"
)

// scriptAdapter replays a fixed token script.
type scriptAdapter struct {
	mu       sync.Mutex
	tokens   []string
	usage    types.Usage
	genErr   error
	startErr error
	// hold blocks Generate after the tokens until closed or canceled.
	hold    chan struct{}
	prompts []types.PromptSpec
}

func (a *scriptAdapter) Start(ctx context.Context, cfg config.Config) (manager.InferSession, error) {
	if a.startErr != nil {
		return nil, a.startErr
	}
	return &scriptSession{a: a}, nil
}

func (a *scriptAdapter) lastPrompt() types.PromptSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.prompts) == 0 {
		return types.PromptSpec{}
	}
	return a.prompts[len(a.prompts)-1]
}

type scriptSession struct{ a *scriptAdapter }

func (s *scriptSession) Generate(ctx context.Context, p types.PromptSpec, params manager.InferParams, onToken func(string) error) (manager.FinalResult, error) {
	s.a.mu.Lock()
	s.a.prompts = append(s.a.prompts, p)
	s.a.mu.Unlock()
	if s.a.genErr != nil {
		return manager.FinalResult{}, s.a.genErr
	}
	for _, t := range s.a.tokens {
		if err := onToken(t); err != nil {
			return manager.FinalResult{}, err
		}
	}
	if s.a.hold != nil {
		select {
		case <-s.a.hold:
		case <-ctx.Done():
			return manager.FinalResult{}, ctx.Err()
		}
	}
	return manager.FinalResult{Usage: s.a.usage, FinishReason: "stop"}, nil
}

func (s *scriptSession) Close() error { return nil }

// recorder collects webhook events.
type recorder struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (r *recorder) Notify(ev webhook.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// countingProvider wraps a manager and counts EnsureLoaded calls.
type countingProvider struct {
	m     *manager.Manager
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) EnsureLoaded(ctx context.Context, cfg config.Config) (*manager.Handle, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.m.EnsureLoaded(ctx, cfg)
}

func (p *countingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var errRuntime = errors.New("CUDA error: out of memory")

type fixture struct {
	o        *Orchestrator
	adapter  *scriptAdapter
	provider *countingProvider
	events   *recorder
	mgr      *manager.Manager
}

func newFixture(t *testing.T, a *scriptAdapter, opts ...Option) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.QueueWaitSeconds = 1
	mgr := manager.NewWithConfig(manager.ManagerConfig{Adapter: a, MaxWait: 200 * time.Millisecond, MaxQueueDepth: 1})
	t.Cleanup(func() { _ = mgr.Close() })
	p := &countingProvider{m: mgr}
	rec := &recorder{}
	opts = append([]Option{WithNotifier(rec)}, opts...)
	return &fixture{
		o:        New(tasks.NewDefaultRegistry(), p, cfg, opts...),
		adapter:  a,
		provider: p,
		events:   rec,
		mgr:      mgr,
	}
}

// stagedImage stages a temporary copy of a small image so tests can check
// that the orchestrator removes it.
func stagedImage(t *testing.T) (*media.Set, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.TempDir = t.TempDir()
	src := filepath.Join(t.TempDir(), "scan.png")
	if err := os.WriteFile(src, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(src)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	set := &media.Set{}
	if err := media.NewStager(cfg).AddUpload(set, types.MediaImage, "scan.png", f); err != nil {
		t.Fatal(err)
	}
	return set, set.Temps()[0]
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func ocrRequest(set *media.Set) Request {
	return Request{InferRequest: types.InferRequest{Task: "ocr", Image: "scan.png"}, Media: set, RequestID: "req-1"}
}
