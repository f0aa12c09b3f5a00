package manager

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"vlmd/internal/config"
)

// loadAttempt is the one-time barrier shared by concurrent EnsureLoaded
// callers. h and err are written before done is closed.
type loadAttempt struct {
	cfg  config.Config
	done chan struct{}
	h    *Handle
	err  error
}

// sameRuntime compares the parts of a configuration that shape the handle.
func sameRuntime(a, b config.Config) bool {
	return reflect.DeepEqual(a.Model, b.Model) &&
		reflect.DeepEqual(a.Backend, b.Backend) &&
		reflect.DeepEqual(a.Inference, b.Inference)
}

// EnsureLoaded returns the process-wide handle, constructing it on first use.
// Concurrent first callers share one construction. Later calls with the same
// configuration return the same handle; a different configuration fails with
// a configuration conflict and never reloads. A failed construction is
// reported to every caller waiting on it, and the next call tries again.
func (m *Manager) EnsureLoaded(ctx context.Context, cfg config.Config) (*Handle, error) {
	m.mu.Lock()
	if h := m.handle; h != nil {
		m.mu.Unlock()
		if !sameRuntime(h.cfg, cfg) {
			return nil, configurationConflictError{loaded: h.ModelID(), requested: cfg.Model.ModelID()}
		}
		return h, nil
	}
	a := m.loading
	if a == nil {
		a = &loadAttempt{cfg: cfg, done: make(chan struct{})}
		m.loading = a
		m.state = StateLoading
		m.err = ""
		m.modelID = cfg.Model.ModelID()
		m.mu.Unlock()
		// Construction outlives the caller's context; each waiter honors its own.
		go m.construct(context.WithoutCancel(ctx), a)
	} else {
		m.mu.Unlock()
		if !sameRuntime(a.cfg, cfg) {
			return nil, configurationConflictError{loaded: a.cfg.Model.ModelID(), requested: cfg.Model.ModelID()}
		}
	}

	select {
	case <-a.done:
		return a.h, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) construct(ctx context.Context, a *loadAttempt) {
	startTs := time.Now()
	modelID := a.cfg.Model.ModelID()
	n := m.loads.Add(1)
	m.log.Info().Str("model", modelID).Str("backend", a.cfg.Backend.Mode).Uint64("load", n).Msg("ensure start")
	m.publish("ensure_start", modelID, map[string]any{"backend": a.cfg.Backend.Mode})

	h, err := m.build(ctx, a.cfg)

	m.mu.Lock()
	m.loading = nil
	if err != nil {
		m.state = StateError
		m.err = err.Error()
	} else {
		m.handle = h
		m.state = StateReady
		m.err = ""
	}
	m.mu.Unlock()

	dur := int(time.Since(startTs) / time.Millisecond)
	if err != nil {
		m.log.Error().Err(err).Str("model", modelID).Int("dur_ms", dur).Msg("ensure failed")
		m.publish("ensure_error", modelID, map[string]any{"error": err.Error(), "dur_ms": dur})
	} else {
		m.log.Info().Str("model", modelID).Int("dur_ms", dur).Msg("ensure ready")
		m.publish("ensure_ready", modelID, map[string]any{"dur_ms": dur})
	}

	a.h, a.err = h, err
	close(a.done)
}

func (m *Manager) build(ctx context.Context, cfg config.Config) (*Handle, error) {
	adapter := m.adapter
	if adapter == nil {
		var err error
		if adapter, err = NewAdapter(cfg, m.log, forwardPublisher{m}); err != nil {
			return nil, err
		}
	}
	sess, err := adapter.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start %s runtime: %w", cfg.Backend.Mode, err)
	}
	return &Handle{
		m:        m,
		cfg:      cfg,
		session:  sess,
		loadedAt: time.Now(),
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, m.maxQueueDepth),
	}, nil
}
