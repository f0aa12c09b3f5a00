package manager

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStatus_BeforeLoad(t *testing.T) {
	m := New()
	st := m.Status()
	if st.State != string(StateUnloaded) || st.Backend != "" || st.LoadsTotal != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.MaxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("max queue depth = %d", st.MaxQueueDepth)
	}
}

func TestStatus_WhileLoadingAndReady(t *testing.T) {
	fa := &fakeAdapter{gate: make(chan struct{})}
	m := NewWithConfig(ManagerConfig{Adapter: fa, MaxQueueDepth: 5})
	ctx := testCtx(t)
	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureLoaded(ctx, testConfig())
		done <- err
	}()
	waitState(t, m, StateLoading)
	st := m.Status()
	if st.Backend != "server" || st.Model != testConfig().Model.ModelID() {
		t.Fatalf("loading status: %+v", st)
	}
	close(fa.gate)
	if err := <-done; err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}

	st = m.Status()
	want := testConfig().Model.EstimatedVRAMGB()
	if st.State != "ready" || st.EstimatedVRAMGB != want || st.MaxQueueDepth != 5 || st.LoadsTotal != 1 {
		t.Fatalf("ready status: %+v (want vram %v)", st, want)
	}
	if st.ServerTimeUnix == 0 {
		t.Fatalf("server time missing")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxQueueDepth = 7
	cfg.Server.QueueWaitSeconds = 3
	mc := ConfigFrom(cfg)
	if mc.MaxQueueDepth != 7 || mc.MaxWait != 3*time.Second {
		t.Fatalf("ConfigFrom = %+v", mc)
	}
	m := NewWithConfig(ManagerConfig{})
	if m.maxQueueDepth != defaultMaxQueueDepth || m.maxWait != defaultMaxWait {
		t.Fatalf("defaults not applied: depth=%d wait=%s", m.maxQueueDepth, m.maxWait)
	}
}

func TestNewAdapter_SelectsByMode(t *testing.T) {
	cfg := testConfig()
	for mode, check := range map[string]func(InferenceAdapter) bool{
		"server": func(a InferenceAdapter) bool { _, ok := a.(*serverAdapter); return ok },
		"spawn":  func(a InferenceAdapter) bool { _, ok := a.(*spawnAdapter); return ok },
		"llama":  func(a InferenceAdapter) bool { _, ok := a.(*llamaAdapter); return ok },
	} {
		cfg.Backend.Mode = mode
		a, err := NewAdapter(cfg, zerolog.Nop(), nil)
		if err != nil || !check(a) {
			t.Fatalf("mode %s: adapter %T err %v", mode, a, err)
		}
	}
	cfg.Backend.Mode = "tpu"
	if _, err := NewAdapter(cfg, zerolog.Nop(), nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestErrorStatusCodes(t *testing.T) {
	type coded interface{ StatusCode() int }
	cases := []struct {
		err  error
		is   func(error) bool
		code int
	}{
		{tooBusyError{modelID: "m"}, IsTooBusy, http.StatusTooManyRequests},
		{configurationConflictError{loaded: "a", requested: "b"}, IsConfigurationConflict, http.StatusConflict},
		{ErrDependencyUnavailable("no llama"), IsDependencyUnavailable, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("outer: %w", c.err)
		if !c.is(wrapped) {
			t.Fatalf("%T not detected through wrapping", c.err)
		}
		if got := c.err.(coded).StatusCode(); got != c.code {
			t.Fatalf("%T status = %d, want %d", c.err, got, c.code)
		}
	}
}
