package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vlmd/internal/config"
	"vlmd/internal/httpapi"
	"vlmd/internal/service"
)

// modelServer is an OpenAI-compatible stub streaming a fixed reply. When
// hold is set each completion blocks until it is closed.
type modelServer struct {
	*httptest.Server
	frags   []string
	hold    chan struct{}
	entered chan struct{}

	mu    sync.Mutex
	calls int
}

func newModelServer(t *testing.T, frags ...string) *modelServer {
	t.Helper()
	ms := &modelServer{frags: frags, entered: make(chan struct{}, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"qwen","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		ms.mu.Lock()
		ms.calls++
		ms.mu.Unlock()
		select {
		case ms.entered <- struct{}{}:
		default:
		}
		if ms.hold != nil {
			select {
			case <-ms.hold:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, frag := range ms.frags {
			choice := map[string]any{"index": 0, "delta": map[string]string{"content": frag}}
			if i == len(ms.frags)-1 {
				choice["finish_reason"] = "stop"
			}
			writeEvent(w, map[string]any{"choices": []any{choice}})
		}
		writeEvent(w, map[string]any{
			"choices": []any{},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": len(ms.frags), "total_tokens": 10 + len(ms.frags)},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	ms.Server = httptest.NewServer(mux)
	t.Cleanup(ms.Close)
	return ms
}

func writeEvent(w io.Writer, chunk map[string]any) {
	chunk["id"] = "chatcmpl-e2e"
	chunk["object"] = "chat.completion.chunk"
	chunk["created"] = 1
	chunk["model"] = "qwen"
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func (ms *modelServer) Calls() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.calls
}

// hookSink records the event types posted to it.
type hookSink struct {
	*httptest.Server
	mu     sync.Mutex
	events []string
}

func newHookSink(t *testing.T) *hookSink {
	t.Helper()
	hs := &hookSink{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			EventType string `json:"event_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&p)
		hs.mu.Lock()
		hs.events = append(hs.events, p.EventType)
		hs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookSink) Events() []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]string(nil), hs.events...)
}

func (hs *hookSink) Has(event string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, e := range hs.events {
		if e == event {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, ms *modelServer) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Backend.BaseURL = ms.URL + "/v1"
	cfg.Backend.ServedModel = "qwen"
	cfg.Storage.TempDir = t.TempDir()
	cfg.Server.QueueWaitSeconds = 1
	return cfg
}

// newServer wires the full service behind the HTTP API.
func newServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	svc, err := service.New(cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return srv
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("\x89PNG fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
