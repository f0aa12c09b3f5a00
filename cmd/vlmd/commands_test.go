package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"vlmd/internal/config"
	"vlmd/pkg/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTasksCommand(t *testing.T) {
	out, err := run(t, "tasks")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "TASK"))
	assert.Contains(t, out, "ocr")

	out, err = run(t, "tasks", "--json")
	require.NoError(t, err)
	var resp types.TasksResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Tasks)
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Setenv("VLMD_BACKEND_API_KEY", "sk-live-123")
	t.Setenv("VLMD_PORT", "9001")

	out, err := run(t, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-live-123")
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, redacted, cfg.Backend.APIKey)

	out, err = run(t, "config", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "sk-live-123")
}

func TestConfigCommandReadsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "vlmd.yaml")
	require.NoError(t, os.WriteFile(p, []byte("batch:\n  workers: 5\n"), 0o644))
	out, err := run(t, "--config", p, "config")
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 5, cfg.Batch.Workers)
}

func TestRedactLeavesInputUntouched(t *testing.T) {
	cfg := config.Defaults()
	cfg.Webhooks = []config.WebhookConfig{{ID: "a", URL: "http://x", Secret: "s3cret"}}
	got := redact(cfg)
	assert.Equal(t, redacted, got.Webhooks[0].Secret)
	assert.Equal(t, "s3cret", cfg.Webhooks[0].Secret)
	assert.Empty(t, got.Backend.APIKey)
}

func TestImageFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.PNG", "a.jpg", "notes.txt", "clip.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	files, err := imageFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), files[0])
	assert.Equal(t, filepath.Join(dir, "b.PNG"), files[1])
}

// fakeBatchServer accepts one job and reports it finished after polls
// GET requests.
type fakeBatchServer struct {
	mu    sync.Mutex
	items []types.InferRequest
	gets  int
	polls int
}

func (f *fakeBatchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/batch":
		var req types.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "batch has no items", Code: 400})
			return
		}
		f.items = req.Items
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(types.BatchSubmitResponse{JobID: "job-1"})
	case r.Method == http.MethodGet && r.URL.Path == "/batch/job-1":
		f.gets++
		job := types.BatchJobResponse{ID: "job-1", Status: "processing", Total: len(f.items)}
		if f.gets >= f.polls {
			job.Status = "completed"
			job.Processed = job.Total
			job.Progress = 100
			for i, it := range f.items {
				job.Items = append(job.Items, types.BatchItemStatus{Index: i, Task: it.Task, Status: "completed"})
			}
		}
		_ = json.NewEncoder(w).Encode(job)
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "batch job not found", Code: 404})
	}
}

func TestBatchCommandSubmitsAndFollows(t *testing.T) {
	fake := &fakeBatchServer{polls: 3}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dir := t.TempDir()
	for _, n := range []string{"p1.png", "p2.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
	out, err := run(t, "batch", "--server", srv.URL, "--task", "layout", "--interval", "5ms", "--option", "mode=fast", dir)
	require.NoError(t, err)

	var job types.BatchJobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 2, job.Processed)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.items, 2)
	assert.Equal(t, "layout", fake.items[0].Task)
	assert.Equal(t, "fast", fake.items[0].Option("mode"))
	assert.Equal(t, 3, fake.gets)
}

func TestBatchCommandNoWait(t *testing.T) {
	fake := &fakeBatchServer{polls: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.jpg"), []byte("x"), 0o644))

	out, err := run(t, "batch", "--server", srv.URL, "--no-wait", dir)
	require.NoError(t, err)
	assert.Equal(t, "job-1\n", out)
	assert.Zero(t, fake.gets)
}

func TestBatchClientReportsServerError(t *testing.T) {
	fake := &fakeBatchServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newBatchClient(srv.URL)
	_, err := c.get(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch job not found (404)")

	_, err = c.submit(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no items")
}

func TestBatchCommandEmptyDir(t *testing.T) {
	_, err := run(t, "batch", "--server", "http://127.0.0.1:1", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accepted images")
}

func TestBatchCommandExportCSV(t *testing.T) {
	fake := &fakeBatchServer{polls: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.jpg"), []byte("x"), 0o644))

	out, err := run(t, "batch", "--server", srv.URL, "--interval", "5ms", "--export", "csv", dir)
	require.NoError(t, err)
	assert.Equal(t, "index,task,status,error\n0,ocr,completed,\n", out)
}

func TestExportFlagValidatedFirst(t *testing.T) {
	fake := &fakeBatchServer{polls: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.jpg"), []byte("x"), 0o644))

	_, err := run(t, "batch", "--server", srv.URL, "--export", "xlsx", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown export format")
	fake.mu.Lock()
	assert.Empty(t, fake.items)
	fake.mu.Unlock()

	_, err = run(t, "infer", "--task", "ocr", "--image", "scan.png", "--export", "csv", "--stream")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--stream")
}

func TestInferCommandEmptyPagesDir(t *testing.T) {
	_, err := run(t, "infer", "--task", "ocr", "--pages-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accepted images")
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := newLoggerTo(&buf, config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	defer closeFn()
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	path := filepath.Join(t.TempDir(), "vlmd.log")
	log, closeFn, err = newLoggerTo(&buf, config.LoggingConfig{Level: "debug", Format: "text", FilePath: path})
	require.NoError(t, err)
	log.Debug().Msg("to both")
	closeFn()
	assert.Contains(t, buf.String(), "to both")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
}

