package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlmd/internal/config"
)

type receiver struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	calls   atomic.Int32
	failN   int32
}

func (rc *receiver) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := rc.calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, b)
		rc.headers = append(rc.headers, r.Header.Clone())
		rc.mu.Unlock()
		if n <= rc.failN {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (rc *receiver) snapshot() ([][]byte, []http.Header) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([][]byte(nil), rc.bodies...), append([]http.Header(nil), rc.headers...)
}

func hook(url string) config.WebhookConfig {
	return config.WebhookConfig{ID: "h1", URL: url, RetryCount: 3, TimeoutSeconds: 5, RetryDelaySeconds: 1}
}

func TestDeliver_SignsPayload(t *testing.T) {
	rc := &receiver{}
	srv := rc.server(t)
	h := hook(srv.URL)
	h.Secret = "s3cret"
	h.Headers = map[string]string{"X-Tenant": "acme"}
	d := NewDispatcher([]config.WebhookConfig{h}, WithDelayUnit(time.Millisecond))

	dels := d.Trigger(context.Background(), Event{Type: EventExtractionCompleted, JobID: "job-1", DocumentID: "doc-1", Data: map[string]any{"task": "ocr"}})
	require.Len(t, dels, 1)
	assert.Equal(t, "success", dels[0].Status)
	assert.Equal(t, 1, dels[0].Attempts)
	assert.Equal(t, http.StatusNoContent, dels[0].ResponseCode)

	bodies, headers := rc.snapshot()
	require.Len(t, bodies, 1)
	body := bodies[0]
	assert.True(t, Verify("s3cret", body, headers[0].Get(SignatureHeader)))
	assert.Equal(t, "acme", headers[0].Get("X-Tenant"))
	assert.Equal(t, "application/json", headers[0].Get("Content-Type"))

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, EventExtractionCompleted, p.EventType)
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "doc-1", p.DocumentID)
	assert.Equal(t, "ocr", p.Data["task"])
	_, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	assert.NoError(t, err)
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	rc := &receiver{}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)})
	d.Trigger(context.Background(), Event{Type: EventBatchStarted})
	_, headers := rc.snapshot()
	require.Len(t, headers, 1)
	assert.Empty(t, headers[0].Get(SignatureHeader))
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	rc := &receiver{failN: 2}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)}, WithDelayUnit(time.Millisecond))
	dels := d.Trigger(context.Background(), Event{Type: EventBatchCompleted})
	require.Len(t, dels, 1)
	assert.Equal(t, "success", dels[0].Status)
	assert.Equal(t, 3, dels[0].Attempts)
	assert.EqualValues(t, 3, rc.calls.Load())
}

func TestDeliver_GivesUpAfterRetryCount(t *testing.T) {
	rc := &receiver{failN: 10}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)}, WithDelayUnit(time.Millisecond))
	dels := d.Trigger(context.Background(), Event{Type: EventBatchFailed})
	require.Len(t, dels, 1)
	assert.Equal(t, "failed", dels[0].Status)
	assert.Equal(t, 3, dels[0].Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, dels[0].ResponseCode)
	assert.Contains(t, dels[0].Error, "503")

	assert.Len(t, d.Deliveries("h1", "failed"), 1)
	assert.Empty(t, d.Deliveries("h1", "success"))
	assert.Empty(t, d.Deliveries("other", ""))
}

func TestDeliver_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	h := hook(url)
	h.RetryCount = 1
	del := NewDispatcher(nil).Deliver(context.Background(), h, Payload{EventType: EventExtractionFailed})
	assert.Equal(t, "failed", del.Status)
	assert.NotEmpty(t, del.Error)
	assert.NotEmpty(t, del.ID)
}

func TestSubscribed_FiltersByEventAndActive(t *testing.T) {
	off := false
	d := NewDispatcher([]config.WebhookConfig{
		{ID: "all", URL: "http://a"},
		{ID: "batch", URL: "http://b", Events: []string{EventBatchCompleted, EventBatchFailed}},
		{ID: "off", URL: "http://c", Active: &off},
	})
	ids := func(hs []config.WebhookConfig) []string {
		var out []string
		for _, h := range hs {
			out = append(out, h.ID)
		}
		return out
	}
	assert.Equal(t, []string{"all", "batch"}, ids(d.Subscribed(EventBatchCompleted)))
	assert.Equal(t, []string{"all"}, ids(d.Subscribed(EventExtractionStarted)))
}

func TestNotify_IsAsyncAndCloseWaits(t *testing.T) {
	rc := &receiver{}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)})
	d.Notify(Event{Type: EventExtractionStarted, DocumentID: "req-1"})
	d.Close()
	assert.EqualValues(t, 1, rc.calls.Load())
	assert.Len(t, d.Deliveries("", "success"), 1)

	var nilD *Dispatcher
	nilD.Notify(Event{Type: EventExtractionStarted})
	nilD.Close()
}

func TestNotify_AfterCloseIsDropped(t *testing.T) {
	rc := &receiver{}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)})
	d.Close()
	d.Notify(Event{Type: EventExtractionCompleted, DocumentID: "late"})
	d.Close()
	assert.Zero(t, rc.calls.Load())
	assert.Empty(t, d.Deliveries("", ""))
}

func TestNotify_ConcurrentWithClose(t *testing.T) {
	rc := &receiver{}
	d := NewDispatcher([]config.WebhookConfig{hook(rc.server(t).URL)})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Notify(Event{Type: EventExtractionStarted})
		}()
	}
	d.Close()
	wg.Wait()
	d.Close()
	assert.Equal(t, int(rc.calls.Load()), len(d.Deliveries("", "")))
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event_type":"batch.started"}`)
	sig := Sign("k", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", body, "zz"))
}
