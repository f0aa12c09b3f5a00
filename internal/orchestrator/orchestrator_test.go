package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"vlmd/internal/manager"
	"vlmd/internal/tasks"
	"vlmd/internal/webhook"
	"vlmd/pkg/types"
)

func TestInfer_OCRMarkup(t *testing.T) {
	f := newFixture(t, &scriptAdapter{
		tokens: []string{"<box>10,10,50,50</box>", "Hello"},
		usage:  types.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	})
	set, tmp := stagedImage(t)
	resp, err := f.o.Infer(context.Background(), ocrRequest(set))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Task != "ocr" || resp.Result.Text != "Hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !reflect.DeepEqual(resp.Result.Boxes, []types.Box{{10, 10, 50, 50}}) {
		t.Fatalf("boxes=%v", resp.Result.Boxes)
	}
	if resp.RawText != "<box>10,10,50,50</box>Hello" || resp.Usage.TotalTokens != 16 || resp.RequestID != "req-1" {
		t.Fatalf("raw=%q usage=%+v rid=%q", resp.RawText, resp.Usage, resp.RequestID)
	}
	if got := f.adapter.lastPrompt(); len(got.Media) != 1 || got.Media[0].Path != tmp {
		t.Fatalf("prompt media=%+v", got.Media)
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}
	want := []string{webhook.EventExtractionStarted, webhook.EventExtractionCompleted}
	if got := f.events.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v", got)
	}
}

func TestInfer_UnknownTaskSkipsModel(t *testing.T) {
	f := newFixture(t, &scriptAdapter{})
	set, tmp := stagedImage(t)
	req := ocrRequest(set)
	req.Task = "translate"
	_, err := f.o.Infer(context.Background(), req)
	if !tasks.IsUnknownTask(err) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	if f.provider.Calls() != 0 || f.mgr.Loads() != 0 {
		t.Fatalf("model was touched: calls=%d loads=%d", f.provider.Calls(), f.mgr.Loads())
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}
	if got := f.events.names(); len(got) != 0 {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestInfer_PromptErrorSkipsModel(t *testing.T) {
	f := newFixture(t, &scriptAdapter{})
	req := ocrRequest(nil)
	req.Options = map[string]string{"mode": "poetry"}
	_, err := f.o.Infer(context.Background(), req)
	var ie *tasks.InputError
	if !errors.As(err, &ie) || ie.Field != "options.mode" {
		t.Fatalf("expected input error, got %v", err)
	}
	if f.provider.Calls() != 0 {
		t.Fatalf("EnsureLoaded called")
	}
}

func TestInfer_GenerationFailureIsWrapped(t *testing.T) {
	f := newFixture(t, &scriptAdapter{genErr: errRuntime})
	_, err := f.o.Infer(context.Background(), ocrRequest(nil))
	if !IsInferenceFailure(err) || !errors.Is(err, errRuntime) {
		t.Fatalf("expected inference failure wrapping cause, got %v", err)
	}
	if strings.Contains(err.Error(), "CUDA") {
		t.Fatalf("runtime detail leaked into message: %q", err.Error())
	}
	if he, ok := err.(interface{ StatusCode() int }); !ok || he.StatusCode() != 502 {
		t.Fatalf("status mapping: %v", err)
	}
	want := []string{webhook.EventExtractionStarted, webhook.EventExtractionFailed}
	if got := f.events.names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v", got)
	}
}

func TestInfer_Timeout(t *testing.T) {
	f := newFixture(t, &scriptAdapter{tokens: []string{"partial"}, hold: make(chan struct{})}, WithTimeout(50*time.Millisecond))
	set, tmp := stagedImage(t)
	_, err := f.o.Infer(context.Background(), ocrRequest(set))
	if !IsInferenceTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}
}

func TestInfer_ParseFailureCarriesRawText(t *testing.T) {
	f := newFixture(t, &scriptAdapter{tokens: []string{"the page has ", "a header"}})
	req := ocrRequest(nil)
	req.Task = "layout"
	_, err := f.o.Infer(context.Background(), req)
	var pf *PostprocessingFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected postprocessing failure, got %v", err)
	}
	if pf.Raw != "the page has a header" || pf.StatusCode() != 422 {
		t.Fatalf("raw=%q status=%d", pf.Raw, pf.StatusCode())
	}
}

func TestInfer_CallerCancel(t *testing.T) {
	f := newFixture(t, &scriptAdapter{hold: make(chan struct{})})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := f.o.Infer(ctx, ocrRequest(nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInfer_ModelUnavailable(t *testing.T) {
	f := newFixture(t, &scriptAdapter{startErr: manager.ErrDependencyUnavailable("model server down")})
	_, err := f.o.Infer(context.Background(), ocrRequest(nil))
	if !manager.IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestInferStream_DeltasThenDone(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, &scriptAdapter{tokens: []string{"<box>1,2,3,4</box>", "Total", ": 42"}})
	set, tmp := stagedImage(t)
	s, err := f.o.InferStream(context.Background(), ocrRequest(set))
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	defer s.Close()
	var deltas []string
	var final *types.InferResponse
	for s.Next() {
		c := s.Chunk()
		if c.Done {
			final = c.Response
			continue
		}
		deltas = append(deltas, c.Delta)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if strings.Join(deltas, "") != "<box>1,2,3,4</box>Total: 42" {
		t.Fatalf("deltas=%q", deltas)
	}
	if final == nil || final.Task != "ocr" || final.Result.Text != "Total: 42" {
		t.Fatalf("final=%+v", final)
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}
	if err := f.mgr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInferStream_CloseEarlyFreesSlot(t *testing.T) {
	defer goleak.VerifyNone(t)
	a := &scriptAdapter{tokens: []string{"a", "b"}, hold: make(chan struct{})}
	f := newFixture(t, a)
	set, tmp := stagedImage(t)
	s, err := f.o.InferStream(context.Background(), ocrRequest(set))
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	if !s.Next() || s.Chunk().Delta != "a" {
		t.Fatalf("first chunk=%+v", s.Chunk())
	}
	_ = s.Close()
	if !errors.Is(s.Err(), manager.ErrStreamClosed) {
		t.Fatalf("Err after Close = %v", s.Err())
	}
	if s.Next() {
		t.Fatalf("Next after Close")
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}

	a.hold = nil
	if _, err := f.o.Infer(context.Background(), ocrRequest(nil)); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
	_ = f.mgr.Close()
}

func TestInferStream_BusyIsReturnedDirectly(t *testing.T) {
	a := &scriptAdapter{hold: make(chan struct{})}
	f := newFixture(t, a)
	first, err := f.o.InferStream(context.Background(), ocrRequest(nil))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	defer first.Close()
	set, tmp := stagedImage(t)
	_, err = f.o.InferStream(context.Background(), ocrRequest(set))
	if !manager.IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed")
	}
}

func TestInferStream_ParseFailure(t *testing.T) {
	f := newFixture(t, &scriptAdapter{tokens: []string{"no structure"}})
	req := ocrRequest(nil)
	req.Task = "layout"
	s, err := f.o.InferStream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	n := 0
	for s.Next() {
		if s.Chunk().Done {
			t.Fatalf("unexpected final chunk")
		}
		n++
	}
	if n != 1 || !IsPostprocessingFailure(s.Err()) {
		t.Fatalf("chunks=%d err=%v", n, s.Err())
	}
}

func TestInferStream_CallerCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, &scriptAdapter{tokens: []string{"x"}, hold: make(chan struct{})})
	set, tmp := stagedImage(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := f.o.InferStream(ctx, ocrRequest(set))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next() {
		t.Fatalf("expected first chunk, err=%v", s.Err())
	}
	if !exists(tmp) {
		t.Fatalf("staged media removed while streaming")
	}
	cancel()
	for s.Next() {
		if s.Chunk().Done {
			t.Fatalf("partial output returned after cancel")
		}
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Fatalf("expected cancel, got %v", s.Err())
	}
	if exists(tmp) {
		t.Fatalf("staged media not removed after cancel")
	}
	_ = s.Close()
	_ = f.mgr.Close()
}

func TestInfer_ParseFailureLogsRawText(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, &scriptAdapter{tokens: []string{"RAW-7f3a no structure"}}, WithLogger(zerolog.New(&buf)))
	req := ocrRequest(nil)
	req.Task = "layout"
	_, err := f.o.Infer(context.Background(), req)
	var pf *PostprocessingFailure
	if !errors.As(err, &pf) || pf.Raw != "RAW-7f3a no structure" {
		t.Fatalf("expected postprocessing failure, got %v", err)
	}
	var line struct {
		Level   string `json:"level"`
		RawText string `json:"raw_text"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if line.Level != "warn" || line.RawText != "RAW-7f3a no structure" || line.Outcome != outcomeParse {
		t.Fatalf("log line %+v", line)
	}
}

func TestClip(t *testing.T) {
	if got := clip("abc", 5); got != "abc" {
		t.Fatalf("clip short = %q", got)
	}
	if got := clip(strings.Repeat("x", 10), 4); got != "xxxx...(truncated)" {
		t.Fatalf("clip long = %q", got)
	}
}

func TestPostprocessingFailureWithoutCause(t *testing.T) {
	err := &PostprocessingFailure{Task: "layout", Raw: "x"}
	if got := err.Error(); got != "could not parse layout output" {
		t.Fatalf("Error() = %q", got)
	}
	if err.Unwrap() != nil || err.StatusCode() != 422 {
		t.Fatalf("unwrap=%v status=%d", err.Unwrap(), err.StatusCode())
	}
}
