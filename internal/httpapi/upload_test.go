package httpapi

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"vlmd/pkg/types"
)

func multipartRequest(t *testing.T, fields map[string][]string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range fields {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	for field, name := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte("bytes-of-" + name))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/infer/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDecodesFormAndFiles(t *testing.T) {
	svc := &mockService{}
	req := multipartRequest(t, map[string][]string{
		"task":       {"field_extraction"},
		"preset":     {"receipt"},
		"stream":     {"false"},
		"max_tokens": {"256"},
		"option":     {"document_type=receipt", "output_format = json"},
		"schema":     {`{"fields":[{"name":"total","type":"currency"}]}`},
	}, map[string]string{"image": "receipt.jpg"})
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	in := svc.lastInput()
	r := in.Request
	if r.Task != "field_extraction" || r.Preset != "receipt" || r.Stream || r.MaxTokens != 256 {
		t.Fatalf("request=%+v", r)
	}
	if r.Option("document_type") != "receipt" || r.Option("output_format") != "json" {
		t.Fatalf("options=%v", r.Options)
	}
	if r.Schema == nil || len(r.Schema.Fields) != 1 || r.Schema.Fields[0].Name != "total" {
		t.Fatalf("schema=%+v", r.Schema)
	}
	if len(in.Uploads) != 1 || in.Uploads[0].Kind != types.MediaImage || in.Uploads[0].Filename != "receipt.jpg" {
		t.Fatalf("uploads=%+v", in.Uploads)
	}
	svc.mu.Lock()
	got := string(svc.data["image"])
	svc.mu.Unlock()
	if got != "bytes-of-receipt.jpg" {
		t.Fatalf("upload body=%q", got)
	}
}

func TestUploadStreamsByDefault(t *testing.T) {
	svc := &mockService{}
	req := multipartRequest(t, map[string][]string{"task": {"video_analysis"}}, map[string]string{"video": "clip.mp4"})
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("status=%d content-type=%s", w.Code, w.Header().Get("Content-Type"))
	}
	if in := svc.lastInput(); !in.Request.Stream || in.Uploads[0].Kind != types.MediaVideo {
		t.Fatalf("input=%+v", in)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	cases := map[string]*http.Request{
		"missing task": multipartRequest(t, map[string][]string{"text": {"x"}}, nil),
		"bad option":   multipartRequest(t, map[string][]string{"task": {"ocr"}, "option": {"novalue"}}, nil),
		"bad schema":   multipartRequest(t, map[string][]string{"task": {"field_extraction"}, "schema": {"{"}}, nil),
	}
	for name, req := range cases {
		w := httptest.NewRecorder()
		NewMux(&mockService{}).ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", name, w.Code, w.Body.String())
		}
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	w := postJSON(NewMux(&mockService{}), "/infer/upload", `{"task":"ocr"}`)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}
