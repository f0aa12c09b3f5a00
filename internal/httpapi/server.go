package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vlmd/internal/hardware"
	"vlmd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Tasks() []types.TaskInfo
	Hardware(ctx context.Context) hardware.Descriptor
	Status() types.StatusResponse
	Ready() bool
	// Infer writes NDJSON StreamLines when in.Request.Stream is set and a
	// single InferResponse object otherwise. An error returned before
	// anything was written is mapped to an HTTP status.
	Infer(ctx context.Context, in InferInput, w io.Writer, flush func()) error
	SubmitBatch(items []types.InferRequest) (string, error)
	Batch(id string) (types.BatchJobResponse, error)
	CancelBatch(id string) error
}

// Upload is one file part of POST /infer/upload.
type Upload struct {
	Kind     types.MediaKind
	Filename string
	Body     io.Reader
}

// InferInput is an inference request as received over HTTP.
type InferInput struct {
	Request   types.InferRequest
	Uploads   []Upload
	RequestID string
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
		}
		headers := corsAllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}
	r.Use(MetricsMiddleware)
	// NDJSON is not in the compressible set, so streams pass through unbuffered.
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.TasksResponse{Tasks: svc.Tasks()})
	})

	r.Get("/hardware", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Hardware(r.Context()))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		if !hasContentType(r, "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, bodyErrMessage(err))
			return
		}
		var req types.InferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.Stream = streamRequested(body)
		if strings.TrimSpace(req.Task) == "" {
			writeJSONError(w, http.StatusBadRequest, "task is required")
			return
		}
		serveInfer(svc, w, r, InferInput{Request: req})
	})

	r.Post("/infer/upload", func(w http.ResponseWriter, r *http.Request) {
		if !hasContentType(r, "multipart/form-data") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be multipart/form-data")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSONError(w, http.StatusBadRequest, bodyErrMessage(err))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		in, closeFiles, err := decodeUpload(r.MultipartForm)
		defer closeFiles()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		serveInfer(svc, w, r, in)
	})

	r.Post("/batch", func(w http.ResponseWriter, r *http.Request) {
		if !hasContentType(r, "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, err := svc.SubmitBatch(req.Items)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.BatchSubmitResponse{JobID: id})
	})

	r.Get("/batch/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Batch(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/batch/{id}/export", handleBatchExport(svc))
	r.Post("/export", handleExport)

	r.Delete("/batch/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.CancelBatch(id); err != nil {
			writeError(w, err)
			return
		}
		job, err := svc.Batch(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// serveInfer runs one inference and reports its outcome. Once the first
// byte is out the status is committed, so later failures are sent as a
// final NDJSON error line.
func serveInfer(svc Service, w http.ResponseWriter, r *http.Request, in InferInput) {
	in.RequestID = middleware.GetReqID(r.Context())
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(inferTimeout)*time.Second)
		defer tcancel()
	}

	task := in.Request.Task
	var flush func()
	if in.Request.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	tw := &trackingWriter{w: w}
	out := io.Writer(tw)
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug && in.Request.Stream {
		out = io.MultiWriter(tw, &loggingLineWriter{})
	}

	start := time.Now()
	logInferStart(r, lvl, task)
	err := svc.Infer(ctx, in, out, flush)
	switch {
	case err == nil:
		logInferEnd(r, lvl, task, http.StatusOK, start, nil)
	case r.Context().Err() != nil || serverBaseCtx.Err() != nil:
		// Client went away or the server is shutting down.
		logInferEnd(r, lvl, task, 499, start, err)
	case tw.wrote:
		status := statusOf(err)
		_ = json.NewEncoder(out).Encode(types.StreamLine{
			Task:  task,
			Error: &types.ErrorResponse{Error: err.Error(), Code: status},
		})
		if flush != nil {
			flush()
		}
		logInferEnd(r, lvl, task, status, start, err)
	default:
		status := writeError(w, err)
		logInferEnd(r, lvl, task, status, start, err)
	}
}

type trackingWriter struct {
	w     io.Writer
	wrote bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.wrote = true
	}
	return t.w.Write(p)
}

// streamRequested reports whether the body asks for NDJSON. Streaming is
// the default; only an explicit "stream": false selects a single object.
func streamRequested(body []byte) bool {
	var peek struct {
		Stream *bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.Stream == nil {
		return true
	}
	return *peek.Stream
}

func hasContentType(r *http.Request, want string) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mt, want)
}

func bodyErrMessage(err error) string {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return "request body too large"
	}
	return "invalid request body"
}
