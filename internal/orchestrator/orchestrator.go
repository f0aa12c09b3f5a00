// Package orchestrator runs one inference request end to end: resolve the
// task handler, build the prompt, make sure the model handle is loaded,
// generate, and parse the output into a response.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vlmd/internal/config"
	"vlmd/internal/manager"
	"vlmd/internal/media"
	"vlmd/internal/schema"
	"vlmd/internal/tasks"
	"vlmd/internal/webhook"
	"vlmd/pkg/types"
)

// HandleProvider hands out the process-wide model handle.
type HandleProvider interface {
	EnsureLoaded(ctx context.Context, cfg config.Config) (*manager.Handle, error)
}

// Notifier receives extraction events.
type Notifier interface {
	Notify(webhook.Event)
}

// Request is a schema-validated request and its staged media. The
// orchestrator owns Media and releases it on every exit path.
type Request struct {
	types.InferRequest
	Media     *media.Set
	RequestID string
	// JobID is set for items of a batch job.
	JobID string
	// Page is the 1-based page number within a multi-page request.
	Page int
}

func (r Request) refs() []types.MediaRef {
	if r.Media == nil {
		return nil
	}
	return r.Media.Refs()
}

type Orchestrator struct {
	reg     *tasks.Registry
	models  HandleProvider
	cfg     config.Config
	timeout time.Duration
	notify  Notifier
	log     zerolog.Logger
}

type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option     { return func(o *Orchestrator) { o.notify = n } }
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithTimeout overrides inference.timeout_seconds. Zero disables the ceiling.
func WithTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }

func New(reg *tasks.Registry, models HandleProvider, cfg config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:     reg,
		models:  models,
		cfg:     cfg,
		timeout: time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// call is the per-request state shared by Infer and InferStream.
type call struct {
	req     Request
	start   time.Time
	handler tasks.Handler
	treq    tasks.Request
	prompt  types.PromptSpec
	handle  *manager.Handle
	started bool
}

// prepare resolves the handler, builds the prompt and loads the model.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*call, error) {
	req.Task = strings.TrimSpace(req.Task)
	c := &call{req: req, start: time.Now()}
	h, err := o.reg.Resolve(req.Task)
	if err != nil {
		return c, err
	}
	c.handler = h
	c.started = true
	o.emit(webhook.EventExtractionStarted, req, map[string]any{"task": req.Task})

	c.treq = tasks.Request{InferRequest: req.InferRequest, Media: req.refs()}
	if c.prompt, err = h.BuildPrompt(c.treq); err != nil {
		return c, err
	}
	if c.handle, err = o.models.EnsureLoaded(ctx, o.cfg); err != nil {
		if ctx.Err() != nil {
			return c, ctx.Err()
		}
		return c, err
	}
	return c, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// Infer runs req to completion.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (*types.InferResponse, error) {
	defer func() { _ = req.Media.Release() }()
	c, err := o.prepare(ctx, req)
	if err != nil {
		return nil, o.finish(c, nil, err)
	}
	gctx, cancel := o.withTimeout(ctx)
	defer cancel()
	gen, err := c.handle.Generate(gctx, c.prompt, req.MaxTokens)
	if err != nil {
		return nil, o.finish(c, nil, o.generationErr(ctx, gctx, c.req.Task, err))
	}
	resp, err := o.respond(c, gen)
	return resp, o.finish(c, resp, err)
}

// respond parses the generated text into a response.
func (o *Orchestrator) respond(c *call, gen manager.Generation) (*types.InferResponse, error) {
	res, err := tasks.Parse(c.handler, c.treq, gen.Text)
	if err != nil {
		return nil, &PostprocessingFailure{Task: c.req.Task, Raw: gen.Text, Err: err}
	}
	return schema.NewResponse(schema.Outcome{
		Task:         c.req.Task,
		Result:       res,
		RawText:      gen.Text,
		FinishReason: gen.FinishReason,
		Usage:        gen.Usage,
		Duration:     time.Since(c.start),
		RequestID:    c.req.RequestID,
	}), nil
}

// generationErr classifies a generation error. Caller cancellation wins over
// the timeout ceiling; admission backpressure is passed through.
func (o *Orchestrator) generationErr(ctx, gctx context.Context, task string, err error) error {
	switch {
	case manager.IsTooBusy(err):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(gctx.Err(), context.DeadlineExceeded):
		return &InferenceTimeout{Task: task, After: o.timeout}
	default:
		return &InferenceFailure{Task: task, Err: err}
	}
}

// finish logs, counts and publishes the outcome and returns err.
func (o *Orchestrator) finish(c *call, resp *types.InferResponse, err error) error {
	task := c.req.Task
	if c.handler == nil {
		task = "unknown"
	}
	dur := time.Since(c.start)
	outcome := outcomeOf(err)
	inferenceRequestsTotal.WithLabelValues(task, outcome).Inc()
	inferenceDuration.WithLabelValues(task).Observe(dur.Seconds())

	ev := o.log.Info()
	if err != nil {
		ev = o.log.Warn().Err(causeOf(err))
		var pf *PostprocessingFailure
		if errors.As(err, &pf) {
			ev = ev.Str("raw_text", clip(pf.Raw, maxLoggedRaw))
		}
	}
	if c.req.RequestID != "" {
		ev = ev.Str("request_id", c.req.RequestID)
	}
	if c.req.JobID != "" {
		ev = ev.Str("job_id", c.req.JobID)
	}
	if c.req.Page > 0 {
		ev = ev.Int("page", c.req.Page)
	}
	ev.Str("task", c.req.Task).Str("outcome", outcome).Dur("dur", dur).Msg("inference end")

	if !c.started {
		return err
	}
	if err != nil {
		o.emit(webhook.EventExtractionFailed, c.req, map[string]any{"task": task, "error": err.Error(), "outcome": outcome})
		return err
	}
	o.emit(webhook.EventExtractionCompleted, c.req, map[string]any{
		"task":        task,
		"duration_ms": resp.DurationMS,
		"tokens":      resp.Usage.TotalTokens,
	})
	return nil
}

func (o *Orchestrator) emit(event string, req Request, data map[string]any) {
	if o.notify == nil {
		return
	}
	if req.Page > 0 {
		data["page"] = req.Page
	}
	o.notify.Notify(webhook.Event{Type: event, JobID: req.JobID, DocumentID: req.RequestID, Data: data})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, manager.ErrStreamClosed):
		return outcomeCanceled
	case IsInferenceTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case manager.IsTooBusy(err):
		return outcomeBusy
	case IsPostprocessingFailure(err):
		return outcomeParse
	case IsInferenceFailure(err):
		return outcomeFailed
	case manager.IsDependencyUnavailable(err), manager.IsConfigurationConflict(err):
		return outcomeUnhealthy
	default:
		return outcomeRejected
	}
}

// maxLoggedRaw bounds the model output copied into a parse-failure log line.
const maxLoggedRaw = 2000

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// causeOf unwraps the user-safe wrapper so logs keep the runtime error.
func causeOf(err error) error {
	var f *InferenceFailure
	if errors.As(err, &f) && f.Err != nil {
		return f.Err
	}
	return err
}
