// Package service assembles the model handle, task registry, media stager,
// orchestrator, webhooks and batch jobs into the surface served over HTTP
// and used by the CLI.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"vlmd/internal/batch"
	"vlmd/internal/config"
	"vlmd/internal/hardware"
	"vlmd/internal/httpapi"
	"vlmd/internal/manager"
	"vlmd/internal/media"
	"vlmd/internal/orchestrator"
	"vlmd/internal/schema"
	"vlmd/internal/tasks"
	"vlmd/internal/webhook"
	"vlmd/pkg/types"
)

// current backs the manager gauges; the last constructed Service wins.
var current atomic.Pointer[manager.Manager]

func handleGauge(f func(*manager.Handle) int) func() float64 {
	return func() float64 {
		m := current.Load()
		if m == nil {
			return 0
		}
		h := m.Handle()
		if h == nil {
			return 0
		}
		return float64(f(h))
	}
}

func init() {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vlmd",
			Subsystem: "model",
			Name:      "queue_length",
			Help:      "Requests holding a queue slot, including the in-flight one",
		}, handleGauge((*manager.Handle).QueueLen)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vlmd",
			Subsystem: "model",
			Name:      "inflight",
			Help:      "Generations currently running",
		}, handleGauge((*manager.Handle).Inflight)),
	)
}

type Service struct {
	cfg       config.Config
	log       zerolog.Logger
	reg       *tasks.Registry
	models    *manager.Manager
	stager    *media.Stager
	validator *schema.Validator
	orch      *orchestrator.Orchestrator
	hooks     *webhook.Dispatcher
	jobs      *batch.Manager
	prober    *hardware.Prober
	stop      context.CancelFunc
}

type settings struct {
	log          zerolog.Logger
	adapter      manager.InferenceAdapter
	prober       *hardware.Prober
	stagerOpts   []media.Option
	webhookOpts  []webhook.Option
	orchOpts     []orchestrator.Option
	extraPublish manager.EventPublisher
}

type Option func(*settings)

func WithLogger(l zerolog.Logger) Option { return func(s *settings) { s.log = l } }

// WithAdapter replaces the runtime selected from backend.mode.
func WithAdapter(a manager.InferenceAdapter) Option { return func(s *settings) { s.adapter = a } }

func WithProber(p *hardware.Prober) Option { return func(s *settings) { s.prober = p } }

func WithStagerOptions(opts ...media.Option) Option {
	return func(s *settings) { s.stagerOpts = append(s.stagerOpts, opts...) }
}

func WithWebhookOptions(opts ...webhook.Option) Option {
	return func(s *settings) { s.webhookOpts = append(s.webhookOpts, opts...) }
}

func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *settings) { s.orchOpts = append(s.orchOpts, opts...) }
}

// WithEventPublisher receives model lifecycle events next to the log.
func WithEventPublisher(p manager.EventPublisher) Option {
	return func(s *settings) { s.extraPublish = p }
}

// New wires a Service from a validated configuration. No model is loaded
// until Preload or the first inference.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	st := settings{log: zerolog.Nop()}
	for _, o := range opts {
		o(&st)
	}
	log := st.log

	var pub manager.EventPublisher = manager.LogPublisher{Log: log.With().Str("component", "manager").Logger()}
	if st.extraPublish != nil {
		pub = manager.MultiPublisher{pub, st.extraPublish}
	}
	adapter := st.adapter
	if adapter == nil {
		var err error
		if adapter, err = manager.NewAdapter(cfg, log, pub); err != nil {
			return nil, err
		}
	}
	mc := manager.ConfigFrom(cfg)
	mc.Adapter = adapter
	mc.Publisher = pub
	mc.Logger = log
	models := manager.NewWithConfig(mc)

	prober := st.prober
	if prober == nil {
		prober = hardware.NewProber(hardware.WithLogger(log))
	}

	reg := tasks.NewDefaultRegistry()
	hooks := webhook.NewDispatcher(cfg.Webhooks, append([]webhook.Option{webhook.WithLogger(log)}, st.webhookOpts...)...)
	orchOpts := append([]orchestrator.Option{orchestrator.WithNotifier(hooks), orchestrator.WithLogger(log)}, st.orchOpts...)

	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		models:    models,
		stager:    media.NewStager(cfg, append([]media.Option{media.WithLogger(log)}, st.stagerOpts...)...),
		validator: schema.NewValidator(reg, cfg.Server),
		orch:      orchestrator.New(reg, models, cfg, orchOpts...),
		hooks:     hooks,
		prober:    prober,
		stop:      stop,
	}
	s.jobs = batch.NewManager(s, cfg.Batch.Workers,
		batch.WithNotifier(hooks),
		batch.WithLogger(log),
		batch.WithBaseContext(ctx),
	)
	current.Store(models)
	return s, nil
}

// Preload constructs the model handle ahead of the first request.
func (s *Service) Preload(ctx context.Context) error {
	_, err := s.models.EnsureLoaded(ctx, s.cfg)
	return err
}

func (s *Service) Config() config.Config { return s.cfg }

func (s *Service) Tasks() []types.TaskInfo { return s.reg.Tasks() }

func (s *Service) Hardware(ctx context.Context) hardware.Descriptor { return s.prober.Probe(ctx) }

func (s *Service) Ready() bool { return s.models.Ready() }

// Status reports the handle state; before the first load the configured
// backend and its VRAM estimate are shown.
func (s *Service) Status() types.StatusResponse {
	st := s.models.Status()
	if st.Backend == "" {
		st.Backend = s.cfg.Backend.Mode
		st.EstimatedVRAMGB = s.cfg.Model.EstimatedVRAMGB()
	}
	if st.Model == "" {
		st.Model = s.cfg.Model.ModelID()
	}
	return st
}

// Infer validates the request, stages its media and runs it. Streamed
// output is written as NDJSON StreamLines, otherwise one InferResponse.
func (s *Service) Infer(ctx context.Context, in httpapi.InferInput, w io.Writer, flush func()) error {
	req := in.Request
	if len(req.Pages) > 0 && len(in.Uploads) == 0 {
		return s.inferPages(ctx, in, w, flush)
	}
	set, err := s.admit(ctx, &req, in.Uploads)
	if err != nil {
		return err
	}
	oreq := orchestrator.Request{InferRequest: req, Media: set, RequestID: in.RequestID}
	enc := json.NewEncoder(w)
	if !req.Stream {
		resp, err := s.orch.Infer(ctx, oreq)
		if err != nil {
			return err
		}
		return enc.Encode(resp)
	}

	stream, err := s.orch.InferStream(ctx, oreq)
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Next() {
		c := stream.Chunk()
		if err := enc.Encode(types.StreamLine{Task: req.Task, Delta: c.Delta, Done: c.Done, Response: c.Response}); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return stream.Err()
}

// inferPages runs a multi-page request. A stream carries one line per
// completed page and a final done line with the merged response.
func (s *Service) inferPages(ctx context.Context, in httpapi.InferInput, w io.Writer, flush func()) error {
	req := in.Request
	enc := json.NewEncoder(w)
	var onPage func(types.PageResult) error
	if req.Stream {
		onPage = func(p types.PageResult) error {
			if err := enc.Encode(types.StreamLine{Task: req.Task, Page: &p}); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
			return nil
		}
	}
	resp, err := s.run(ctx, orchestrator.Request{InferRequest: req, RequestID: in.RequestID}, onPage)
	if err != nil {
		return err
	}
	if !req.Stream {
		return enc.Encode(resp)
	}
	if err := enc.Encode(types.StreamLine{Task: req.Task, Done: true, Response: resp}); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// Run executes one request synchronously and returns the parsed response.
func (s *Service) Run(ctx context.Context, req types.InferRequest, requestID string) (*types.InferResponse, error) {
	return s.run(ctx, orchestrator.Request{InferRequest: req, RequestID: requestID}, nil)
}

// RunItem implements batch.Runner.
func (s *Service) RunItem(ctx context.Context, jobID string, index int, req types.InferRequest) (*types.InferResponse, error) {
	return s.run(ctx, orchestrator.Request{
		InferRequest: req,
		RequestID:    fmt.Sprintf("%s/%d", jobID, index),
		JobID:        jobID,
	}, nil)
}

// run admits and executes a request without token streaming.
func (s *Service) run(ctx context.Context, oreq orchestrator.Request, onPage func(types.PageResult) error) (*types.InferResponse, error) {
	if len(oreq.Pages) > 0 {
		pages, err := s.admitPages(ctx, oreq.InferRequest)
		if err != nil {
			return nil, err
		}
		return s.orch.InferPages(ctx, oreq, pages, onPage)
	}
	set, err := s.admit(ctx, &oreq.InferRequest, nil)
	if err != nil {
		return nil, err
	}
	oreq.Media = set
	return s.orch.Infer(ctx, oreq)
}

func (s *Service) SubmitBatch(items []types.InferRequest) (string, error) {
	return s.jobs.Submit(items)
}

func (s *Service) Batch(id string) (types.BatchJobResponse, error) { return s.jobs.Get(id) }

func (s *Service) CancelBatch(id string) error { return s.jobs.Cancel(id) }

// WaitBatch blocks until job id has finished.
func (s *Service) WaitBatch(ctx context.Context, id string) (types.BatchJobResponse, error) {
	return s.jobs.Wait(ctx, id)
}

// Close stops batch jobs, drains webhook deliveries and releases the model.
func (s *Service) Close() error {
	s.stop()
	s.jobs.Close()
	s.hooks.Close()
	current.CompareAndSwap(s.models, nil)
	return s.models.Close()
}

// admit validates req and stages its media. Uploaded files stand in for
// the reference of their kind.
func (s *Service) admit(ctx context.Context, req *types.InferRequest, uploads []httpapi.Upload) (*media.Set, error) {
	for _, u := range uploads {
		name := u.Filename
		if name == "" {
			name = "upload"
		}
		switch u.Kind {
		case types.MediaImage:
			req.Image = name
		case types.MediaVideo:
			req.Video = name
		}
	}
	if err := s.validator.Validate(*req); err != nil {
		return nil, err
	}
	set, err := s.stage(ctx, *req, uploads)
	if err != nil {
		return nil, asValidation(err)
	}
	if err := s.validator.ValidateMedia(set.Refs()); err != nil {
		_ = set.Release()
		return nil, err
	}
	return set, nil
}

// admitPages validates a multi-page request and stages every page into
// its own set before any page reaches the model.
func (s *Service) admitPages(ctx context.Context, req types.InferRequest) ([]*media.Set, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	sets := make([]*media.Set, 0, len(req.Pages))
	fail := func(i int, err error) ([]*media.Set, error) {
		for _, set := range sets {
			_ = set.Release()
		}
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			ve.Field = fmt.Sprintf("pages[%d]", i)
		}
		return nil, err
	}
	for i, page := range req.Pages {
		set := &media.Set{}
		sets = append(sets, set)
		if err := s.stager.StageRef(ctx, set, types.MediaImage, page); err != nil {
			return fail(i, asValidation(err))
		}
		if err := s.validator.ValidateMedia(set.Refs()); err != nil {
			return fail(i, err)
		}
	}
	return sets, nil
}

// asValidation reports attachments that cannot be staged (missing, oversized,
// unsupported scheme) as request validation failures. Transport errors are
// left alone.
func asValidation(err error) error {
	var re *media.RefError
	if !errors.As(err, &re) {
		return err
	}
	reason := re.Reason
	if re.Ref != "" {
		reason = re.Ref + ": " + reason
	}
	return &schema.ValidationError{Field: re.Field, Reason: reason, Err: err}
}

func (s *Service) stage(ctx context.Context, req types.InferRequest, uploads []httpapi.Upload) (*media.Set, error) {
	if len(uploads) == 0 {
		return s.stager.Stage(ctx, req)
	}
	set := &media.Set{}
	uploaded := map[types.MediaKind]bool{}
	for _, u := range uploads {
		if err := s.stager.AddUpload(set, u.Kind, u.Filename, u.Body); err != nil {
			_ = set.Release()
			return nil, err
		}
		uploaded[u.Kind] = true
	}
	refs := []struct {
		kind types.MediaKind
		ref  string
	}{{types.MediaImage, req.Image}, {types.MediaVideo, req.Video}}
	for _, r := range refs {
		if r.ref == "" || uploaded[r.kind] {
			continue
		}
		if err := s.stager.StageRef(ctx, set, r.kind, r.ref); err != nil {
			_ = set.Release()
			return nil, err
		}
	}
	return set, nil
}
