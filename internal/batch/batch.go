// Package batch runs several inference requests as one in-memory job on a
// bounded worker pool, with progress tracking and cancellation.
package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vlmd/internal/webhook"
	"vlmd/pkg/types"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Runner executes one item of a job.
type Runner interface {
	RunItem(ctx context.Context, jobID string, index int, req types.InferRequest) (*types.InferResponse, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, jobID string, index int, req types.InferRequest) (*types.InferResponse, error)

func (f RunnerFunc) RunItem(ctx context.Context, jobID string, index int, req types.InferRequest) (*types.InferResponse, error) {
	return f(ctx, jobID, index, req)
}

// Notifier receives batch events.
type Notifier interface {
	Notify(webhook.Event)
}

type jobNotFoundError struct{ id string }

func (e jobNotFoundError) Error() string   { return "batch job not found: " + e.id }
func (e jobNotFoundError) StatusCode() int { return http.StatusNotFound }

func IsJobNotFound(err error) bool {
	var e jobNotFoundError
	return errors.As(err, &e)
}

// EmptyJobError rejects a submission without items.
type EmptyJobError struct{}

func (EmptyJobError) Error() string   { return "batch must contain at least one item" }
func (EmptyJobError) StatusCode() int { return http.StatusBadRequest }

type job struct {
	id      string
	reqs    []types.InferRequest
	cancel  context.CancelFunc
	done    chan struct{}
	created time.Time

	mu     sync.Mutex
	status string
	items  []types.BatchItemStatus
	ended  time.Time
}

func (j *job) snapshot() types.BatchJobResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := types.BatchJobResponse{
		ID:        j.id,
		Status:    j.status,
		Total:     len(j.items),
		Items:     append([]types.BatchItemStatus(nil), j.items...),
		CreatedAt: j.created.Unix(),
	}
	for _, it := range j.items {
		switch it.Status {
		case StatusCompleted:
			out.Processed++
		case StatusFailed:
			out.Processed++
			out.Failed++
		}
	}
	if out.Total > 0 {
		out.Progress = float64(out.Processed) / float64(out.Total) * 100
	}
	if !j.ended.IsZero() {
		out.EndedAt = j.ended.Unix()
	}
	return out
}

func (j *job) setItem(i int, status string, resp *types.InferResponse, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	it := &j.items[i]
	it.Status = status
	it.Response = resp
	if err != nil {
		it.Error = err.Error()
	}
}

// finalize settles the job status: cancelled when cancellation stopped it,
// failed when every item failed, completed otherwise.
func (j *job) finalize(cancelled bool) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	failed := 0
	for i := range j.items {
		switch j.items[i].Status {
		case StatusPending, StatusProcessing:
			j.items[i].Status = StatusCancelled
		case StatusFailed:
			failed++
		}
	}
	switch {
	case cancelled:
		j.status = StatusCancelled
	case failed == len(j.items):
		j.status = StatusFailed
	default:
		j.status = StatusCompleted
	}
	j.ended = time.Now()
	return j.status
}

// Manager owns the jobs of the process.
type Manager struct {
	runner  Runner
	workers int
	notify  Notifier
	log     zerolog.Logger
	baseCtx context.Context

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option     { return func(m *Manager) { m.notify = n } }
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithBaseContext makes jobs stop when ctx is canceled.
func WithBaseContext(ctx context.Context) Option { return func(m *Manager) { m.baseCtx = ctx } }

func NewManager(runner Runner, workers int, opts ...Option) *Manager {
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		runner:  runner,
		workers: workers,
		log:     zerolog.Nop(),
		baseCtx: context.Background(),
		jobs:    make(map[string]*job),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Submit registers a job and starts it in the background.
func (m *Manager) Submit(items []types.InferRequest) (string, error) {
	if len(items) == 0 {
		return "", EmptyJobError{}
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	j := &job{
		id:      uuid.NewString(),
		reqs:    append([]types.InferRequest(nil), items...),
		cancel:  cancel,
		done:    make(chan struct{}),
		created: time.Now(),
		status:  StatusPending,
		items:   make([]types.BatchItemStatus, len(items)),
	}
	for i, r := range items {
		j.items[i] = types.BatchItemStatus{Index: i, Task: r.Task, Status: StatusPending}
	}
	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, j)
	}()
	return j.id, nil
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer close(j.done)
	j.mu.Lock()
	j.status = StatusProcessing
	j.mu.Unlock()
	total := len(j.reqs)
	m.log.Info().Str("job_id", j.id).Int("items", total).Msg("batch started")
	m.emit(webhook.EventBatchStarted, j.id, map[string]any{"total": total})

	queue := make(chan int, total)
	for i := range j.reqs {
		queue <- i
	}
	close(queue)
	completed := make(chan CompletedTask[int], total)

	RunInPool(func(i int) (int, error) {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		j.setItem(i, StatusProcessing, nil, nil)
		resp, err := m.runner.RunItem(ctx, j.id, i, j.reqs[i])
		switch {
		case err == nil:
			j.setItem(i, StatusCompleted, resp, nil)
		case ctx.Err() != nil:
			j.setItem(i, StatusCancelled, nil, err)
		default:
			j.setItem(i, StatusFailed, nil, err)
		}
		return i, err
	}, queue, completed, m.workers)

	for range completed {
		if ctx.Err() != nil {
			continue
		}
		s := j.snapshot()
		m.emit(webhook.EventBatchProgress, j.id, map[string]any{
			"processed": s.Processed,
			"failed":    s.Failed,
			"total":     s.Total,
			"progress":  s.Progress,
		})
	}

	status := j.finalize(ctx.Err() != nil)
	s := j.snapshot()
	m.log.Info().Str("job_id", j.id).Str("status", status).Int("processed", s.Processed).Int("failed", s.Failed).Msg("batch finished")
	data := map[string]any{"status": status, "processed": s.Processed, "failed": s.Failed, "total": s.Total}
	if status == StatusFailed {
		m.emit(webhook.EventBatchFailed, j.id, data)
		return
	}
	m.emit(webhook.EventBatchCompleted, j.id, data)
}

func (m *Manager) emit(event, jobID string, data map[string]any) {
	if m.notify != nil {
		m.notify.Notify(webhook.Event{Type: event, JobID: jobID, Data: data})
	}
}

func (m *Manager) lookup(id string) (*job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, jobNotFoundError{id: id}
	}
	return j, nil
}

// Get returns the current state of a job.
func (m *Manager) Get(id string) (types.BatchJobResponse, error) {
	j, err := m.lookup(id)
	if err != nil {
		return types.BatchJobResponse{}, err
	}
	return j.snapshot(), nil
}

// List returns every job, newest first.
func (m *Manager) List() []types.BatchJobResponse {
	m.mu.RLock()
	out := make([]types.BatchJobResponse, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt != out[b].CreatedAt {
			return out[a].CreatedAt > out[b].CreatedAt
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Cancel stops a running job. Items already finished keep their results.
func (m *Manager) Cancel(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

// Wait blocks until the job has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (types.BatchJobResponse, error) {
	j, err := m.lookup(id)
	if err != nil {
		return types.BatchJobResponse{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return types.BatchJobResponse{}, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
	}
}

// Close cancels every job and waits for the workers to exit.
func (m *Manager) Close() {
	m.mu.RLock()
	for _, j := range m.jobs {
		j.cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}
