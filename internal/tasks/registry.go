// Package tasks maps task identifiers to handlers that build model prompts
// and parse raw model output into structured results.
package tasks

import (
	"sort"
	"sync"

	"vlmd/pkg/types"
)

// Request is a validated inference request with its media staged on disk.
type Request struct {
	types.InferRequest
	Media []types.MediaRef
}

// Image returns the first staged image, if any.
func (r Request) Image() (types.MediaRef, bool) { return r.firstOf(types.MediaImage) }

// Video returns the first staged video, if any.
func (r Request) Video() (types.MediaRef, bool) { return r.firstOf(types.MediaVideo) }

func (r Request) firstOf(kind types.MediaKind) (types.MediaRef, bool) {
	for _, m := range r.Media {
		if m.Kind == kind {
			return m, true
		}
	}
	return types.MediaRef{}, false
}

// Handler turns requests into prompts and raw output into results.
// Implementations are stateless and safe for concurrent use.
type Handler interface {
	Info() types.TaskInfo
	BuildPrompt(req Request) (types.PromptSpec, error)
	ParseOutput(raw string) (types.Result, error)
}

// RequestParser is implemented by handlers whose parsing depends on request
// options (a field schema, an output format, an entity filter).
type RequestParser interface {
	ParseOutputFor(req Request, raw string) (types.Result, error)
}

// Parse runs the handler's parser, passing the request when the handler
// accepts it.
func Parse(h Handler, req Request, raw string) (types.Result, error) {
	if rp, ok := h.(RequestParser); ok {
		return rp.ParseOutputFor(req, raw)
	}
	return h.ParseOutput(raw)
}

// Registry holds handlers keyed by task id. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under id.
func (r *Registry) Register(id string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[id]; ok {
		return duplicateTaskError{id: id}
	}
	r.handlers[id] = h
	return nil
}

// MustRegister panics on a duplicate id.
func (r *Registry) MustRegister(id string, h Handler) {
	if err := r.Register(id, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered under id.
func (r *Registry) Resolve(id string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownTaskError{id: id}
	}
	return h, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// Tasks lists registered tasks sorted by id.
func (r *Registry) Tasks() []types.TaskInfo {
	r.mu.RLock()
	out := make([]types.TaskInfo, 0, len(r.handlers))
	for id, h := range r.handlers {
		info := h.Info()
		info.ID = id
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewDefaultRegistry registers every built-in handler.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(TaskOCR, OCR{})
	r.MustRegister(TaskLayout, Layout{})
	r.MustRegister(TaskRecognition, Recognition{})
	r.MustRegister(TaskGrounding, Grounding{})
	r.MustRegister(TaskTable, Table{})
	r.MustRegister(TaskFieldExtraction, FieldExtraction{})
	r.MustRegister(TaskNER, NER{})
	r.MustRegister(TaskForm, Form{})
	r.MustRegister(TaskInvoice, Invoice{})
	r.MustRegister(TaskContract, Contract{})
	r.MustRegister(TaskVideo, Video{})
	r.MustRegister(TaskAgentAction, AgentAction{})
	return r
}

const (
	TaskOCR             = "ocr"
	TaskLayout          = "layout"
	TaskRecognition     = "recognition"
	TaskGrounding       = "grounding"
	TaskTable           = "table"
	TaskFieldExtraction = "field_extraction"
	TaskNER             = "ner"
	TaskForm            = "form"
	TaskInvoice         = "invoice"
	TaskContract        = "contract"
	TaskVideo           = "video"
	TaskAgentAction     = "agent_action"
)
