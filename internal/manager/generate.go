package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"vlmd/pkg/types"
)

// Generation is the outcome of one completed generation.
type Generation struct {
	Text         string
	FinishReason string
	Usage        types.Usage
	Duration     time.Duration
}

// params merges prompt overrides onto the configured defaults. maxTokens
// above the configured budget is clamped; zero uses the budget.
func (h *Handle) params(p types.PromptSpec, maxTokens int) InferParams {
	inf := h.cfg.Inference
	out := InferParams{
		MaxTokens:   inf.MaxNewTokens,
		Temperature: inf.Temperature,
		TopP:        inf.TopP,
		Stop:        p.Stop,
		MinPixels:   inf.MinPixels,
		MaxPixels:   inf.MaxPixels,
		TotalPixels: inf.TotalPixels,
	}
	if maxTokens > 0 && maxTokens < out.MaxTokens {
		out.MaxTokens = maxTokens
	}
	if p.Temperature > 0 {
		out.Temperature = p.Temperature
	}
	if p.MinPixels > 0 {
		out.MinPixels = p.MinPixels
	}
	if p.MaxPixels > 0 {
		out.MaxPixels = p.MaxPixels
	}
	if p.TotalPixels > 0 {
		out.TotalPixels = p.TotalPixels
	}
	return out
}

// Generate runs one generation to completion under admission control and
// returns the full text.
func (h *Handle) Generate(ctx context.Context, prompt types.PromptSpec, maxTokens int) (Generation, error) {
	release, err := h.beginGeneration(ctx)
	if err != nil {
		return Generation{}, err
	}
	defer release()
	return h.run(ctx, prompt, maxTokens, func(string) error { return nil })
}

func (h *Handle) run(ctx context.Context, prompt types.PromptSpec, maxTokens int, emit func(string) error) (Generation, error) {
	start := time.Now()
	params := h.params(prompt, maxTokens)
	modelID := h.ModelID()
	h.m.generations.Add(1)
	h.m.publish("generate_start", modelID, map[string]any{"max_tokens": params.MaxTokens, "media": len(prompt.Media)})

	var b strings.Builder
	final, err := h.session.Generate(ctx, prompt, params, func(tok string) error {
		b.WriteString(tok)
		return emit(tok)
	})
	gen := Generation{
		Text:         final.Content,
		FinishReason: final.FinishReason,
		Usage:        final.Usage,
		Duration:     time.Since(start),
	}
	if gen.Text == "" {
		gen.Text = b.String()
	}

	fields := map[string]any{"dur_ms": int(gen.Duration / time.Millisecond), "chars": len(gen.Text)}
	ev := h.m.log.Debug()
	if err != nil {
		fields["error"] = err.Error()
		ev = h.m.log.Warn().Err(err)
	}
	ev.Str("model", modelID).Dur("dur", gen.Duration).Int("completion_tokens", gen.Usage.CompletionTokens).Msg("generate end")
	h.m.publish("generate_end", modelID, fields)
	return gen, err
}

// Chunk is one element of a generation stream. The last chunk has Done set
// and carries the completed Generation.
type Chunk struct {
	Text   string
	Done   bool
	Result *Generation
}

// Stream is a lazy, finite sequence of chunks consumed by a single reader.
// It cannot be restarted. Close stops the generation and frees its slot.
type Stream struct {
	ch     chan Chunk
	cancel context.CancelFunc
	cur    Chunk
	ended  bool

	mu     sync.Mutex
	err    error
	closed bool
}

// GenerateStream admits a generation and returns its chunk stream. Admission
// errors (TooBusy, cancellation) are returned directly.
func (h *Handle) GenerateStream(ctx context.Context, prompt types.PromptSpec, maxTokens int) (*Stream, error) {
	release, err := h.beginGeneration(ctx)
	if err != nil {
		return nil, err
	}
	gctx, cancel := context.WithCancel(ctx)
	s := &Stream{ch: make(chan Chunk), cancel: cancel}
	go func() {
		defer cancel()
		defer close(s.ch)
		defer release()
		gen, err := h.run(gctx, prompt, maxTokens, func(tok string) error {
			select {
			case s.ch <- Chunk{Text: tok}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil {
			s.setErr(err)
			return
		}
		select {
		case s.ch <- Chunk{Done: true, Result: &gen}:
		case <-gctx.Done():
			s.setErr(gctx.Err())
		}
	}()
	return s, nil
}

// Next advances to the next chunk. It returns false once the stream is
// exhausted, failed or closed.
func (s *Stream) Next() bool {
	if s.ended {
		return false
	}
	c, ok := <-s.ch
	if !ok {
		s.ended = true
		return false
	}
	s.cur = c
	return true
}

// Chunk returns the chunk read by the last successful Next.
func (s *Stream) Chunk() Chunk { return s.cur }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && s.closed && !s.cur.Done {
		return ErrStreamClosed
	}
	return s.err
}

// Close cancels an unfinished generation and waits for it to release its
// admission slot. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	for range s.ch {
	}
	s.ended = true
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
