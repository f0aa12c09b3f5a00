package orchestrator

import (
	"context"
	"sync"

	"vlmd/internal/manager"
	"vlmd/pkg/types"
)

// Chunk is one element of an inference stream: a text delta, or the final
// chunk with Done set and the parsed response.
type Chunk struct {
	Delta    string
	Done     bool
	Response *types.InferResponse
}

// Stream yields partial output followed by one completed chunk. It is
// consumed by a single reader and must be closed.
type Stream struct {
	o      *Orchestrator
	c      *call
	ctx    context.Context
	gctx   context.Context
	cancel context.CancelFunc
	inner  *manager.Stream

	cur Chunk
	err error

	once sync.Once
}

// InferStream admits req and returns its stream. Errors before generation
// starts (unknown task, bad input, busy, model unavailable) are returned
// directly.
func (o *Orchestrator) InferStream(ctx context.Context, req Request) (*Stream, error) {
	c, err := o.prepare(ctx, req)
	if err != nil {
		_ = req.Media.Release()
		return nil, o.finish(c, nil, err)
	}
	gctx, cancel := o.withTimeout(ctx)
	inner, err := c.handle.GenerateStream(gctx, c.prompt, req.MaxTokens)
	if err != nil {
		err = o.generationErr(ctx, gctx, c.req.Task, err)
		cancel()
		_ = req.Media.Release()
		return nil, o.finish(c, nil, err)
	}
	return &Stream{o: o, c: c, ctx: ctx, gctx: gctx, cancel: cancel, inner: inner}, nil
}

// Next advances the stream. It returns false after the final chunk or on
// error; Err tells which.
func (s *Stream) Next() bool {
	if s.inner == nil {
		return false
	}
	if !s.inner.Next() {
		err := s.inner.Err()
		if err == nil && !s.cur.Done {
			err = manager.ErrStreamClosed
		}
		s.end(nil, err)
		return false
	}
	ch := s.inner.Chunk()
	if !ch.Done {
		s.cur = Chunk{Delta: ch.Text}
		return true
	}
	resp, err := s.o.respond(s.c, *ch.Result)
	s.end(resp, err)
	if err != nil {
		return false
	}
	s.cur = Chunk{Done: true, Response: resp}
	return true
}

// Chunk returns the chunk read by the last successful Next.
func (s *Stream) Chunk() Chunk { return s.cur }

// Err returns the error that ended the stream.
func (s *Stream) Err() error { return s.err }

// Close abandons an unfinished stream, releasing the generation slot and the
// staged media. Safe to call more than once.
func (s *Stream) Close() error {
	if s.inner != nil {
		_ = s.inner.Close()
	}
	s.end(nil, manager.ErrStreamClosed)
	return nil
}

// end finalizes the request exactly once.
func (s *Stream) end(resp *types.InferResponse, err error) {
	s.once.Do(func() {
		if err != nil && err != manager.ErrStreamClosed {
			err = s.o.generationErrOrParse(s.ctx, s.gctx, s.c.req.Task, err)
		}
		s.cancel()
		_ = s.c.req.Media.Release()
		s.err = s.o.finish(s.c, resp, err)
	})
}

// generationErrOrParse leaves postprocessing failures alone and classifies
// everything else as a generation error.
func (o *Orchestrator) generationErrOrParse(ctx, gctx context.Context, task string, err error) error {
	if IsPostprocessingFailure(err) {
		return err
	}
	return o.generationErr(ctx, gctx, task, err)
}
