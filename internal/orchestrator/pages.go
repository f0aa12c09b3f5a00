package orchestrator

import (
	"context"
	"fmt"
	"time"

	"vlmd/internal/media"
	"vlmd/internal/schema"
	"vlmd/internal/tasks"
	"vlmd/pkg/types"
)

// InferPages runs req once per staged page, in order, and merges the page
// results with req.Merge. It owns every set in pages and releases them all
// on return. onPage, when set, sees each page as it completes; an error
// from it stops the run.
//
// A failed page fails the whole request. The error names the page and
// keeps the page error's status.
func (o *Orchestrator) InferPages(ctx context.Context, req Request, pages []*media.Set, onPage func(types.PageResult) error) (*types.InferResponse, error) {
	defer func() {
		for _, set := range pages {
			_ = set.Release()
		}
	}()
	start := time.Now()
	results := make([]types.PageResult, 0, len(pages))
	var (
		usage  types.Usage
		reason string
	)
	for i, set := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		preq := req
		preq.Pages = nil
		preq.Image = ""
		preq.Stream = false
		preq.Media = set
		preq.Page = i + 1
		resp, err := o.Infer(ctx, preq)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pr := types.PageResult{
			Page:       i + 1,
			Result:     resp.Result,
			Overlay:    resp.Overlay,
			RawText:    resp.RawText,
			Usage:      resp.Usage,
			DurationMS: resp.DurationMS,
		}
		results = append(results, pr)
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		reason = resp.FinishReason
		if onPage != nil {
			if err := onPage(pr); err != nil {
				return nil, err
			}
		}
	}

	merged, err := tasks.MergePages(req.Merge, results)
	if err != nil {
		return nil, err
	}
	resp := schema.NewResponse(schema.Outcome{
		Task:         req.Task,
		Result:       merged,
		FinishReason: reason,
		Usage:        usage,
		Duration:     time.Since(start),
		RequestID:    req.RequestID,
	})
	resp.Pages = results
	o.log.Info().
		Str("task", req.Task).
		Str("request_id", req.RequestID).
		Int("pages", len(results)).
		Dur("dur", time.Since(start)).
		Msg("document end")
	return resp, nil
}
