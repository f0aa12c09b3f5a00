package schema

import (
	"time"

	"vlmd/pkg/types"
)

// Outcome is what the orchestrator hands back for one request.
type Outcome struct {
	Task         string
	Result       types.Result
	RawText      string
	FinishReason string
	Usage        types.Usage
	Duration     time.Duration
	RequestID    string
}

// NewResponse shapes an outcome into the outbound payload. The overlay
// falls back to unlabeled result boxes.
func NewResponse(o Outcome) *types.InferResponse {
	overlay := o.Result.Overlay
	if len(overlay) == 0 && len(o.Result.Boxes) > 0 {
		overlay = make([]types.OverlayBox, len(o.Result.Boxes))
		for i, b := range o.Result.Boxes {
			overlay[i] = types.OverlayBox{Box: b}
		}
	}
	return &types.InferResponse{
		Task:         o.Task,
		Result:       o.Result,
		Overlay:      overlay,
		RawText:      o.RawText,
		FinishReason: o.FinishReason,
		Usage:        o.Usage,
		DurationMS:   o.Duration.Milliseconds(),
		RequestID:    o.RequestID,
	}
}
