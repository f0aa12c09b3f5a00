package tasks

import (
	"strings"

	"vlmd/pkg/types"
)

// template carries the fixed parts of a handler.
type template struct {
	info   types.TaskInfo
	system string
}

func (s template) prompt(req Request, user string) types.PromptSpec {
	if p := strings.TrimSpace(req.Prompt); p != "" {
		user = p
	}
	return types.PromptSpec{
		System: s.system,
		User:   user,
		Media:  append([]types.MediaRef(nil), req.Media...),
	}
}

// boxesOf collects the boxes of an overlay.
func boxesOf(o []types.OverlayBox) []types.Box {
	if len(o) == 0 {
		return nil
	}
	out := make([]types.Box, len(o))
	for i, ob := range o {
		out[i] = ob.Box
	}
	return out
}
