package tasks

import (
	"fmt"
	"strings"

	"vlmd/pkg/types"
)

var agentTmpl = template{
	info: types.TaskInfo{
		ID:            TaskAgentAction,
		Description:   "Choose the next GUI action (click, type, scroll, ...) toward a goal shown on a screenshot",
		RequiresMedia: true,
		AcceptsText:   true,
	},
	system: "You are a GUI automation agent. Given a screenshot and a goal, decide the single next action. " +
		"Respond with one JSON object and nothing else.",
}

// AgentActions are the accepted action verbs.
var AgentActions = []string{"click", "double_click", "right_click", "type", "key", "scroll", "drag", "wait", "done"}

// AgentStep is one parsed GUI action.
type AgentStep struct {
	Action     string `json:"action"`
	Coordinate *Point `json:"coordinate,omitempty"`
	Text       string `json:"text,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AgentAction plans one GUI step. The request text is the goal.
type AgentAction struct{}

func (AgentAction) Info() types.TaskInfo { return agentTmpl.info }

func (AgentAction) BuildPrompt(req Request) (types.PromptSpec, error) {
	goal := strings.TrimSpace(req.Text)
	if goal == "" {
		return types.PromptSpec{}, &InputError{Field: "text", Reason: "agent_action needs a goal"}
	}
	user := fmt.Sprintf("Goal: %s\n\nAvailable actions: %s.\n"+
		"Return JSON: {\"action\": \"click\", \"coordinate\": [x, y], \"text\": \"text to type if any\", "+
		"\"direction\": \"up|down for scroll\", \"reason\": \"short justification\"}", goal, strings.Join(AgentActions, ", "))
	return agentTmpl.prompt(req, user), nil
}

func (AgentAction) ParseOutput(raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskAgentAction)
	}
	step := AgentStep{
		Action:    strings.ToLower(strings.TrimSpace(toString(obj["action"]))),
		Text:      toString(obj["text"]),
		Direction: toString(obj["direction"]),
		Reason:    toString(obj["reason"]),
	}
	if !knownAction(step.Action) {
		return types.Result{}, &ParseError{Task: TaskAgentAction, Reason: fmt.Sprintf("unknown action %q", step.Action)}
	}
	if c := asSlice(obj["coordinate"]); len(c) == 2 {
		x, okX := toInt(c[0])
		y, okY := toInt(c[1])
		if okX && okY {
			step.Coordinate = &Point{X: x, Y: y}
		}
	}
	if step.Coordinate == nil {
		if pts := ParsePoints(raw); len(pts) > 0 {
			step.Coordinate = &pts[0]
		}
	}
	switch step.Action {
	case "click", "double_click", "right_click", "drag":
		if step.Coordinate == nil {
			return types.Result{}, &ParseError{Task: TaskAgentAction, Reason: step.Action + " needs a coordinate"}
		}
	case "type":
		if step.Text == "" {
			return types.Result{}, &ParseError{Task: TaskAgentAction, Reason: "type needs text"}
		}
	}
	res := types.Result{Text: step.Reason, Data: map[string]any{"step": step}}
	if step.Coordinate != nil {
		b := types.Box{step.Coordinate.X, step.Coordinate.Y, step.Coordinate.X, step.Coordinate.Y}
		res.Overlay = []types.OverlayBox{{Box: b, Label: step.Action}}
		res.Boxes = []types.Box{b}
	}
	return res, nil
}

func knownAction(a string) bool {
	for _, k := range AgentActions {
		if k == a {
			return true
		}
	}
	return false
}
