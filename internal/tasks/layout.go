package tasks

import (
	"fmt"
	"strings"

	"vlmd/pkg/types"
)

var layoutTmpl = template{
	info: types.TaskInfo{
		ID:            TaskLayout,
		Description:   "Locate structural elements such as headers, paragraphs, tables and figures",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in document layout analysis. " +
		"Identify and locate different structural elements in documents such as " +
		"headers, paragraphs, tables, figures, lists, and other components.",
}

const (
	layoutPrompt = "Analyze the layout of this document. Identify all structural elements " +
		"including headers, paragraphs, tables, figures, lists, and captions. " +
		"For each element, provide:\n" +
		"- type: the element type (header, paragraph, table, figure, list, caption, etc.)\n" +
		"- bbox: bounding box coordinates (x1, y1, x2, y2)\n" +
		"- level: hierarchy level for headers (1, 2, 3...)\n\n" +
		"Return as JSON array:\n" +
		"```json\n" +
		`[{"type": "header", "level": 1, "bbox": {"x1": 0, "y1": 0, "x2": 500, "y2": 50}}]` + "\n" +
		"```"
	readingOrderPrompt = "Analyze this document and determine the correct reading order of all text elements. " +
		"Number each element in the order it should be read. " +
		"Return as JSON array with order numbers:\n" +
		"```json\n" +
		`[{"order": 1, "type": "header", "bbox": {"x1": 0, "y1": 0, "x2": 500, "y2": 50}}]` + "\n" +
		"```"
)

// LayoutElement is one region found by the layout task.
type LayoutElement struct {
	Type  string    `json:"type"`
	Level int       `json:"level,omitempty"`
	Order int       `json:"order,omitempty"`
	Box   types.Box `json:"bbox"`
}

// Layout finds document regions. Options: mode=layout|reading_order.
type Layout struct{}

func (Layout) Info() types.TaskInfo { return layoutTmpl.info }

func (Layout) BuildPrompt(req Request) (types.PromptSpec, error) {
	user := layoutPrompt
	if req.Option("mode") == "reading_order" {
		user = readingOrderPrompt
	}
	return layoutTmpl.prompt(req, user), nil
}

func (Layout) ParseOutput(raw string) (types.Result, error) {
	arr, ok := ExtractJSONArray(raw)
	if !ok {
		obj, ok := ExtractJSONObject(raw)
		if !ok {
			return types.Result{}, noStructuredOutput(TaskLayout)
		}
		arr = asSlice(obj["elements"])
		if arr == nil {
			arr = []any{obj}
		}
	}
	var (
		res   types.Result
		elems []LayoutElement
	)
	for _, item := range arr {
		m := asMap(item)
		b, ok := BoxFromValue(m["bbox"])
		if m == nil || !ok {
			continue
		}
		el := LayoutElement{Type: toString(m["type"]), Box: b}
		el.Level, _ = toInt(m["level"])
		el.Order, _ = toInt(m["order"])
		elems = append(elems, el)
		res.Overlay = append(res.Overlay, types.OverlayBox{Box: b, Label: layoutLabel(el)})
	}
	res.Boxes = boxesOf(res.Overlay)
	res.Data = map[string]any{"elements": elems}
	return res, nil
}

func layoutLabel(el LayoutElement) string {
	if el.Level > 0 {
		return fmt.Sprintf("%s%d", el.Type, el.Level)
	}
	return el.Type
}

var groundingTmpl = template{
	info: types.TaskInfo{
		ID:            TaskGrounding,
		Description:   "Locate objects described in text and return labeled boxes or points",
		RequiresMedia: true,
		AcceptsText:   true,
	},
	system: "You are a helpful assistant specialized in visual grounding and object detection. " +
		"Locate the requested objects and report their positions with bounding boxes.",
}

// Grounding detects objects. The request text names what to find.
type Grounding struct{}

func (Grounding) Info() types.TaskInfo { return groundingTmpl.info }

func (Grounding) BuildPrompt(req Request) (types.PromptSpec, error) {
	target := strings.TrimSpace(req.Text)
	if target == "" {
		target = "all objects"
	}
	user := fmt.Sprintf("Locate %s in this image. For each one, output <ref>label</ref><box>x1,y1,x2,y2</box>. "+
		"For point targets output <point x=\"X\" y=\"Y\"/>. "+
		"Alternatively return a JSON array: [{\"label\": \"object\", \"bbox\": [x1, y1, x2, y2]}].", target)
	return groundingTmpl.prompt(req, user), nil
}

// ParseOutput accepts <ref>/<box>/<point> markup or a JSON [{label,bbox}] list.
func (Grounding) ParseOutput(raw string) (types.Result, error) {
	if HasMarkup(raw) {
		segs, err := ParseMarkup(raw)
		if err != nil {
			return types.Result{}, &ParseError{Task: TaskGrounding, Reason: err.Error()}
		}
		var (
			res    types.Result
			label  string
			points []Point
		)
		for _, s := range segs {
			switch s.Kind {
			case SegmentRef:
				label = s.Text
			case SegmentBox:
				res.Overlay = append(res.Overlay, types.OverlayBox{Box: s.Box, Label: label})
			case SegmentPoint:
				points = append(points, s.Point)
			}
		}
		res.Boxes = boxesOf(res.Overlay)
		if len(points) > 0 {
			res.Data = map[string]any{"points": points}
		}
		return res, nil
	}
	arr, ok := ExtractJSONArray(raw)
	if !ok {
		return types.Result{}, &ParseError{Task: TaskGrounding, Reason: "no boxes or points in model output"}
	}
	var res types.Result
	for _, item := range arr {
		m := asMap(item)
		if m == nil {
			continue
		}
		b, ok := BoxFromValue(firstPresent(m, "bbox", "bbox_2d", "box"))
		if !ok {
			continue
		}
		res.Overlay = append(res.Overlay, types.OverlayBox{Box: b, Label: toString(firstPresent(m, "label", "name", "type"))})
	}
	res.Boxes = boxesOf(res.Overlay)
	return res, nil
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
