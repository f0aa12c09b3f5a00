package tasks

import (
	"strings"

	"vlmd/pkg/types"
)

var ocrTmpl = template{
	info: types.TaskInfo{
		ID:            TaskOCR,
		Description:   "Extract all text, optionally with bounding boxes",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in optical character recognition " +
		"and text extraction. Extract all text from the image accurately, " +
		"preserving the layout and structure as much as possible.",
}

const (
	ocrTextPrompt  = "Extract all text from this image. Preserve the layout and structure."
	ocrBoxesPrompt = "Extract all text from this image with bounding box coordinates. " +
		"Return the result as a JSON array where each item has 'text' and 'bbox' " +
		"(with x1, y1, x2, y2 coordinates). Format:\n" +
		"```json\n" +
		`[{"text": "extracted text", "bbox": {"x1": 0, "y1": 0, "x2": 100, "y2": 50}}]` + "\n" +
		"```"
	ocrLinesPrompt = "Extract all text from this image line by line. " +
		"For each line, provide the text and bounding box coordinates. " +
		"Return as JSON array:\n" +
		"```json\n" +
		`[{"text": "line text", "bbox": {"x1": 0, "y1": 0, "x2": 100, "y2": 20}}]` + "\n" +
		"```"
)

// OCR extracts text. Options: mode=text|boxes|lines.
type OCR struct{}

func (OCR) Info() types.TaskInfo { return ocrTmpl.info }

func (OCR) BuildPrompt(req Request) (types.PromptSpec, error) {
	user := ocrTextPrompt
	switch req.Option("mode") {
	case "", "text":
	case "boxes":
		user = ocrBoxesPrompt
	case "lines":
		user = ocrLinesPrompt
	default:
		return types.PromptSpec{}, &InputError{Field: "options.mode", Reason: "must be text, boxes or lines"}
	}
	return ocrTmpl.prompt(req, user), nil
}

// ParseOutput accepts <box>..</box>text markup, a JSON [{text,bbox}] list or
// plain text.
func (OCR) ParseOutput(raw string) (types.Result, error) {
	if HasMarkup(raw) {
		if res, ok := parseBoxMarkup(raw); ok {
			return res, nil
		}
	}
	if res, ok := parseTextBoxList(raw); ok {
		return res, nil
	}
	return types.Result{Text: strings.TrimSpace(raw)}, nil
}

// parseBoxMarkup pairs each box with the text that follows it.
func parseBoxMarkup(raw string) (types.Result, bool) {
	segs, err := ParseMarkup(raw)
	if err != nil {
		return types.Result{}, false
	}
	var (
		res     types.Result
		texts   []string
		pending = -1
	)
	for _, s := range segs {
		switch s.Kind {
		case SegmentBox:
			res.Boxes = append(res.Boxes, s.Box)
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: s.Box})
			pending = len(res.Overlay) - 1
		case SegmentText:
			t := strings.TrimSpace(s.Text)
			if t == "" {
				continue
			}
			texts = append(texts, t)
			if pending >= 0 {
				res.Overlay[pending].Label = t
				pending = -1
			}
		}
	}
	if len(res.Boxes) == 0 {
		return types.Result{}, false
	}
	res.Text = strings.Join(texts, "\n")
	return res, true
}

func parseTextBoxList(raw string) (types.Result, bool) {
	arr, ok := ExtractJSONArray(raw)
	if !ok {
		return types.Result{}, false
	}
	var (
		res   types.Result
		texts []string
	)
	for _, item := range arr {
		m := asMap(item)
		if m == nil {
			continue
		}
		text := toString(m["text"])
		b, ok := BoxFromValue(m["bbox"])
		if !ok {
			continue
		}
		texts = append(texts, text)
		res.Boxes = append(res.Boxes, b)
		res.Overlay = append(res.Overlay, types.OverlayBox{Box: b, Label: text})
	}
	if len(res.Boxes) == 0 {
		return types.Result{}, false
	}
	res.Text = strings.Join(texts, "\n")
	return res, true
}

var recognitionTmpl = template{
	info: types.TaskInfo{
		ID:            TaskRecognition,
		Description:   "Describe and identify the content of an image",
		RequiresMedia: true,
		AcceptsText:   true,
	},
	system: "You are a helpful assistant specialized in visual recognition. " +
		"Identify objects, people, landmarks, products and text in images and describe them precisely.",
}

// Recognition answers a free-form question about an image.
type Recognition struct{}

func (Recognition) Info() types.TaskInfo { return recognitionTmpl.info }

func (Recognition) BuildPrompt(req Request) (types.PromptSpec, error) {
	user := "Describe this image in detail. Identify the main objects and any visible text."
	if q := strings.TrimSpace(req.Text); q != "" {
		user = q
	}
	return recognitionTmpl.prompt(req, user), nil
}

func (Recognition) ParseOutput(raw string) (types.Result, error) {
	return types.Result{Text: strings.TrimSpace(raw)}, nil
}
