package types

// Box is an axis-aligned bounding box [x1, y1, x2, y2] in source pixel coordinates.
// example: [10, 10, 50, 50]
type Box [4]int

// Valid reports whether the corners are ordered.
func (b Box) Valid() bool { return b[2] >= b[0] && b[3] >= b[1] }

// MediaKind distinguishes image from video attachments.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points a prompt at a staged media file on local disk.
type MediaRef struct {
	Kind     MediaKind `json:"kind"`
	Path     string    `json:"path"`
	MimeType string    `json:"mime_type,omitempty"`
	// SizeBytes is the staged file size.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// PromptSpec is the model-ready form of a request produced by a task handler.
// Zero pixel bounds and temperature mean "use the configured defaults".
type PromptSpec struct {
	System      string
	User        string
	Media       []MediaRef
	MinPixels   int
	MaxPixels   int
	TotalPixels int
	Temperature float64
	Stop        []string
}

// HasMedia reports whether the prompt references any image or video.
func (p PromptSpec) HasMedia() bool { return len(p.Media) > 0 }

// Span is a half-open byte range [Start, End) into the recognized text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is a named entity found by the ner task.
type Entity struct {
	// Category, e.g. PERSON, ORG, DATE, MONEY.
	// example: MONEY
	Type string `json:"type" example:"MONEY"`
	// Surface text of the entity.
	// example: $50
	Value      string  `json:"value" example:"$50"`
	Span       *Span   `json:"span,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Box        *Box    `json:"bbox,omitempty"`
}

// Table is one extracted table.
type Table struct {
	Box     *Box       `json:"bbox,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Field is one extracted key/value with optional confidence and location.
type Field struct {
	Value      string   `json:"value"`
	Type       string   `json:"type,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Box        *Box     `json:"bbox,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// OverlayBox is a labeled box for visualization collaborators.
type OverlayBox struct {
	Box   Box    `json:"bbox"`
	Label string `json:"label,omitempty"`
}

// Result is the structured output of a task handler. Only the members
// relevant to the task are populated.
type Result struct {
	Text     string           `json:"text,omitempty"`
	Boxes    []Box            `json:"boxes,omitempty"`
	Entities []Entity         `json:"entities,omitempty"`
	Tables   []Table          `json:"tables,omitempty"`
	Fields   map[string]Field `json:"fields,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
	// Overlay carries labeled boxes when the task has richer labels than Boxes.
	Overlay []OverlayBox `json:"-"`
}

// Usage contains token accounting reported by the runtime.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
