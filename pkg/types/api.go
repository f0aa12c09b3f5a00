package types

// InferRequest represents a task inference request payload.
type InferRequest struct {
	// Task identifier. See GET /tasks for the registered set.
	// example: ocr
	Task string `json:"task" example:"ocr"`
	// Optional input text (used by text-capable tasks such as ner).
	// example: Paid $50 to Acme Corp on 2024-01-01
	Text string `json:"text,omitempty" example:"Paid $50 to Acme Corp on 2024-01-01"`
	// Optional user prompt overriding the task's default instruction.
	Prompt string `json:"prompt,omitempty"`
	// Image reference: local path, http(s):// URL or s3://bucket/key.
	// example: /data/scans/invoice-001.jpg
	Image string `json:"image,omitempty" example:"/data/scans/invoice-001.jpg"`
	// Video reference: local path, http(s):// URL or s3://bucket/key.
	Video string `json:"video,omitempty"`
	// Page images of one multi-page document, processed in order. Use
	// instead of image.
	// example: ["/data/scans/contract-p1.png","/data/scans/contract-p2.png"]
	Pages []string `json:"pages,omitempty"`
	// How page results are merged: concatenate (default) or structured.
	// example: concatenate
	Merge string `json:"merge,omitempty" example:"concatenate"`
	// Extraction schema for field_extraction.
	Schema *ExtractionSchema `json:"schema,omitempty"`
	// Named preset schema for field_extraction (invoice, receipt, id_card, business_card).
	// example: receipt
	Preset string `json:"preset,omitempty" example:"receipt"`
	// Task-specific options, e.g. output_format=csv, entity_types=PERSON,DATE, document_type=receipt.
	Options map[string]string `json:"options,omitempty"`
	// Maximum number of new tokens; 0 uses the configured budget.
	// example: 1024
	MaxTokens int `json:"max_tokens,omitempty" example:"1024"`
	// If true, stream NDJSON partial lines followed by a final done line.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
}

// Option returns a task option or "".
func (r InferRequest) Option(key string) string {
	if r.Options == nil {
		return ""
	}
	return r.Options[key]
}

// ExtractionSchema lists the fields a field_extraction request asks for.
type ExtractionSchema struct {
	Fields []SchemaField `json:"fields"`
	// Date ordering checks across fields. Empty uses the common pairs
	// (start/end, effective/termination, invoice/due, order/delivery).
	DateRules []DateRule `json:"date_rules,omitempty"`
}

// DateRule says the date in Before must not fall after the date in After.
type DateRule struct {
	// example: date
	Before string `json:"before" example:"date"`
	// example: due_date
	After string `json:"after" example:"due_date"`
}

// SchemaField describes one requested field.
type SchemaField struct {
	// example: invoice_number
	Name string `json:"name" example:"invoice_number"`
	// One of string, date, currency, email, phone, url, percentage, integer, array.
	// example: string
	Type string `json:"type,omitempty" example:"string"`
	// example: Invoice number or ID
	Description string `json:"description,omitempty" example:"Invoice number or ID"`
	// The field must be present in the output.
	Required bool `json:"required,omitempty"`
	// The field must be present whenever the named field has a value.
	// example: discount
	RequiredIf string `json:"required_if,omitempty" example:"discount"`
}

// UploadForm holds the non-file fields of POST /infer/upload.
type UploadForm struct {
	Task      string   `schema:"task,required"`
	Text      string   `schema:"text"`
	Prompt    string   `schema:"prompt"`
	Preset    string   `schema:"preset"`
	Schema    string   `schema:"schema"`
	Stream    bool     `schema:"stream"`
	MaxTokens int      `schema:"max_tokens"`
	Options   []string `schema:"option"`
}

// InferResponse is the final result of an inference request.
type InferResponse struct {
	// Task identifier; always equals the request task.
	// example: ocr
	Task   string `json:"task" example:"ocr"`
	Result Result `json:"result"`
	// Labeled boxes for visualization.
	Overlay []OverlayBox `json:"overlay,omitempty"`
	// Raw model output text.
	RawText      string `json:"raw_text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	// example: 1834
	DurationMS int64  `json:"duration_ms" example:"1834"`
	RequestID  string `json:"request_id,omitempty"`
	// Per-page results of a multi-page request; Result holds the merge.
	Pages []PageResult `json:"pages,omitempty"`
}

// PageResult is the outcome of one page of a multi-page request.
type PageResult struct {
	// 1-based page number.
	// example: 1
	Page       int          `json:"page" example:"1"`
	Result     Result       `json:"result"`
	Overlay    []OverlayBox `json:"overlay,omitempty"`
	RawText    string       `json:"raw_text,omitempty"`
	Usage      Usage        `json:"usage"`
	DurationMS int64        `json:"duration_ms"`
}

// StreamLine is one NDJSON line of a streamed /infer response.
type StreamLine struct {
	Task  string `json:"task"`
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	// Page is set on the line that completes one page of a multi-page request.
	Page     *PageResult    `json:"page,omitempty"`
	Response *InferResponse `json:"response,omitempty"`
	Error    *ErrorResponse `json:"error,omitempty"`
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	// example: ocr
	ID string `json:"id" example:"ocr"`
	// example: Extract all text, optionally with bounding boxes
	Description   string `json:"description" example:"Extract all text, optionally with bounding boxes"`
	RequiresMedia bool   `json:"requires_media"`
	AcceptsText   bool   `json:"accepts_text"`
	AcceptsVideo  bool   `json:"accepts_video"`
}

// TasksResponse wraps the list returned by GET /tasks.
type TasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Model handle state (unloaded, loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Model identifier of the loaded handle.
	// example: Qwen/Qwen2.5-VL-7B-Instruct
	Model string `json:"model,omitempty" example:"Qwen/Qwen2.5-VL-7B-Instruct"`
	// Runtime backend mode (server, spawn, llama).
	// example: server
	Backend string `json:"backend" example:"server"`
	// Requests holding a queue slot, including the in-flight one.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Number of handle constructions (0 or 1 in a healthy process).
	// example: 1
	LoadsTotal uint64 `json:"loads_total" example:"1"`
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Estimated VRAM for the configured model in GB.
	// example: 14
	EstimatedVRAMGB float64 `json:"estimated_vram_gb" example:"14"`
	LastError       string  `json:"last_error,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// BatchRequest submits several inference requests as one job.
type BatchRequest struct {
	Items []InferRequest `json:"items"`
}

// BatchSubmitResponse is returned by POST /batch.
type BatchSubmitResponse struct {
	// example: 3f1c2a9e-8b1d-4c55-9f0e-0d6b5a1c7e42
	JobID string `json:"job_id" example:"3f1c2a9e-8b1d-4c55-9f0e-0d6b5a1c7e42"`
}

// BatchItemStatus is the state of one item of a batch job.
type BatchItemStatus struct {
	Index    int            `json:"index"`
	Task     string         `json:"task"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Response *InferResponse `json:"response,omitempty"`
}

// BatchJobResponse is returned by GET /batch/{id}.
type BatchJobResponse struct {
	ID string `json:"id"`
	// pending, processing, completed, failed, cancelled
	// example: processing
	Status    string            `json:"status" example:"processing"`
	Total     int               `json:"total"`
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Progress  float64           `json:"progress"`
	Items     []BatchItemStatus `json:"items"`
	CreatedAt int64             `json:"created_at_unix"`
	EndedAt   int64             `json:"ended_at_unix,omitempty"`
}

// ExportRequest is the body of POST /export.
type ExportRequest struct {
	// json or csv.
	// example: csv
	Format string `json:"format" example:"csv"`
	// Records to export: an object, a list of objects or an InferResponse.
	Data any `json:"data"`
	// CSV column order; defaults to the keys of the first record.
	Columns []string `json:"columns,omitempty"`
	// Indent JSON output.
	Pretty bool `json:"pretty,omitempty"`
}
