// Package webhook delivers extraction and batch events to configured HTTP
// endpoints with optional HMAC signatures and retries.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vlmd/internal/config"
)

const (
	EventExtractionStarted   = "extraction.started"
	EventExtractionCompleted = "extraction.completed"
	EventExtractionFailed    = "extraction.failed"
	EventBatchStarted        = "batch.started"
	EventBatchProgress       = "batch.progress"
	EventBatchCompleted      = "batch.completed"
	EventBatchFailed         = "batch.failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

const maxDeliveries = 100

// Event is one notification before it is addressed to an endpoint.
type Event struct {
	Type       string
	JobID      string
	DocumentID string
	Data       map[string]any
}

// Payload is the JSON body posted to an endpoint.
type Payload struct {
	EventType  string         `json:"event_type"`
	Timestamp  string         `json:"timestamp"`
	JobID      string         `json:"job_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Data       map[string]any `json:"data"`
}

// Delivery records the outcome of posting one payload to one endpoint.
type Delivery struct {
	ID           string    `json:"delivery_id"`
	WebhookID    string    `json:"webhook_id"`
	EventType    string    `json:"event_type"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastAttempt  time.Time `json:"last_attempt"`
	ResponseCode int       `json:"response_code,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Dispatcher fans events out to the endpoints subscribed to them. Notify
// never blocks the caller; Close waits for pending deliveries.
type Dispatcher struct {
	hooks  []config.WebhookConfig
	client *resty.Client
	log    zerolog.Logger
	// delayUnit scales RetryDelaySeconds; tests shrink it.
	delayUnit time.Duration
	now       func() time.Time

	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	deliveries []Delivery
}

type Option func(*Dispatcher)

func WithClient(c *resty.Client) Option  { return func(d *Dispatcher) { d.client = c } }
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithDelayUnit sets the duration of one retry delay "second".
func WithDelayUnit(u time.Duration) Option { return func(d *Dispatcher) { d.delayUnit = u } }

func NewDispatcher(hooks []config.WebhookConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:     append([]config.WebhookConfig(nil), hooks...),
		client:    resty.New(),
		log:       zerolog.Nop(),
		delayUnit: time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribed lists the active endpoints that want eventType.
func (d *Dispatcher) Subscribed(eventType string) []config.WebhookConfig {
	var out []config.WebhookConfig
	for _, h := range d.hooks {
		if h.IsActive() && wants(h, eventType) {
			out = append(out, h)
		}
	}
	return out
}

func wants(h config.WebhookConfig, eventType string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Notify delivers ev in the background to every subscribed endpoint.
// Events arriving after Close are dropped.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	hooks := d.Subscribed(ev.Type)
	if len(hooks) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug().Str("event", ev.Type).Msg("webhook dispatcher closed; event dropped")
		return
	}
	d.wg.Add(len(hooks))
	d.mu.Unlock()
	p := d.payload(ev)
	for _, h := range hooks {
		go func(h config.WebhookConfig) {
			defer d.wg.Done()
			d.Deliver(context.Background(), h, p)
		}(h)
	}
}

// Trigger delivers ev synchronously and returns one record per endpoint.
func (d *Dispatcher) Trigger(ctx context.Context, ev Event) []Delivery {
	p := d.payload(ev)
	var out []Delivery
	for _, h := range d.Subscribed(ev.Type) {
		out = append(out, d.Deliver(ctx, h, p))
	}
	return out
}

func (d *Dispatcher) payload(ev Event) Payload {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	return Payload{
		EventType:  ev.Type,
		Timestamp:  d.now().UTC().Format(time.RFC3339Nano),
		JobID:      ev.JobID,
		DocumentID: ev.DocumentID,
		Data:       data,
	}
}

// Deliver posts p to h, retrying with a linearly growing delay until a 2xx
// response or h.RetryCount attempts.
func (d *Dispatcher) Deliver(ctx context.Context, h config.WebhookConfig, p Payload) Delivery {
	del := Delivery{ID: uuid.NewString(), WebhookID: h.ID, EventType: p.EventType, Status: "pending"}
	body, err := json.Marshal(p)
	if err != nil {
		del.Status, del.Error = "failed", err.Error()
		d.record(del)
		return del
	}
	attempts := h.RetryCount
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(h.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		del.Attempts = attempt
		del.LastAttempt = d.now()
		code, respBody, err := d.post(ctx, h, body, timeout)
		del.ResponseCode, del.ResponseBody = code, respBody
		if err != nil {
			del.Error = err.Error()
		} else if code >= 200 && code < 300 {
			del.Status, del.Error = "success", ""
			d.record(del)
			d.log.Debug().Str("webhook", h.ID).Str("event", p.EventType).Int("attempts", attempt).Msg("webhook delivered")
			return del
		} else {
			del.Error = fmt.Sprintf("unexpected status %d", code)
		}
		if attempt == attempts {
			break
		}
		wait := time.Duration(attempt*h.RetryDelaySeconds) * d.delayUnit
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			del.Error = ctx.Err().Error()
			attempt = attempts
		}
	}
	del.Status = "failed"
	d.record(del)
	d.log.Warn().Str("webhook", h.ID).Str("event", p.EventType).Int("attempts", del.Attempts).Str("error", del.Error).Msg("webhook delivery failed")
	return del
}

func (d *Dispatcher) post(ctx context.Context, h config.WebhookConfig, body []byte, timeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(h.Headers).
		SetBody(body)
	if h.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(h.Secret, body))
	}
	resp, err := req.Post(h.URL)
	if err != nil {
		return 0, "", err
	}
	rb := resp.String()
	if len(rb) > 1000 {
		rb = rb[:1000]
	}
	return resp.StatusCode(), rb, nil
}

func (d *Dispatcher) record(del Delivery) {
	d.mu.Lock()
	d.deliveries = append(d.deliveries, del)
	if len(d.deliveries) > maxDeliveries {
		d.deliveries = d.deliveries[len(d.deliveries)-maxDeliveries:]
	}
	d.mu.Unlock()
}

// Deliveries returns recent delivery records, oldest first, optionally
// filtered by webhook id and status.
func (d *Dispatcher) Deliveries(webhookID, status string) []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Delivery
	for _, del := range d.deliveries {
		if webhookID != "" && del.WebhookID != webhookID {
			continue
		}
		if status != "" && del.Status != status {
			continue
		}
		out = append(out, del)
	}
	return out
}

// Close stops accepting events and waits for background deliveries to
// finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
