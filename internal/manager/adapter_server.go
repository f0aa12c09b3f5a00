package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"vlmd/internal/config"
	"vlmd/pkg/types"
)

// serverAdapter connects to an OpenAI-compatible chat completions server
// that is already running (vLLM, llama-server, ...).
type serverAdapter struct {
	log          zerolog.Logger
	probe        *resty.Client
	probeTimeout time.Duration
}

// NewServerAdapter returns the adapter used by backend.mode=server.
func NewServerAdapter(log zerolog.Logger) InferenceAdapter {
	return &serverAdapter{log: log, probe: resty.New(), probeTimeout: 5 * time.Second}
}

func (a *serverAdapter) Start(ctx context.Context, cfg config.Config) (InferSession, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend.base_url is empty")
	}
	if err := probeModels(ctx, a.probe, base, cfg.Backend.APIKey, a.probeTimeout); err != nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("model server %s unreachable: %v", base, err))
	}
	model := cfg.Backend.ServedModel
	if model == "" {
		model = cfg.Model.ModelID()
	}
	a.log.Info().Str("url", base).Str("served_model", model).Msg("model server reachable")
	return newServerSession(base, cfg.Backend.APIKey, model, a.log), nil
}

// probeModels issues GET {base}/models and expects a 2xx answer.
func probeModels(ctx context.Context, cli *resty.Client, base, apiKey string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req := cli.R().SetContext(ctx)
	if apiKey != "" {
		req.SetAuthToken(apiKey)
	}
	resp, err := req.Get(base + "/models")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s/models: %s", base, resp.Status())
	}
	return nil
}

// serverSession streams chat completions from one endpoint.
type serverSession struct {
	client openai.Client
	model  string
	log    zerolog.Logger
	// onClose runs when the session is closed (the spawn runtime stops its process here).
	onClose func() error
}

func newServerSession(base, apiKey, model string, log zerolog.Logger) *serverSession {
	if apiKey == "" {
		// Never fall back to OPENAI_API_KEY from the environment.
		apiKey = "EMPTY"
	}
	client := openai.NewClient(
		option.WithBaseURL(base+"/"),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &serverSession{client: client, model: model, log: log}
}

func (s *serverSession) Generate(ctx context.Context, p types.PromptSpec, params InferParams, onToken func(string) error) (FinalResult, error) {
	msgs, opts, err := chatMessages(p)
	if err != nil {
		return FinalResult{}, err
	}
	req := openai.ChatCompletionNewParams{
		Model:         s.model,
		Messages:      msgs,
		MaxTokens:     openai.Int(int64(params.MaxTokens)),
		Temperature:   openai.Float(params.Temperature),
		TopP:          openai.Float(params.TopP),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if len(params.Stop) > 0 {
		req.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: params.Stop}
	}
	if p.HasMedia() && (params.MinPixels > 0 || params.MaxPixels > 0) {
		kw := map[string]any{"min_pixels": params.MinPixels, "max_pixels": params.MaxPixels}
		if params.TotalPixels > 0 {
			kw["total_pixels"] = params.TotalPixels
		}
		opts = append(opts, option.WithJSONSet("mm_processor_kwargs", kw))
	}

	stream := s.client.Chat.Completions.NewStreaming(ctx, req, opts...)
	defer stream.Close()

	var (
		final FinalResult
		text  strings.Builder
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			final.Usage = types.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if frag := c.Delta.Content; frag != "" {
			text.WriteString(frag)
			if err := onToken(frag); err != nil {
				return final, err
			}
		}
		if c.FinishReason != "" {
			final.FinishReason = c.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		return final, fmt.Errorf("chat completion stream: %w", err)
	}
	final.Content = text.String()
	return final, nil
}

func (s *serverSession) Close() error {
	if s.onClose != nil {
		return s.onClose()
	}
	return nil
}

// chatMessages builds the system and user messages. Media parts precede the
// instruction text. openai-go has no video part, so a video is sent as an
// empty text part that is replaced by a video_url part in the request body.
func chatMessages(p types.PromptSpec) ([]openai.ChatCompletionMessageParamUnion, []option.RequestOption, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		msgs = append(msgs, openai.SystemMessage(p.System))
	}
	if !p.HasMedia() {
		return append(msgs, openai.UserMessage(p.User)), nil, nil
	}
	userIdx := len(msgs)
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(p.Media)+1)
	var opts []option.RequestOption
	for _, ref := range p.Media {
		url, err := dataURL(ref)
		if err != nil {
			return nil, nil, err
		}
		if ref.Kind == types.MediaVideo {
			path := fmt.Sprintf("messages.%d.content.%d", userIdx, len(parts))
			opts = append(opts, option.WithJSONSet(path, map[string]any{
				"type":      "video_url",
				"video_url": map[string]string{"url": url},
			}))
			parts = append(parts, openai.TextContentPart(""))
			continue
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
	}
	parts = append(parts, openai.TextContentPart(p.User))
	return append(msgs, openai.UserMessage(parts)), opts, nil
}
