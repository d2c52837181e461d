// Package anthropic is a thin adapter over anthropic-sdk-go exposing the one
// call the analysis pipeline makes: a single-turn message with an optional
// cached system prefix.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
)

// Client sends messages to a model.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one model call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is a system prompt segment. A non-nil CacheControl marks a
// prompt cache breakpoint after it.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl sets the cache TTL, "5m" or "1h".
type CacheControl struct {
	TTL string
}

// Message is a conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// ContentBlock is one block of a reply.
type ContentBlock struct {
	Type string
	Text string
}

// MessageResponse is a model reply with its token usage. Usage.Cost is left
// for the caller to price.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      model.TokenUsage
}

// Text joins the text blocks of the reply.
func (r *MessageResponse) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Truncated reports whether the reply stopped at the token limit.
func (r *MessageResponse) Truncated() bool {
	return r.StopReason == "max_tokens"
}

// LogUsage records the tokens and cost of one call attributed to a pass.
func LogUsage(modelID, pass string, u model.TokenUsage) {
	zap.L().Info("model usage",
		zap.String("model", modelID),
		zap.String("pass", pass),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationTokens),
		zap.Int64("cache_read_tokens", u.CacheReadTokens),
		zap.Float64("cost_usd", u.Cost),
	)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient returns a Client backed by the SDK with its built-in retries
// turned off. Retries happen in the caller so each attempt reaches the
// checkpoint.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, messageParam(m))
	}
	for _, b := range req.System {
		params.System = append(params.System, systemParam(b))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		err = eris.Wrap(err, "anthropic: create message")
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}
	return response(msg), nil
}

func messageParam(m Message) sdk.MessageParam {
	if m.Role == "assistant" {
		return sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content))
	}
	return sdk.NewUserMessage(sdk.NewTextBlock(m.Content))
}

func systemParam(b SystemBlock) sdk.TextBlockParam {
	p := sdk.TextBlockParam{Text: b.Text}
	if b.CacheControl != nil {
		p.CacheControl = sdk.NewCacheControlEphemeralParam()
		if b.CacheControl.TTL != "" {
			p.CacheControl.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
		}
	}
	return p
}

func response(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: model.TokenUsage{
			InputTokens:         msg.Usage.InputTokens,
			OutputTokens:        msg.Usage.OutputTokens,
			CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}
