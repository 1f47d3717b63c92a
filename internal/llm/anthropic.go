package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// anthropicMaxTokens is the largest output limit accepted across current
// Claude models; larger configured values are capped.
const anthropicMaxTokens = 64000

// AnthropicConnector opens connections to the Anthropic Messages API.
// Supports custom BaseURL for Anthropic-compatible APIs.
type AnthropicConnector struct {
	opts ConnectorOptions
}

func NewAnthropicConnector(opts ConnectorOptions) *AnthropicConnector {
	return &AnthropicConnector{opts: opts}
}

func (c *AnthropicConnector) Name() string { return "anthropic" }

func (c *AnthropicConnector) Connect(ctx context.Context, req ConnectRequest) (Connection, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(req.Token),
		option.WithHTTPClient(c.opts.HTTPClient),
	}
	if c.opts.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.opts.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	L_debug("anthropic: connection created", "model", req.Model, "history", len(req.History))
	return &anthropicConnection{
		client:  &client,
		model:   req.Model,
		config:  req.Config,
		history: newChatHistory(req.History),
	}, nil
}

type anthropicConnection struct {
	client  *anthropic.Client
	model   string
	config  GenerationConfig
	history chatHistory
}

func (a *anthropicConnection) Model() string { return a.model }

func (a *anthropicConnection) params(prompt string) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(a.history.turns)+1)
	for _, t := range a.history.turns {
		if t.Role == types.RoleModel {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	maxTokens := a.config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	if maxTokens > anthropicMaxTokens {
		maxTokens = anthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if a.config.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.config.SystemInstruction}}
	}
	// newer models reject temperature together with top_p, so only temperature is sent
	if a.config.Temperature > 0 {
		params.Temperature = anthropic.Float(a.config.Temperature)
	}
	if a.config.TopK > 0 {
		params.TopK = anthropic.Int(int64(a.config.TopK))
	}
	return params
}

func (a *anthropicConnection) SendStreaming(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		stream := a.client.Messages.NewStreaming(ctx, a.params(prompt))
		defer stream.Close()

		var sb strings.Builder
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					sb.WriteString(delta.Text)
					if !yield(delta.Text, nil) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			pe := &ProviderError{Provider: "anthropic", Model: a.model, Err: err}
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				pe.StatusCode = apiErr.StatusCode
			}
			yield("", pe)
			return
		}

		a.history.commit(prompt, sb.String())
		L_trace("anthropic: stream complete", "model", a.model, "textLen", sb.Len(), "duration", time.Since(start).Round(time.Millisecond))
	}
}
