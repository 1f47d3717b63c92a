package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// OpenAIConnector opens connections to OpenAI or any OpenAI-compatible
// chat completions endpoint (OpenRouter, LM Studio, Gemini's compat layer).
type OpenAIConnector struct {
	opts ConnectorOptions
}

func NewOpenAIConnector(opts ConnectorOptions) *OpenAIConnector {
	return &OpenAIConnector{opts: opts}
}

func (c *OpenAIConnector) Name() string { return "openai" }

func (c *OpenAIConnector) Connect(ctx context.Context, req ConnectRequest) (Connection, error) {
	config := openai.DefaultConfig(req.Token)
	if baseURL := c.opts.BaseURL; baseURL != "" {
		// OpenAI-compatible APIs live under /v1
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}
	config.HTTPClient = c.opts.HTTPClient

	L_debug("openai: connection created", "model", req.Model, "history", len(req.History))
	return &openAIConnection{
		client:  openai.NewClientWithConfig(config),
		model:   req.Model,
		config:  req.Config,
		history: newChatHistory(req.History),
	}, nil
}

type openAIConnection struct {
	client  *openai.Client
	model   string
	config  GenerationConfig
	history chatHistory
}

func (o *openAIConnection) Model() string { return o.model }

func (o *openAIConnection) request(prompt string) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(o.history.turns)+2)
	if o.config.SystemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.config.SystemInstruction})
	}
	for _, t := range o.history.turns {
		role := openai.ChatMessageRoleUser
		if t.Role == types.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	return openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   o.config.MaxOutputTokens,
		Temperature: float32(o.config.Temperature),
		TopP:        float32(o.config.TopP),
		Stream:      true,
	}
}

func (o *openAIConnection) wrap(err error) error {
	pe := &ProviderError{Provider: "openai", Model: o.model, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.HTTPStatusCode
	} else if errors.As(err, &reqErr) {
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	return pe
}

func (o *openAIConnection) SendStreaming(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		stream, err := o.client.CreateChatCompletionStream(ctx, o.request(prompt))
		if err != nil {
			yield("", o.wrap(err))
			return
		}
		defer stream.Close()

		var sb strings.Builder
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", o.wrap(err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			sb.WriteString(text)
			if !yield(text, nil) {
				return
			}
		}

		o.history.commit(prompt, sb.String())
		L_trace("openai: stream complete", "model", o.model, "textLen", sb.Len(), "duration", time.Since(start).Round(time.Millisecond))
	}
}
