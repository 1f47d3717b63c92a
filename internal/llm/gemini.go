package llm

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// GeminiConnector opens connections to the Gemini API.
type GeminiConnector struct {
	opts ConnectorOptions
}

func NewGeminiConnector(opts ConnectorOptions) *GeminiConnector {
	return &GeminiConnector{opts: opts}
}

func (c *GeminiConnector) Name() string { return "gemini" }

// Connect creates a client for req.Token. The genai client does no I/O
// until the first request.
func (c *GeminiConnector) Connect(ctx context.Context, req ConnectRequest) (Connection, error) {
	cc := &genai.ClientConfig{
		APIKey:     req.Token,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.opts.HTTPClient,
	}
	if c.opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Model: req.Model, Err: fmt.Errorf("create client: %w", err)}
	}

	L_debug("gemini: connection created", "model", req.Model, "history", len(req.History))
	return &geminiConnection{
		client:  client,
		model:   normalizeGeminiModel(req.Model),
		display: req.Model,
		config:  buildGeminiConfig(req.Config),
		history: newChatHistory(req.History),
	}, nil
}

type geminiConnection struct {
	client  *genai.Client
	model   string
	display string
	config  *genai.GenerateContentConfig
	history chatHistory
}

func (g *geminiConnection) Model() string { return g.display }

func (g *geminiConnection) SendStreaming(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := make([]*genai.Content, 0, len(g.history.turns)+1)
		for _, t := range g.history.turns {
			role := genai.Role(genai.RoleUser)
			if t.Role == types.RoleModel {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(t.Content, role))
		}
		contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

		start := time.Now()
		var sb strings.Builder
		chunks := 0
		for result, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config) {
			if err != nil {
				yield("", g.wrap(err))
				return
			}
			if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
				continue
			}
			text := geminiText(result.Candidates[0].Content)
			if text == "" {
				continue
			}
			chunks++
			sb.WriteString(text)
			if !yield(text, nil) {
				return
			}
		}

		g.history.commit(prompt, sb.String())
		L_trace("gemini: stream complete", "model", g.display, "chunks", chunks, "duration", time.Since(start).Round(time.Millisecond))
	}
}

var geminiStatusRe = regexp.MustCompile(`Error (\d{3}),`)

func (g *geminiConnection) wrap(err error) error {
	pe := &ProviderError{Provider: "gemini", Model: g.display, Err: err}
	if m := geminiStatusRe.FindStringSubmatch(err.Error()); len(m) == 2 {
		pe.StatusCode, _ = strconv.Atoi(m[1])
	}
	return pe
}

// geminiText joins the visible text parts, skipping thought summaries.
func geminiText(content *genai.Content) string {
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func buildGeminiConfig(gc GenerationConfig) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if gc.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(gc.SystemInstruction, genai.RoleUser)
	}
	if gc.Temperature > 0 {
		temp := float32(gc.Temperature)
		cfg.Temperature = &temp
	}
	if gc.TopK > 0 {
		topK := float32(gc.TopK)
		cfg.TopK = &topK
	}
	if gc.TopP > 0 {
		topP := float32(gc.TopP)
		cfg.TopP = &topP
	}
	if gc.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(gc.MaxOutputTokens)
	}
	if gc.ThinkingBudget > 0 {
		budget := int32(gc.ThinkingBudget)
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	if gc.UseSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// normalizeGeminiModel qualifies a bare model id with the "models/" prefix.
func normalizeGeminiModel(model string) string {
	trimmed := strings.TrimSpace(model)
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "tunedmodels/") {
		return trimmed
	}
	return "models/" + trimmed
}
