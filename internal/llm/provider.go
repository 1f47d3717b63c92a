package llm

import (
	"context"
	"iter"

	"github.com/roelfdiedericks/docgen/internal/types"
)

// GenerationConfig holds the sampling and framing settings sent with
// every request. Zero values mean "provider default".
type GenerationConfig struct {
	SystemInstruction string
	Temperature       float64
	TopK              int
	TopP              float64
	MaxOutputTokens   int
	ThinkingBudget    int
	UseSearch         bool
}

// ConnectRequest describes the connection a session needs: which credential,
// which model, and the history the provider must be seeded with.
type ConnectRequest struct {
	Token   string
	Model   string
	History []types.Turn
	Config  GenerationConfig
}

// Connection is a live, stateful conversation with one model under one
// credential. It remembers every exchange that completed successfully.
type Connection interface {
	// SendStreaming sends prompt and yields text fragments in arrival order.
	// A non-nil error ends the sequence. The exchange is added to the
	// connection's own history only when the sequence completes cleanly.
	SendStreaming(ctx context.Context, prompt string) iter.Seq2[string, error]
	Model() string
}

// Connector opens connections. Implementations must not perform network
// I/O that can fail for credential reasons inside Connect; those failures
// surface from the first SendStreaming call where they can be classified.
type Connector interface {
	Connect(ctx context.Context, req ConnectRequest) (Connection, error)
	Name() string
}

// chatHistory is the shared bookkeeping for drivers that resend the whole
// history on every request.
type chatHistory struct {
	turns []types.Turn
}

func newChatHistory(seed []types.Turn) chatHistory {
	return chatHistory{turns: types.CloneTurns(seed)}
}

func (h *chatHistory) commit(prompt, reply string) {
	h.turns = append(h.turns,
		types.Turn{Role: types.RoleUser, Content: prompt},
		types.Turn{Role: types.RoleModel, Content: reply},
	)
}
