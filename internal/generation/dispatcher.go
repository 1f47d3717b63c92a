// Package generation streams prompts through a conversation, fails over
// across credentials and models, and completes cut-off responses.
package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/roelfdiedericks/docgen/internal/conversation"
	"github.com/roelfdiedericks/docgen/internal/llm"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/metrics"
	"github.com/roelfdiedericks/docgen/internal/tokens"
)

// ErrEmptyResponse reports a stream that finished without any text.
var ErrEmptyResponse = errors.New("provider returned an empty response")

// ChunkFunc receives streamed fragments in arrival order.
type ChunkFunc func(chunk string)

// Dispatcher sends one prompt over one connection and commits the exchange
// to the session once the provider has finished.
type Dispatcher struct {
	Provider  string
	Estimator *tokens.Estimator // nil estimates chars/4
	Metrics   *metrics.Recorder
}

// Stream forwards every non-empty fragment to onChunk and returns the full
// text. On any failure nothing is committed and the error is a
// *llm.ProviderError carrying its classified kind.
func (d *Dispatcher) Stream(ctx context.Context, session *conversation.Session, conn llm.Connection, prompt string, onChunk ChunkFunc) (string, error) {
	model := conn.Model()
	start := time.Now()
	L_debug("dispatch: sending",
		"model", model,
		"promptTokens", d.Estimator.Count(prompt),
		"historyTokens", d.Estimator.CountHistory(session.ExportHistory()),
	)

	var sb strings.Builder
	chunks := 0
	for chunk, err := range conn.SendStreaming(ctx, prompt) {
		if err != nil {
			session.Invalidate()
			return "", d.wrap(model, err)
		}
		if chunk == "" {
			continue
		}
		chunks++
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		// the connection has already recorded the empty exchange
		session.Invalidate()
		return "", &llm.ProviderError{Provider: d.Provider, Model: model, Kind: llm.ErrorKindUnknown, Err: ErrEmptyResponse}
	}

	session.CommitTurn(prompt, text)
	d.Metrics.StreamChunks(chunks)
	L_debug("dispatch: completed",
		"model", model,
		"chunks", chunks,
		"chars", len(text),
		"replyTokens", d.Estimator.Count(text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return text, nil
}

func (d *Dispatcher) wrap(model string, err error) error {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		if pe.Kind == "" {
			classified := *pe
			classified.Kind = llm.Classify(err)
			return &classified
		}
		return pe
	}
	return &llm.ProviderError{Provider: d.Provider, Model: model, Kind: llm.Classify(err), Err: err}
}
