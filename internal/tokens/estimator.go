// Package tokens provides token estimation and prompt sizing utilities using tiktoken.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// DefaultEncoding is cl100k_base. Gemini and Claude tokenize differently,
// so counts are estimates for logging and sizing, never billing.
const DefaultEncoding = "cl100k_base"

// PerTurnOverhead approximates role and framing tokens added per turn.
const PerTurnOverhead = 4

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

// New creates a new token estimator. When the encoding cannot be loaded
// (offline, no cached BPE file) the estimator falls back to chars/4.
func New() *Estimator {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		L_warn("tokens: failed to load encoding, using fallback", "encoding", DefaultEncoding, "error", err)
		return &Estimator{}
	}
	return &Estimator{encoding: enc}
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return utf8.RuneCountInString(text) / 4
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountHistory estimates the tokens a history contributes to the next request.
func (e *Estimator) CountHistory(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += e.Count(t.Content) + PerTurnOverhead
	}
	return total
}

// DefaultMaxReferenceChars bounds reference material pasted into a prompt.
const DefaultMaxReferenceChars = 80000

// charsPerPage is a rough A4 page of prose, used in the clipping notice.
const charsPerPage = 2500

// ClipForPrompt keeps the head of text up to maxChars runes and appends a
// notice saying how much was dropped. Text within the limit is returned as is.
func ClipForPrompt(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxReferenceChars
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	removed := len(runes) - maxChars
	pages := (removed + charsPerPage/2) / charsPerPage
	return string(runes[:maxChars]) +
		fmt.Sprintf("\n\n[... %d characters (~%d pages) omitted for length. The material above covers the main points ...]", removed, pages)
}
