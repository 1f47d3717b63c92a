package generation

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/roelfdiedericks/docgen/internal/config"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/metrics"
)

// DefaultMinOpenLineLength is the length above which a final line without
// closing punctuation counts as cut off.
const DefaultMinOpenLineLength = 20

// Predicate reports whether a response looks cut off.
type Predicate func(text string) bool

// GenerateFunc runs one generation; the guard uses it for the continuation.
type GenerateFunc func(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error)

// IsLikelyTruncated is the default predicate.
func IsLikelyTruncated(text string) bool {
	return truncatedAt(text, DefaultMinOpenLineLength)
}

// TruncationPredicate returns the default rule with a different open line
// threshold.
func TruncationPredicate(minOpenLineLength int) Predicate {
	if minOpenLineLength <= 0 {
		minOpenLineLength = DefaultMinOpenLineLength
	}
	return func(text string) bool { return truncatedAt(text, minOpenLineLength) }
}

const (
	hardEndings    = "|,:"
	closedEndings  = ".!?…;。！？)]}\"'”’»*_`"
	fenceBacktick  = "```"
	fenceTilde     = "~~~"
	tableDelimiter = "|"
)

func truncatedAt(text string, minOpenLineLength int) bool {
	lines := strings.Split(text, "\n")
	last := ""
	fences := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, fenceBacktick) || strings.HasPrefix(trimmed, fenceTilde) {
			fences++
		}
		last = trimmed
	}
	if last == "" {
		return false
	}
	if fences%2 == 1 {
		return true
	}
	if isStructuralMarker(last) {
		return false
	}

	r, _ := utf8.DecodeLastRuneInString(last)
	if strings.ContainsRune(hardEndings, r) {
		return true
	}
	if strings.HasPrefix(last, tableDelimiter) {
		// open table row
		return true
	}
	if utf8.RuneCountInString(last) <= minOpenLineLength {
		return false
	}
	return !strings.ContainsRune(closedEndings, r)
}

func isStructuralMarker(line string) bool {
	if strings.HasPrefix(line, fenceBacktick) || strings.HasPrefix(line, fenceTilde) {
		return true
	}
	if isHeading(line) {
		return true
	}
	if len(line) < 3 {
		return false
	}
	c := line[0]
	if c != '-' && c != '*' && c != '_' {
		return false
	}
	return strings.Trim(line, string(c)+" ") == ""
}

// isHeading matches an ATX heading: one to six '#' then a space or nothing.
func isHeading(line string) bool {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 {
		return false
	}
	return n == len(line) || line[n] == ' ' || line[n] == '\t'
}

// Guard completes responses that look cut off with exactly one
// continuation request.
//
// The continuation streams through the same onChunk as the original
// response. If generate fails over while continuing, fragments of the
// abandoned attempt have already reached onChunk but are not part of the
// returned text; callers that render the stream must drop them when told
// an attempt failed (failover Config.OnAttempt). After a continuation that
// fails outright, the returned text is the original response only.
type Guard struct {
	Detect  Predicate
	Prompt  string
	Metrics *metrics.Recorder
}

// NewGuard builds a guard around the default rule.
func NewGuard(prompt string, minOpenLineLength int) *Guard {
	if prompt == "" {
		prompt = config.DefaultContinuationPrompt
	}
	return &Guard{Detect: TruncationPredicate(minOpenLineLength), Prompt: prompt}
}

// Complete returns text, extended by one continuation through generate when
// Detect flags it. A failed continuation returns text unchanged.
func (g *Guard) Complete(ctx context.Context, text string, generate GenerateFunc, onChunk ChunkFunc) string {
	if g == nil || g.Detect == nil || !g.Detect(text) {
		return text
	}

	L_info("truncation: response looks cut off, requesting continuation", "chars", len(text))
	more, err := generate(ctx, g.Prompt, onChunk)
	if err != nil {
		g.Metrics.Continuation(metrics.OutcomeFailure)
		L_warn("truncation: continuation failed, keeping partial document", "error", err)
		return text
	}
	g.Metrics.Continuation(metrics.OutcomeSuccess)
	return text + more
}
