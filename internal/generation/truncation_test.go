package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLikelyTruncated(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"whitespace only", " \n\t\n", false},
		{"sentence", "The report ends here.", false},
		{"open table row", "| Metric | Before |\n|---|---|\n| foo | bar", true},
		{"closed table row", "| foo | bar |", true},
		{"trailing colon", "The main findings are:", true},
		{"trailing comma", "apples, pears,", true},
		{"short heading", "## Conclusion", false},
		{"long heading", "## A heading that has no period at all", false},
		{"heading with colon", "### Recommendations for the next release:", false},
		{"hash without space", "#hashtag lines like this one run well past the limit", true},
		{"long open line", "This sentence runs on well past the limit and stops mid", true},
		{"long closed line", "This sentence runs on well past the limit and finishes.", false},
		{"cjk full stop", "Kết luận và kiến nghị được trình bày đầy đủ ở phần trên。", false},
		{"closing bold", "**This is a long bold closing statement here**", false},
		{"closing paren", "See the appendix for the complete data set (table 4)", false},
		{"horizontal rule", "Section text.\n\n---", false},
		{"spaced rule", "Section text.\n\n* * *", false},
		{"closed fence", "Example:\n```go\nx := computeTheValueOfSomethingLong(1)\n```", false},
		{"open fence", "Example:\n```go\nx := computeTheValueOfSomethingLong(1)", true},
		{"trailing blank lines", "All sections are complete and reviewed.\n\n  \n", false},
		{"list item", "- short item", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLikelyTruncated(tt.text))
		})
	}
}

func TestTruncationPredicateThreshold(t *testing.T) {
	line := "twelve chars"
	assert.False(t, TruncationPredicate(20)(line))
	assert.True(t, TruncationPredicate(5)(line))
	assert.False(t, TruncationPredicate(0)(line), "zero falls back to the default threshold")
}

func TestGuardComplete(t *testing.T) {
	var prompts []string
	generate := func(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
		prompts = append(prompts, prompt)
		onChunk(" | baz |")
		return " | baz |", nil
	}

	var got []string
	g := NewGuard("", 0)
	out := g.Complete(context.Background(), "| foo | bar", generate, func(c string) { got = append(got, c) })

	assert.Equal(t, "| foo | bar | baz |", out)
	assert.Len(t, prompts, 1, "exactly one continuation even if the result still looks cut off")
	assert.NotEmpty(t, prompts[0])
	assert.Equal(t, []string{" | baz |"}, got)
}

func TestGuardSkipsCompleteText(t *testing.T) {
	called := false
	generate := func(context.Context, string, ChunkFunc) (string, error) {
		called = true
		return "", nil
	}
	g := &Guard{Detect: IsLikelyTruncated, Prompt: "continue"}
	assert.Equal(t, "Done.", g.Complete(context.Background(), "Done.", generate, nil))
	assert.False(t, called)

	var nilGuard *Guard
	assert.Equal(t, "| open", nilGuard.Complete(context.Background(), "| open", generate, nil))
	assert.False(t, called)
}

func TestGuardKeepsTextWhenContinuationFails(t *testing.T) {
	generate := func(context.Context, string, ChunkFunc) (string, error) {
		return "", errors.New("boom")
	}
	g := &Guard{Detect: func(string) bool { return true }, Prompt: "continue"}
	assert.Equal(t, "partial", g.Complete(context.Background(), "partial", generate, nil))
}

func TestGuardStreamMayOutrunResultOnFailedContinuation(t *testing.T) {
	generate := func(_ context.Context, _ string, onChunk ChunkFunc) (string, error) {
		onChunk("abandoned")
		return "", errors.New("all candidates failed")
	}
	var streamed []string
	g := &Guard{Detect: func(string) bool { return true }, Prompt: "continue"}
	out := g.Complete(context.Background(), "partial", generate, func(s string) { streamed = append(streamed, s) })

	assert.Equal(t, "partial", out)
	assert.Equal(t, []string{"abandoned"}, streamed)
}
