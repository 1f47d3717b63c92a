package tokens

import (
	"strings"
	"testing"

	"github.com/roelfdiedericks/docgen/internal/types"
)

func TestFallbackCount(t *testing.T) {
	var e *Estimator
	if got := e.Count("abcdefgh"); got != 2 {
		t.Errorf("fallback count: got %d, want 2", got)
	}
	empty := &Estimator{}
	if got := empty.Count(strings.Repeat("x", 40)); got != 10 {
		t.Errorf("fallback count: got %d, want 10", got)
	}
}

func TestCountHistoryAddsOverhead(t *testing.T) {
	e := &Estimator{}
	turns := []types.Turn{
		{Role: types.RoleUser, Content: "abcd"},
		{Role: types.RoleModel, Content: "abcdefgh"},
	}
	if got := e.CountHistory(turns); got != 1+2+2*PerTurnOverhead {
		t.Errorf("CountHistory: got %d", got)
	}
}

func TestClipForPrompt(t *testing.T) {
	short := "brief"
	if got := ClipForPrompt(short, 10); got != short {
		t.Errorf("short text changed: %q", got)
	}

	long := strings.Repeat("a", 6000)
	got := ClipForPrompt(long, 1000)
	if !strings.HasPrefix(got, strings.Repeat("a", 1000)+"\n\n[... 5000 characters (~2 pages)") {
		t.Errorf("clip notice mismatch: %q", got[990:])
	}
}
