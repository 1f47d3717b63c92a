package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/docgen/internal/conversation"
	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
	"github.com/roelfdiedericks/docgen/internal/llm"
	"github.com/roelfdiedericks/docgen/internal/llm/llmtest"
	"github.com/roelfdiedericks/docgen/internal/metrics"
	"github.com/roelfdiedericks/docgen/internal/types"
)

const (
	tokenK1 = "AIzaSyK1K1K1K1K1K1K1K1K1"
	tokenK2 = "AIzaSyK2K2K2K2K2K2K2K2K2"
)

func rateLimited() error {
	return &llm.ProviderError{Provider: "fake", StatusCode: 429, Kind: llm.ErrorKindRateLimited, Err: errors.New("too many requests")}
}

func invalidKey() error {
	return &llm.ProviderError{Provider: "fake", StatusCode: 400, Kind: llm.ErrorKindInvalidCredential, Err: errors.New("API key not valid")}
}

type harness struct {
	pool    *credential.Pool
	session *conversation.Session
	fake    *llmtest.Connector
	orch    *Orchestrator
	k1, k2  credential.Credential

	mu       sync.Mutex
	attempts []Attempt
}

func newHarness(t *testing.T, respond func(llmtest.Call) llmtest.Reply, cfg Config) *harness {
	t.Helper()
	h := &harness{}
	h.pool = credential.NewPool(kvstore.NewMemoryStore(), credential.Config{})
	var err error
	h.k1, err = h.pool.Add(tokenK1, "K1")
	require.NoError(t, err)
	h.k2, err = h.pool.Add(tokenK2, "K2")
	require.NoError(t, err)

	h.fake = &llmtest.Connector{Respond: respond}
	h.session = conversation.New(h.fake, llm.GenerationConfig{})
	if cfg.Models == nil {
		cfg.Models = []string{"M1", "M2"}
	}
	cfg.OnAttempt = func(a Attempt) {
		h.mu.Lock()
		h.attempts = append(h.attempts, a)
		h.mu.Unlock()
	}
	h.orch = NewOrchestrator(h.pool, h.session, &Dispatcher{Provider: "fake"}, cfg)
	return h
}

func (h *harness) status(t *testing.T, id string) credential.Status {
	t.Helper()
	c, ok := h.pool.Get(id)
	require.True(t, ok)
	return c.Status
}

func collect(chunks *[]string) ChunkFunc {
	return func(c string) { *chunks = append(*chunks, c) }
}

func TestBuildCandidates(t *testing.T) {
	creds := []credential.Credential{{ID: "a"}, {ID: "b"}}

	got := BuildCandidates("M2", []string{"M1", "M2"}, creds)
	require.Len(t, got, 4)
	assert.Equal(t, "M2", got[0].Model)
	assert.Equal(t, "a", got[0].Credential.ID)
	assert.Equal(t, "b", got[1].Credential.ID)
	assert.Equal(t, "M1", got[2].Model)

	got = BuildCandidates("custom", []string{"M1"}, creds)
	require.Len(t, got, 4)
	assert.Equal(t, "custom", got[0].Model)
	assert.Equal(t, "M1", got[3].Model)

	assert.Empty(t, BuildCandidates("M1", []string{"M1"}, nil))
}

func TestFailoverScenario(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		switch {
		case c.Model == "M1":
			return llmtest.Reply{Err: rateLimited()}
		case c.Model == "M2" && c.Token == tokenK1:
			return llmtest.Reply{Chunks: []string{"hel", "lo"}}
		}
		return llmtest.Reply{Err: errors.New("unexpected candidate")}
	}, Config{})

	var chunks []string
	text, err := h.orch.Generate(context.Background(), "X", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, "hello", text)
	assert.Equal(t, []string{"hel", "lo"}, chunks)

	calls := h.fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, [2]string{"M1", tokenK1}, [2]string{calls[0].Model, calls[0].Token})
	assert.Equal(t, [2]string{"M1", tokenK2}, [2]string{calls[1].Model, calls[1].Token})
	assert.Equal(t, [2]string{"M2", tokenK1}, [2]string{calls[2].Model, calls[2].Token})

	assert.Equal(t, credential.StatusCooldown, h.status(t, h.k1.ID), "one strike stands after a later success")
	assert.Equal(t, credential.StatusCooldown, h.status(t, h.k2.ID))
	assert.Len(t, h.attempts, 2)
	assert.Equal(t, 2, h.session.Len())
}

func TestFailoverNoPartialCommit(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Token == tokenK1 {
			return llmtest.Reply{Chunks: []string{"partial "}, Err: rateLimited()}
		}
		return llmtest.Reply{Chunks: []string{"full answer."}}
	}, Config{})

	var chunks []string
	text, err := h.orch.Generate(context.Background(), "X", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, "full answer.", text)
	assert.Equal(t, []string{"partial ", "full answer."}, chunks)
	require.Len(t, h.attempts, 1, "the UI is told to discard the partial output")
	assert.Equal(t, llm.ErrorKindRateLimited, h.attempts[0].Kind)

	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Content: "X"},
		{Role: types.RoleModel, Content: "full answer."},
	}, h.session.ExportHistory())

	connects := h.fake.Connects()
	require.Len(t, connects, 2)
	assert.Empty(t, connects[1].History, "the failed exchange is not seeded into the next connection")
}

func TestFailoverHistoryContinuity(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Prompt == "q2" && c.Token == tokenK1 {
			return llmtest.Reply{Err: rateLimited()}
		}
		return llmtest.Reply{Chunks: []string{"a-" + c.Prompt}}
	}, Config{})

	_, err := h.orch.Generate(context.Background(), "q1", nil)
	require.NoError(t, err)
	text, err := h.orch.Generate(context.Background(), "q2", nil)
	require.NoError(t, err)
	assert.Equal(t, "a-q2", text)

	calls := h.fake.Calls()
	require.Len(t, calls, 3)
	last := calls[2]
	assert.Equal(t, tokenK2, last.Token)
	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Content: "q1"},
		{Role: types.RoleModel, Content: "a-q1"},
	}, last.History, "the rotated credential sees the full prior conversation")
	assert.Equal(t, 4, h.session.Len())
}

func TestFailoverAllDisabled(t *testing.T) {
	h := newHarness(t, llmtest.Text("never"), Config{})
	h.pool.MarkFailure(h.k1.ID, llm.ErrorKindInvalidCredential)
	h.pool.MarkFailure(h.k2.ID, llm.ErrorKindInvalidCredential)

	text, err := h.orch.Generate(context.Background(), "X", nil)
	assert.Empty(t, text)
	require.ErrorIs(t, err, ErrExhausted)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, llm.ErrorKindInvalidCredential, ex.Kind)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Empty(t, h.fake.Calls())
}

func TestFailoverAllCoolingDown(t *testing.T) {
	h := newHarness(t, llmtest.Text("never"), Config{})
	h.pool.MarkFailure(h.k1.ID, llm.ErrorKindQuotaExceeded)
	h.pool.MarkFailure(h.k2.ID, llm.ErrorKindRateLimited)

	_, err := h.orch.Generate(context.Background(), "X", nil)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, llm.ErrorKindQuotaExceeded, ex.Kind)
}

func TestFailoverSkipsCredentialDisabledMidCall(t *testing.T) {
	h := newHarness(t, func(llmtest.Call) llmtest.Reply {
		return llmtest.Reply{Err: invalidKey()}
	}, Config{})

	_, err := h.orch.Generate(context.Background(), "X", nil)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 2, "disabled credentials are not retried under the second model")
	assert.Equal(t, llm.ErrorKindInvalidCredential, ex.Kind)
	assert.Len(t, h.fake.Calls(), 2)
	assert.Equal(t, credential.StatusDisabled, h.status(t, h.k1.ID))
	assert.Equal(t, credential.StatusDisabled, h.status(t, h.k2.ID))
}

func TestFailoverExhaustedAfterRateLimits(t *testing.T) {
	rec := metrics.New()
	h := newHarness(t, func(llmtest.Call) llmtest.Reply {
		return llmtest.Reply{Err: rateLimited()}
	}, Config{Metrics: rec})

	_, err := h.orch.Generate(context.Background(), "X", nil)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 4)
	assert.Equal(t, llm.ErrorKindRateLimited, ex.Kind)
	assert.Equal(t, 0, h.session.Len())
}

func TestFailoverCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(llmtest.Call) llmtest.Reply {
		return llmtest.Reply{Chunks: []string{"start"}, Block: true}
	}, Config{})

	_, err := h.orch.Generate(ctx, "X", func(string) { cancel() })
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Len(t, h.fake.Calls(), 1, "no further candidates after cancellation")
	assert.Equal(t, credential.StatusActive, h.status(t, h.k1.ID))
	assert.Equal(t, 0, h.session.Len())
}

func TestFailoverAttemptTimeout(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Token == tokenK1 {
			return llmtest.Reply{Block: true}
		}
		return llmtest.Reply{Chunks: []string{"ok."}}
	}, Config{AttemptTimeout: 50 * time.Millisecond})

	text, err := h.orch.Generate(context.Background(), "X", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok.", text)

	require.Len(t, h.attempts, 1)
	assert.Equal(t, llm.ErrorKindNetwork, h.attempts[0].Kind)
	k1, _ := h.pool.Get(h.k1.ID)
	assert.Equal(t, credential.StatusActive, k1.Status, "timeouts do not penalise the credential")
	assert.Equal(t, 0, k1.ConsecutiveErrors)
}

func TestFailoverEmptyResponseMovesOn(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Token == tokenK1 {
			return llmtest.Reply{}
		}
		return llmtest.Reply{Chunks: []string{"real text."}}
	}, Config{})

	text, err := h.orch.Generate(context.Background(), "X", nil)
	require.NoError(t, err)
	assert.Equal(t, "real text.", text)

	k1, _ := h.pool.Get(h.k1.ID)
	assert.Equal(t, credential.StatusActive, k1.Status)
	assert.Equal(t, 1, k1.ConsecutiveErrors)
	assert.Equal(t, llm.ErrorKindUnknown, k1.LastError)
}

func TestFailoverContinuesTruncatedOutput(t *testing.T) {
	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Prompt == "continue please" {
			return llmtest.Reply{Chunks: []string{" baz |\n\nDone."}}
		}
		return llmtest.Reply{Chunks: []string{"| foo |", " bar"}}
	}, Config{Guard: NewGuard("continue please", 0)})

	var chunks []string
	text, err := h.orch.Generate(context.Background(), "table", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, "| foo | bar baz |\n\nDone.", text)
	assert.Equal(t, []string{"| foo |", " bar", " baz |\n\nDone."}, chunks)
	assert.Len(t, h.fake.Calls(), 2)
	assert.Equal(t, 4, h.session.Len())
}

func TestGenerateRejectsConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(c llmtest.Call) llmtest.Reply {
		if c.Prompt == "first" {
			return llmtest.Reply{Block: true}
		}
		return llmtest.Reply{Chunks: []string{"fine."}}
	}, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Generate(ctx, "first", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.orch.Generate(context.Background(), "second", nil)
	assert.ErrorIs(t, err, conversation.ErrBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	text, err := h.orch.Generate(context.Background(), "third", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine.", text)
}
