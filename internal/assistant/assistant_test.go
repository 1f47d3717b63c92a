package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/docgen/internal/bus"
	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
	"github.com/roelfdiedericks/docgen/internal/llm"
	"github.com/roelfdiedericks/docgen/internal/llm/llmtest"
	"github.com/roelfdiedericks/docgen/internal/metrics"
	"github.com/roelfdiedericks/docgen/internal/types"
)

const (
	tokenA = "AIzaSyAAAAAAAAAAAAAAAA1111"
	tokenB = "AIzaSyBBBBBBBBBBBBBBBB2222"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Models = []string{"M1", "M2"}
	cfg.Storage.Backend = "memory"
	return cfg
}

func newTestAssistant(t *testing.T, cfg *config.Config, respond func(llmtest.Call) llmtest.Reply) (*Assistant, *llmtest.Connector, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	fake := &llmtest.Connector{Respond: respond}
	a, err := New(Options{Config: cfg, Store: store, Connector: fake, Metrics: metrics.New()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, fake, store
}

func TestNewRequiresConfigAndStore(t *testing.T) {
	_, err := New(Options{Store: kvstore.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Driver = "telegraph"
	_, err := New(Options{Config: cfg, Store: kvstore.NewMemoryStore()})
	assert.Error(t, err)
}

func TestPreloadAndGenerate(t *testing.T) {
	cfg := testConfig()
	cfg.Credentials.Preload = []string{tokenA, tokenB}
	a, fake, _ := newTestAssistant(t, cfg, llmtest.Text("Hello", " world."))

	require.Len(t, a.ListCredentials(), 2)

	var chunks []string
	text, err := a.Generate(context.Background(), "greet", func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, "Hello world.", text)
	assert.Equal(t, []string{"Hello", " world."}, chunks)

	connects := fake.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, "M1", connects[0].Model)
	assert.Equal(t, config.DefaultSystemInstruction, connects[0].Config.SystemInstruction)
	assert.True(t, connects[0].Config.UseSearch)
	assert.Len(t, a.ExportHistory(), 2)
}

func TestInitializeSessionUsesModel(t *testing.T) {
	a, fake, _ := newTestAssistant(t, testConfig(), llmtest.Text("ok."))
	_, err := a.AddCredential(tokenA, "")
	require.NoError(t, err)

	a.InitializeSession("M2")
	_, err = a.Generate(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "M2", fake.Calls()[0].Model)

	a.InitializeSession("")
	assert.Equal(t, "M1", a.Session().PreferredModel())
	assert.Empty(t, a.ExportHistory())
}

func TestCredentialEventsReachBus(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var topics []string
	b.Subscribe("credential.*", func(e bus.Event) {
		mu.Lock()
		topics = append(topics, e.Topic)
		mu.Unlock()
	})

	fake := &llmtest.Connector{Respond: func(c llmtest.Call) llmtest.Reply {
		if c.Token == tokenA {
			return llmtest.Reply{Err: &llm.ProviderError{Provider: "fake", Kind: llm.ErrorKindQuotaExceeded, Err: errors.New("quota")}}
		}
		return llmtest.Reply{Chunks: []string{"fine."}}
	}}
	var failed []generation.Attempt
	a, err := New(Options{
		Config:    testConfig(),
		Store:     kvstore.NewMemoryStore(),
		Connector: fake,
		Bus:       b,
		OnAttempt: func(at generation.Attempt) { failed = append(failed, at) },
	})
	require.NoError(t, err)

	_, err = a.AddCredential(tokenA, "primary")
	require.NoError(t, err)
	_, err = a.AddCredential(tokenB, "backup")
	require.NoError(t, err)

	text, err := a.Generate(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine.", text)
	require.Len(t, failed, 1)
	assert.Equal(t, llm.ErrorKindQuotaExceeded, failed[0].Kind)

	b.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, topics, "credential.added")
	assert.Contains(t, topics, "credential.cooldown")
	assert.Contains(t, topics, "credential.rotated")
}

func TestRemoveRotateReset(t *testing.T) {
	a, _, _ := newTestAssistant(t, testConfig(), llmtest.Text("ok."))
	_, err := a.AddCredential(tokenA, "primary")
	require.NoError(t, err)
	_, err = a.AddCredential(tokenB, "backup")
	require.NoError(t, err)

	res := a.RotateToNext()
	assert.True(t, res.Rotated)
	assert.Equal(t, "backup", res.Next.Name)

	a.Pool().MarkFailure(res.Next.ID, llm.ErrorKindInvalidCredential)
	a.ResetAll()
	assert.Equal(t, 2, a.Pool().Stats().Active)

	require.NoError(t, a.RemoveCredential("primary"))
	assert.ErrorIs(t, a.RemoveCredential("primary"), credential.ErrNotFound)
	assert.Len(t, a.ListCredentials(), 1)
}

func TestGenerateExhaustedPublishesFailure(t *testing.T) {
	a, _, _ := newTestAssistant(t, testConfig(), llmtest.Text("never"))

	got := make(chan bus.Event, 1)
	a.Bus().Subscribe(TopicFailed, func(e bus.Event) { got <- e })

	_, err := a.Generate(context.Background(), "x", nil)
	require.ErrorIs(t, err, generation.ErrExhausted)

	select {
	case e := <-got:
		assert.ErrorIs(t, e.Data.(error), generation.ErrExhausted)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestConversationPersistence(t *testing.T) {
	a, _, store := newTestAssistant(t, testConfig(), llmtest.Text("Section one."))
	_, err := a.AddCredential(tokenA, "")
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), "write", nil)
	require.NoError(t, err)
	require.NoError(t, a.SaveConversation("report"))

	raw, ok, err := store.Get(ConversationKeyPrefix + "report")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"savedAt"`)
	assert.Contains(t, raw, `"text":"Section one."`)

	b, err := New(Options{Config: testConfig(), Store: store, Connector: &llmtest.Connector{}})
	require.NoError(t, err)
	found, err := b.LoadConversation("report")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, a.ExportHistory(), b.ExportHistory())
	assert.Equal(t, a.Session().ID(), b.Session().ID())
	assert.Len(t, b.ListCredentials(), 1, "credentials are shared through the store")

	found, err = b.LoadConversation("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.DeleteConversation("report"))
	found, err = b.LoadConversation("report")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestImportHistoryValidates(t *testing.T) {
	a, _, _ := newTestAssistant(t, testConfig(), nil)
	assert.Error(t, a.ImportHistory([]types.Turn{{Role: types.RoleModel, Content: "orphan"}}))
	require.NoError(t, a.ImportHistory([]types.Turn{
		{Role: types.RoleUser, Content: "q"},
		{Role: types.RoleModel, Content: "a"},
	}))
	assert.Len(t, a.ExportHistory(), 2)
}
