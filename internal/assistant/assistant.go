// Package assistant wires the credential pool, the conversation and the
// failover orchestrator into the API the CLI and the pipeline use.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/docgen/internal/bus"
	"github.com/roelfdiedericks/docgen/internal/config"
	"github.com/roelfdiedericks/docgen/internal/conversation"
	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/generation"
	"github.com/roelfdiedericks/docgen/internal/kvstore"
	"github.com/roelfdiedericks/docgen/internal/llm"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/metrics"
	"github.com/roelfdiedericks/docgen/internal/tokens"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// Bus topics published besides the credential.* events.
const (
	TopicAttemptFailed = "generation.attempt_failed"
	TopicCompleted     = "generation.completed"
	TopicFailed        = "generation.failed"
)

// ConversationKeyPrefix namespaces saved conversations in the store.
const ConversationKeyPrefix = "conversation/"

// Options configures New. Only Config and Store are required.
type Options struct {
	Config    *config.Config
	Store     kvstore.Store
	Connector llm.Connector // nil: built from Config.Provider
	Bus       *bus.Bus      // nil: a private bus
	Metrics   *metrics.Recorder
	Estimator *tokens.Estimator
	// OnAttempt is told about every failed candidate, e.g. to clear the
	// partial output already printed.
	OnAttempt func(generation.Attempt)
	Now       func() time.Time
}

// Assistant is one document session with its credential pool.
type Assistant struct {
	cfg       *config.Config
	store     kvstore.Store
	bus       *bus.Bus
	metrics   *metrics.Recorder
	onAttempt func(generation.Attempt)
	now       func() time.Time

	pool    *credential.Pool
	session *conversation.Session
	orch    *generation.Orchestrator
}

// New builds an assistant. Credentials listed in the config are preloaded.
func New(opts Options) (*Assistant, error) {
	if opts.Config == nil {
		return nil, errors.New("assistant: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("assistant: store is required")
	}
	cfg := opts.Config

	connector := opts.Connector
	if connector == nil {
		var err error
		connector, err = llm.NewConnector(cfg.Provider.Driver, llm.ConnectorOptions{BaseURL: cfg.Provider.BaseURL})
		if err != nil {
			return nil, fmt.Errorf("assistant: %w", err)
		}
	}

	a := &Assistant{
		cfg:       cfg,
		store:     opts.Store,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		onAttempt: opts.OnAttempt,
		now:       opts.Now,
	}
	if a.bus == nil {
		a.bus = bus.New()
	}
	if a.now == nil {
		a.now = time.Now
	}

	a.pool = credential.NewPool(opts.Store, credential.Config{
		Cooldown:              cfg.Credentials.Cooldown.Std(),
		MaxCredentials:        cfg.Credentials.MaxCredentials,
		UnknownErrorThreshold: cfg.Credentials.UnknownErrorThreshold,
		OnEvent:               a.credentialEvent,
		Now:                   opts.Now,
	})
	if n := a.pool.Preload(cfg.Credentials.Preload); n > 0 {
		L_info("assistant: preloaded credentials", "count", n)
	}

	a.session = conversation.New(connector, generationConfig(cfg.Generation))
	a.session.Initialize(cfg.PreferredModel())

	var guard *generation.Guard
	if config.Enabled(cfg.Truncation.Enabled, true) {
		guard = generation.NewGuard(cfg.Truncation.ContinuationPrompt, cfg.Truncation.MinOpenLineLength)
		guard.Metrics = opts.Metrics
	}

	a.orch = generation.NewOrchestrator(a.pool, a.session,
		&generation.Dispatcher{Provider: connector.Name(), Estimator: opts.Estimator, Metrics: opts.Metrics},
		generation.Config{
			Models:         cfg.Models,
			AttemptTimeout: cfg.Failover.AttemptTimeout.Std(),
			Guard:          guard,
			OnAttempt:      a.attemptFailed,
			Metrics:        opts.Metrics,
		})

	L_debug("assistant: ready", "provider", connector.Name(), "models", cfg.Models, "credentials", a.pool.Len())
	return a, nil
}

func generationConfig(g config.GenerationConfig) llm.GenerationConfig {
	sys := g.SystemInstruction
	if sys == "" {
		sys = config.DefaultSystemInstruction
	}
	return llm.GenerationConfig{
		SystemInstruction: sys,
		Temperature:       g.Temperature,
		TopK:              g.TopK,
		TopP:              g.TopP,
		MaxOutputTokens:   g.MaxOutputTokens,
		ThinkingBudget:    g.ThinkingBudget,
		UseSearch:         config.Enabled(g.UseSearch, false),
	}
}

func (a *Assistant) credentialEvent(e credential.Event) {
	a.metrics.CredentialEvent(string(e.Type))
	a.bus.Publish(e.Topic(), e, "pool")
}

func (a *Assistant) attemptFailed(at generation.Attempt) {
	a.bus.Publish(TopicAttemptFailed, at, "orchestrator")
	if a.onAttempt != nil {
		a.onAttempt(at)
	}
}

// Pool exposes the credential pool.
func (a *Assistant) Pool() *credential.Pool { return a.pool }

// Bus exposes the event bus.
func (a *Assistant) Bus() *bus.Bus { return a.bus }

// Session exposes the conversation.
func (a *Assistant) Session() *conversation.Session { return a.session }

// InitializeSession starts a new conversation. An empty model selects the
// configured preferred model.
func (a *Assistant) InitializeSession(model string) {
	if model == "" {
		model = a.cfg.PreferredModel()
	}
	a.session.Initialize(model)
}

// Generate sends prompt with failover and truncation handling.
func (a *Assistant) Generate(ctx context.Context, prompt string, onChunk generation.ChunkFunc) (string, error) {
	text, err := a.orch.Generate(ctx, prompt, onChunk)
	if err != nil {
		a.bus.Publish(TopicFailed, err, "orchestrator")
		return "", err
	}
	a.bus.Publish(TopicCompleted, len(text), "orchestrator")
	return text, nil
}

func (a *Assistant) ExportHistory() []types.Turn { return a.session.ExportHistory() }

func (a *Assistant) ImportHistory(turns []types.Turn) error { return a.session.ImportHistory(turns) }

// AddCredential adds token to the pool.
func (a *Assistant) AddCredential(token, name string) (credential.Credential, error) {
	return a.pool.Add(token, name)
}

// RemoveCredential removes the credential matched by ref (ID, token, name
// or 1-based position).
func (a *Assistant) RemoveCredential(ref string) error {
	c, ok := a.pool.Find(ref)
	if !ok {
		return fmt.Errorf("%w: %s", credential.ErrNotFound, ref)
	}
	return a.pool.Remove(c.ID)
}

// ListCredentials returns masked views of the pool.
func (a *Assistant) ListCredentials() []credential.View { return a.pool.List() }

// RotateToNext moves the selection to the next Active credential.
func (a *Assistant) RotateToNext() credential.RotationResult {
	return a.pool.RotateToNext("manual")
}

// ResetAll re-activates every credential.
func (a *Assistant) ResetAll() { a.pool.ResetAll() }

type savedConversation struct {
	conversation.Snapshot
	SavedAt time.Time `json:"savedAt"`
}

// SaveConversation stores the conversation under name.
func (a *Assistant) SaveConversation(name string) error {
	data, err := json.Marshal(savedConversation{Snapshot: a.session.Snapshot(), SavedAt: a.now()})
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := a.store.Set(ConversationKeyPrefix+name, string(data)); err != nil {
		return fmt.Errorf("save conversation %s: %w", name, err)
	}
	return nil
}

// LoadConversation restores the conversation saved under name. It reports
// false when nothing was saved under that name.
func (a *Assistant) LoadConversation(name string) (bool, error) {
	raw, ok, err := a.store.Get(ConversationKeyPrefix + name)
	if err != nil {
		return false, fmt.Errorf("load conversation %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	var saved savedConversation
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return false, fmt.Errorf("decode conversation %s: %w", name, err)
	}
	if err := a.session.Restore(saved.Snapshot); err != nil {
		return false, err
	}
	L_debug("assistant: conversation restored", "name", name, "turns", len(saved.Turns), "savedAt", saved.SavedAt)
	return true, nil
}

// DeleteConversation removes a saved conversation.
func (a *Assistant) DeleteConversation(name string) error {
	return a.store.Remove(ConversationKeyPrefix + name)
}

// Close waits for pending event handlers.
func (a *Assistant) Close() {
	a.bus.Wait()
}
