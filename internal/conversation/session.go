// Package conversation holds the multi-turn history of one document
// session and the provider connection that carries it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/llm"
	. "github.com/roelfdiedericks/docgen/internal/logging"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// ErrBusy is returned when a second generation starts on a session that
// is still generating.
var ErrBusy = errors.New("conversation: a generation is already in progress")

// Session is the ordered history plus the live connection seeded from it.
// The history only ever grows by complete (user, model) pairs.
type Session struct {
	mu        sync.Mutex
	id        string
	connector llm.Connector
	genConfig llm.GenerationConfig
	preferred string
	history   []types.Turn
	updatedAt time.Time

	conn       llm.Connection
	connCredID string
	connModel  string

	busy bool
}

// New creates an empty session that opens connections through connector.
func New(connector llm.Connector, genConfig llm.GenerationConfig) *Session {
	return &Session{
		id:        uuid.NewString(),
		connector: connector,
		genConfig: genConfig,
		updatedAt: time.Now(),
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Initialize starts a fresh conversation with model as the preferred model.
func (s *Session) Initialize(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = uuid.NewString()
	s.preferred = model
	s.history = nil
	s.dropConnection()
	s.updatedAt = time.Now()
	L_debug("conversation: initialized", "session", s.id, "model", model)
}

// PreferredModel returns the model given to Initialize ("" if none).
func (s *Session) PreferredModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferred
}

func (s *Session) dropConnection() {
	s.conn = nil
	s.connCredID = ""
	s.connModel = ""
}

// EnsureConnection returns a connection for (cred, model), creating a new
// one seeded with a copy of the full history when none exists or either
// the credential or the model differs from the previous call.
func (s *Session) EnsureConnection(ctx context.Context, cred credential.Credential, model string) (llm.Connection, error) {
	s.mu.Lock()
	if s.conn != nil && s.connCredID == cred.ID && s.connModel == model {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	seed := types.CloneTurns(s.history)
	s.mu.Unlock()

	conn, err := s.connector.Connect(ctx, llm.ConnectRequest{
		Token:   cred.Token,
		Model:   model,
		History: seed,
		Config:  s.genConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s with %s: %w", model, cred.ID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connCredID = cred.ID
	s.connModel = model
	s.mu.Unlock()

	L_debug("conversation: connection rebuilt", "credential", cred.ID, "model", model, "turns", len(seed))
	return conn, nil
}

// Invalidate drops the live connection so the next EnsureConnection
// reseeds a fresh one from the committed history.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.dropConnection()
	s.mu.Unlock()
}

// CommitTurn appends one completed exchange.
func (s *Session) CommitTurn(userText, modelText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history,
		types.Turn{Role: types.RoleUser, Content: userText},
		types.Turn{Role: types.RoleModel, Content: modelText},
	)
	s.updatedAt = time.Now()
}

// ExportHistory returns a copy of the history.
func (s *Session) ExportHistory() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneTurns(s.history)
}

// ImportHistory replaces the history; the next EnsureConnection rebuilds
// the connection from it.
func (s *Session) ImportHistory(turns []types.Turn) error {
	if err := types.ValidatePairs(turns); err != nil {
		return fmt.Errorf("import history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = types.CloneTurns(turns)
	s.dropConnection()
	s.updatedAt = time.Now()
	return nil
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Begin marks the session as generating. It fails with ErrBusy when a
// generation is already running; callers must End after a nil return.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

// End clears the generating mark.
func (s *Session) End() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
