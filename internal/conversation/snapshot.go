package conversation

import (
	"fmt"
	"time"

	"github.com/roelfdiedericks/docgen/internal/types"
)

// Snapshot is the saved form of a session.
type Snapshot struct {
	ID             string       `json:"id"`
	PreferredModel string       `json:"preferredModel,omitempty"`
	Turns          []types.Turn `json:"turns"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Snapshot captures the session for storage.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.id,
		PreferredModel: s.preferred,
		Turns:          types.CloneTurns(s.history),
		UpdatedAt:      s.updatedAt,
	}
}

// Restore replaces the session state with snap.
func (s *Session) Restore(snap Snapshot) error {
	if err := types.ValidatePairs(snap.Turns); err != nil {
		return fmt.Errorf("restore session %s: %w", snap.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID != "" {
		s.id = snap.ID
	}
	s.preferred = snap.PreferredModel
	s.history = types.CloneTurns(snap.Turns)
	s.updatedAt = snap.UpdatedAt
	s.dropConnection()
	return nil
}
