// Package types contains shared types used across multiple packages.
// This helps avoid import cycles between packages like llm and conversation.
package types

import "fmt"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"text"`
}

// ValidatePairs checks that turns alternate user, model, user, model and
// end on a model turn, which is the only shape a committed history can have.
func ValidatePairs(turns []Turn) error {
	if len(turns)%2 != 0 {
		return fmt.Errorf("history has %d turns, expected user/model pairs", len(turns))
	}
	for i, t := range turns {
		want := RoleUser
		if i%2 == 1 {
			want = RoleModel
		}
		if t.Role != want {
			return fmt.Errorf("turn %d has role %q, expected %q", i, t.Role, want)
		}
	}
	return nil
}

// CloneTurns returns an independent copy of turns.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
