// Package credential manages the pool of API keys a generation can run
// under: health, cooldown, disablement, selection and persistence.
package credential

import (
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/roelfdiedericks/docgen/internal/llm"
	"github.com/roelfdiedericks/docgen/internal/logging"
)

// Status is the health of a credential.
type Status string

const (
	StatusActive   Status = "active"
	StatusCooldown Status = "cooldown"
	StatusDisabled Status = "disabled"
)

// Limits
const (
	DefaultMaxCredentials        = 16
	DefaultCooldown              = 5 * time.Minute
	DefaultUnknownErrorThreshold = 3
	MinTokenLength               = 10
)

var (
	ErrDuplicate     = errors.New("credential already exists")
	ErrInvalidFormat = errors.New("credential is too short to be valid")
	ErrPoolFull      = errors.New("credential pool is full")
	ErrNotFound      = errors.New("credential not found")
)

// Credential is one API key and its health. Token is secret: log ID or
// Masked() instead.
type Credential struct {
	ID                string        `json:"id"`
	Token             string        `json:"key"`
	Name              string        `json:"name"`
	Status            Status        `json:"status"`
	ConsecutiveErrors int           `json:"errorCount"`
	CooldownUntil     *time.Time    `json:"cooldownUntil,omitempty"`
	LastError         llm.ErrorKind `json:"lastError,omitempty"`
	AddedAt           time.Time     `json:"addedAt"`
	LastUsed          *time.Time    `json:"lastUsed,omitempty"`
}

// Masked returns the token shortened for display.
func (c Credential) Masked() string {
	return logging.Mask(c.Token)
}

// View is the display form of a credential; it never carries the token.
type View struct {
	ID                string
	Name              string
	Masked            string
	Status            Status
	ConsecutiveErrors int
	CooldownUntil     *time.Time
	LastError         llm.ErrorKind
	Selected          bool
}

// Stats counts credentials per status.
type Stats struct {
	Total    int
	Active   int
	Cooldown int
	Disabled int
}

// RotationResult reports where the selection pointer ended up.
type RotationResult struct {
	Rotated bool       // selection moved to a different credential
	Found   bool       // an Active credential is selected
	Next    Credential // the selected credential when Found
	From    string     // masked
	To      string     // masked
	Reason  string
}

// Fingerprint derives the stable ID of a token.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
