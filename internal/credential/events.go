package credential

import "time"

// EventType names a pool transition.
type EventType string

const (
	EventAdded     EventType = "added"
	EventRemoved   EventType = "removed"
	EventRotated   EventType = "rotated"
	EventCooldown  EventType = "cooldown"
	EventDisabled  EventType = "disabled"
	EventRecovered EventType = "recovered"
	EventReset     EventType = "reset"
	EventExhausted EventType = "exhausted"
)

// Event describes one transition. From and To are masked tokens and are
// only set for rotations.
type Event struct {
	Type         EventType
	CredentialID string
	Name         string
	Status       Status
	From         string
	To           string
	Reason       string
	At           time.Time
}

// Topic is the bus topic for the event, e.g. "credential.cooldown".
func (e Event) Topic() string {
	return "credential." + string(e.Type)
}

// EventHook receives every transition. It runs after the pool lock is
// released, so it may call back into the pool.
type EventHook func(Event)
