// Package schedule holds the domain model shared by the scheduler
// daemons, the producers (API/bot), and the retry daemon: the schedule
// row, its state machine, and the sentinel errors the store surfaces.
package schedule

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// CanTransition reports whether from -> to is an allowed state change.
// done and cancelled are terminal.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateClaimed || to == StateCancelled
	case StateClaimed:
		// publish ok -> done; publish failure or stale recovery -> pending.
		return to == StateDone || to == StatePending || to == StateCancelled
	default:
		return false
	}
}

type Kind string

const (
	KindReminder         Kind = "reminder"
	KindJoinNotification Kind = "join_notification"
	KindStatusTransition Kind = "status_transition"
	KindRetry            Kind = "retry"
)

// Row is one durable future event. Payload is opaque to the store; only
// the event builder for the owning table interprets it.
type Row struct {
	ID              uuid.UUID
	DueAt           time.Time
	State           State
	AttemptCount    int
	LastAttemptedAt *time.Time
	SubjectKey      string
	Kind            Kind
	Payload         json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	ErrInvalidDueTime = errors.New("due time is in the past")
	ErrNotPending     = errors.New("schedule row is not pending")
	ErrAlreadyClaimed = errors.New("schedule row already claimed")
	ErrNotDue         = errors.New("schedule row is not due yet")
	ErrNotFound       = errors.New("schedule row not found")
)
