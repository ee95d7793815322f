// Package events defines the wire contracts published to the broker and
// the per-table builders that turn a claimed schedule row into an
// outgoing message. Field names are stable; consumers ignore unknown
// fields.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gamenight/scheduler/internal/schedule"
)

const (
	RKReminderDue       = "game.reminder_due"
	RKStatusTransition  = "game.status_transition"
	RKRetry             = "game.retry"
	RKScheduleExhausted = "game.schedule_exhausted"
)

// Message is a built broker message ready for publishing.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

// Builder converts a claimed row into an outgoing message.
type Builder func(row schedule.Row, fireTime time.Time) (Message, error)

type ReminderDue struct {
	ScheduleID string          `json:"schedule_id"`
	SubjectKey string          `json:"subject_key"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload_ref,omitempty"`
	FireTime   time.Time       `json:"fire_time"`
}

type StatusTransition struct {
	ScheduleID string `json:"schedule_id"`
	SubjectKey string `json:"subject_key"`
	FromState  string `json:"from_state"`
	ToState    string `json:"to_state"`
}

// Retry wraps a dead-lettered message the retry daemon pushed back
// through the schedule store.
type Retry struct {
	OriginalRoutingKey string          `json:"original_routing_key"`
	OriginalBody       json.RawMessage `json:"original_body"`
	Attempt            int             `json:"attempt"`
}

// ScheduleExhausted is the diagnostic emitted on the side channel when a
// row blows through its attempt cap and is terminally cancelled.
type ScheduleExhausted struct {
	ScheduleID string    `json:"schedule_id"`
	SubjectKey string    `json:"subject_key"`
	Kind       string    `json:"kind"`
	Attempts   int       `json:"attempts"`
	LastTried  time.Time `json:"last_tried"`
}

// BuildReminder builds game.reminder_due events. Retry rows re-entering
// through the reminder table keep their wrapped body and fire as
// game.retry instead.
func BuildReminder(row schedule.Row, fireTime time.Time) (Message, error) {
	if row.Kind == schedule.KindRetry {
		return buildRetry(row)
	}

	body, err := json.Marshal(ReminderDue{
		ScheduleID: row.ID.String(),
		SubjectKey: row.SubjectKey,
		Kind:       string(row.Kind),
		Payload:    row.Payload,
		FireTime:   fireTime.UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal reminder_due: %w", err)
	}
	return Message{RoutingKey: RKReminderDue, MessageID: row.ID.String(), Body: body}, nil
}

// statusPayload is what producers store in a status-transition row.
type statusPayload struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
}

// BuildStatus builds game.status_transition events from the from/to
// pair the producer stored in the row payload.
func BuildStatus(row schedule.Row, _ time.Time) (Message, error) {
	var p statusPayload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return Message{}, fmt.Errorf("decode status payload: %w", err)
	}
	if p.ToState == "" {
		return Message{}, fmt.Errorf("status payload missing to_state")
	}

	body, err := json.Marshal(StatusTransition{
		ScheduleID: row.ID.String(),
		SubjectKey: row.SubjectKey,
		FromState:  p.FromState,
		ToState:    p.ToState,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal status_transition: %w", err)
	}
	return Message{RoutingKey: RKStatusTransition, MessageID: row.ID.String(), Body: body}, nil
}

func buildRetry(row schedule.Row) (Message, error) {
	// Payload was written by the retry daemon and is already the
	// game.retry body; validate it decodes before putting it on the wire.
	var r Retry
	if err := json.Unmarshal(row.Payload, &r); err != nil {
		return Message{}, fmt.Errorf("decode retry payload: %w", err)
	}
	if r.OriginalRoutingKey == "" {
		return Message{}, fmt.Errorf("retry payload missing original_routing_key")
	}
	return Message{RoutingKey: RKRetry, MessageID: row.ID.String(), Body: row.Payload}, nil
}

// BuildExhausted builds the side-channel diagnostic for a cancelled row.
func BuildExhausted(row schedule.Row, now time.Time) (Message, error) {
	last := now.UTC()
	if row.LastAttemptedAt != nil {
		last = row.LastAttemptedAt.UTC()
	}
	body, err := json.Marshal(ScheduleExhausted{
		ScheduleID: row.ID.String(),
		SubjectKey: row.SubjectKey,
		Kind:       string(row.Kind),
		Attempts:   row.AttemptCount,
		LastTried:  last,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal schedule_exhausted: %w", err)
	}
	return Message{RoutingKey: RKScheduleExhausted, MessageID: row.ID.String(), Body: body}, nil
}
