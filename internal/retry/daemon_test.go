package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gamenight/scheduler/internal/events"
	"github.com/gamenight/scheduler/internal/infrastructure/postgres"
	"github.com/gamenight/scheduler/internal/schedule"
)

type fakeSource struct {
	name string
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *fakeSource) Queue() string { return s.name }

func (s *fakeSource) Drain(limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n := len(s.msgs)
	if n > limit {
		n = limit
	}
	out := s.msgs[:n]
	s.msgs = s.msgs[n:]
	return out, nil
}

type insertedRetry struct {
	subject  string
	dueAt    time.Time
	payload  json.RawMessage
	attempts int
}

type fakeStore struct {
	mu        sync.Mutex
	inserts   []insertedRetry
	archived  []postgres.DeadLetter
	insertErr error
}

func (s *fakeStore) InsertRetry(_ context.Context, subject string, dueAt time.Time, payload json.RawMessage, attempts int) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return uuid.Nil, s.insertErr
	}
	s.inserts = append(s.inserts, insertedRetry{subject, dueAt, payload, attempts})
	return uuid.New(), nil
}

func (s *fakeStore) ArchiveDeadLetter(_ context.Context, d postgres.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, d)
	return nil
}

type ackRecorder struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *ackRecorder) attach(m *Message) {
	m.Ack = func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.acked++
		return nil
	}
	m.Nack = func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.nacked++
		return nil
	}
}

func newTestDaemon(t *testing.T, src Source, store Store) *Daemon {
	t.Helper()
	d, err := New(Config{
		Sources:          []Source{src},
		Store:            store,
		Backoff:          schedule.Backoff{Initial: time.Minute, Max: time.Hour},
		AbandonThreshold: 3,
		Batch:            10,
		Now:              func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return d
}

func dlqMessage(count int, body []byte) Message {
	return Message{
		Queue:              "bot_events.dlq",
		OriginalQueue:      "bot_events",
		OriginalRoutingKey: "game.reminder_due",
		FailureCount:       count,
		Body:               body,
	}
}

func TestDrain_ReschedulesThroughStore(t *testing.T) {
	body := []byte(`{"schedule_id":"abc","subject_key":"game:42"}`)
	m := dlqMessage(2, body)
	rec := &ackRecorder{}
	rec.attach(&m)

	src := &fakeSource{name: "bot_events.dlq", msgs: []Message{m}}
	store := &fakeStore{}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))

	require.Len(t, store.inserts, 1)
	require.Empty(t, store.archived)
	require.Equal(t, 1, rec.acked)
	require.Equal(t, 0, rec.nacked)

	ins := store.inserts[0]
	require.Equal(t, "game:42", ins.subject)
	require.Equal(t, 2, ins.attempts)

	// due_at = now + backoff(count); backoff has ±10% jitter
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	delay := ins.dueAt.Sub(base)
	baseDelay := float64(4 * time.Minute)
	require.GreaterOrEqual(t, delay, time.Duration(baseDelay*0.9))
	require.LessOrEqual(t, delay, time.Duration(baseDelay*1.1))

	var wrapped events.Retry
	require.NoError(t, json.Unmarshal(ins.payload, &wrapped))
	require.Equal(t, "game.reminder_due", wrapped.OriginalRoutingKey)
	require.Equal(t, 2, wrapped.Attempt)
	require.JSONEq(t, string(body), string(wrapped.OriginalBody))
}

func TestDrain_SubjectFallsBackToQueue(t *testing.T) {
	m := dlqMessage(1, []byte(`{"no_subject":true}`))
	rec := &ackRecorder{}
	rec.attach(&m)

	src := &fakeSource{name: "bot_events.dlq", msgs: []Message{m}}
	store := &fakeStore{}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))
	require.Len(t, store.inserts, 1)
	require.Equal(t, "dlq:bot_events.dlq", store.inserts[0].subject)
}

func TestDrain_AbandonThresholdArchives(t *testing.T) {
	m := dlqMessage(4, []byte(`{"subject_key":"game:7"}`)) // threshold is 3
	rec := &ackRecorder{}
	rec.attach(&m)

	src := &fakeSource{name: "bot_events.dlq", msgs: []Message{m}}
	store := &fakeStore{}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))

	require.Empty(t, store.inserts)
	require.Len(t, store.archived, 1)
	require.Equal(t, 1, rec.acked)

	dl := store.archived[0]
	require.Equal(t, "bot_events.dlq", dl.QueueName)
	require.Equal(t, "game.reminder_due", dl.RoutingKey)
	require.Equal(t, 4, dl.FailureCount)
	require.Equal(t, "abandon threshold exceeded", dl.Reason)
}

func TestDrain_MalformedBodyArchivedNotRetried(t *testing.T) {
	m := dlqMessage(1, []byte(`not json at all`))
	rec := &ackRecorder{}
	rec.attach(&m)

	src := &fakeSource{name: "bot_events.dlq", msgs: []Message{m}}
	store := &fakeStore{}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))

	require.Empty(t, store.inserts)
	require.Len(t, store.archived, 1)
	require.Equal(t, "malformed body", store.archived[0].Reason)
	require.Equal(t, 1, rec.acked)
}

func TestDrain_InsertFailureLeavesMessageOnQueue(t *testing.T) {
	m := dlqMessage(1, []byte(`{"subject_key":"game:9"}`))
	rec := &ackRecorder{}
	rec.attach(&m)

	src := &fakeSource{name: "bot_events.dlq", msgs: []Message{m}}
	store := &fakeStore{insertErr: errors.New("db down")}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))

	require.Equal(t, 0, rec.acked)
	require.Equal(t, 1, rec.nacked)
	require.Empty(t, store.archived)
}

func TestDrain_SourceErrorSurfaces(t *testing.T) {
	src := &fakeSource{name: "bot_events.dlq", err: errors.New("channel closed")}
	d := newTestDaemon(t, src, &fakeStore{})
	require.Error(t, d.DrainNow(context.Background()))
}

func TestDrain_BatchBound(t *testing.T) {
	var msgs []Message
	recs := make([]*ackRecorder, 15)
	for i := range recs {
		m := dlqMessage(1, []byte(`{"subject_key":"game:1"}`))
		recs[i] = &ackRecorder{}
		recs[i].attach(&m)
		msgs = append(msgs, m)
	}

	src := &fakeSource{name: "bot_events.dlq", msgs: msgs}
	store := &fakeStore{}
	d := newTestDaemon(t, src, store)

	require.NoError(t, d.DrainNow(context.Background()))
	require.Len(t, store.inserts, 10) // Batch: 10

	require.NoError(t, d.DrainNow(context.Background()))
	require.Len(t, store.inserts, 15)
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{name: "bot_events.dlq"}
	d, err := New(Config{
		Sources:  []Source{src},
		Store:    &fakeStore{},
		Backoff:  schedule.Backoff{Initial: time.Minute, Max: time.Hour},
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{Store: &fakeStore{}})
	require.Error(t, err)

	_, err = New(Config{Sources: []Source{&fakeSource{}}})
	require.Error(t, err)
}
