package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamenight/scheduler/internal/schedule"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store is the schedule store for one table. Producers (API, bot) use
// Insert/Reschedule/Cancel*; the owning daemon is the sole writer of
// state through Claim/MarkDone/MarkPendingAgain/CancelExhausted.
type Store struct {
	pool  *pgxpool.Pool
	table string

	// ClaimTolerance widens "due" checks so a claim racing the timer by
	// a few milliseconds does not bounce with ErrNotDue.
	tolerance time.Duration
}

func NewStore(pool *pgxpool.Pool, table string, tolerance time.Duration) (*Store, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if tolerance <= 0 {
		tolerance = time.Second
	}
	return &Store{pool: pool, table: table, tolerance: tolerance}, nil
}

func (s *Store) Table() string { return s.table }

const rowColumns = `id, due_at, state, attempt_count, last_attempted_at,
	subject_key, kind, payload, created_at, updated_at`

func scanRow(row pgx.Row) (schedule.Row, error) {
	var r schedule.Row
	var state, kind string
	err := row.Scan(
		&r.ID, &r.DueAt, &state, &r.AttemptCount, &r.LastAttemptedAt,
		&r.SubjectKey, &kind, &r.Payload, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return schedule.Row{}, err
	}
	r.State = schedule.State(state)
	r.Kind = schedule.Kind(kind)
	return r, nil
}

// --- producer surface ---

// Insert schedules a new event. DueAt older than now minus the claim
// tolerance is rejected; the insert trigger wakes the daemon.
func (s *Store) Insert(ctx context.Context, subjectKey string, kind schedule.Kind, dueAt time.Time, payload json.RawMessage) (uuid.UUID, error) {
	if dueAt.Before(time.Now().Add(-s.tolerance)) {
		return uuid.Nil, schedule.ErrInvalidDueTime
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (due_at, subject_key, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, s.table), dueAt.UTC(), subjectKey, string(kind), payload).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert schedule row: %w", err)
	}
	return id, nil
}

// InsertRetry re-enters a dead-lettered message through the store with
// the attempt count it has already accumulated on the broker side.
func (s *Store) InsertRetry(ctx context.Context, subjectKey string, dueAt time.Time, payload json.RawMessage, attempts int) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (due_at, subject_key, kind, payload, attempt_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, s.table), dueAt.UTC(), subjectKey, string(schedule.KindRetry), payload, attempts).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert retry row: %w", err)
	}
	return id, nil
}

// Reschedule moves a pending row. Claimed and terminal rows keep their
// due_at; callers get ErrNotPending.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, newDueAt time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET due_at = $2
		WHERE id = $1 AND state = 'pending'
	`, s.table), id, newDueAt.UTC())
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.pendingConflict(ctx, id)
	}
	return nil
}

// Cancel terminally cancels one pending row.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'cancelled'
		WHERE id = $1 AND state = 'pending'
	`, s.table), id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.pendingConflict(ctx, id)
	}
	return nil
}

// CancelBySubject cancels all pending rows for a domain entity,
// optionally narrowed by kind. Returns the number of rows cancelled.
func (s *Store) CancelBySubject(ctx context.Context, subjectKey string, kind *schedule.Kind) (int64, error) {
	if kind != nil {
		t, e := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET state = 'cancelled'
			WHERE subject_key = $1 AND kind = $2 AND state = 'pending'
		`, s.table), subjectKey, string(*kind))
		if e != nil {
			return 0, fmt.Errorf("cancel by subject: %w", e)
		}
		return t.RowsAffected(), nil
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'cancelled'
		WHERE subject_key = $1 AND state = 'pending'
	`, s.table), subjectKey)
	if err != nil {
		return 0, fmt.Errorf("cancel by subject: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pendingConflict maps a zero-row pending-only update to the precise
// sentinel the caller needs.
func (s *Store) pendingConflict(ctx context.Context, id uuid.UUID) error {
	var state string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT state FROM %s WHERE id = $1`, s.table), id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect row: %w", err)
	}
	return schedule.ErrNotPending
}

// --- daemon surface ---

// PeekNext returns the earliest pending row's id and due time. Among
// equal due times the smaller id wins. ok=false means the table has no
// pending work.
func (s *Store) PeekNext(ctx context.Context) (uuid.UUID, time.Time, bool, error) {
	var id uuid.UUID
	var dueAt time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, due_at FROM %s
		WHERE state = 'pending'
		ORDER BY due_at ASC, id ASC
		LIMIT 1
	`, s.table)).Scan(&id, &dueAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, time.Time{}, false, nil
	}
	if err != nil {
		return uuid.Nil, time.Time{}, false, fmt.Errorf("peek next: %w", err)
	}
	return id, dueAt, true, nil
}

// Claim atomically transitions pending -> claimed iff the row is still
// pending and due within tolerance. Row-level SKIP LOCKED locking means
// two processes racing over the same row never double-claim.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, now time.Time) (schedule.Row, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schedule.Row{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := scanRow(tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id = $1
		FOR UPDATE SKIP LOCKED
	`, rowColumns, s.table), id))
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing, or locked by another claimer right now.
		var exists bool
		if e := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table), id).Scan(&exists); e != nil {
			return schedule.Row{}, fmt.Errorf("inspect claim target: %w", e)
		}
		if !exists {
			return schedule.Row{}, schedule.ErrNotFound
		}
		return schedule.Row{}, schedule.ErrAlreadyClaimed
	}
	if err != nil {
		return schedule.Row{}, fmt.Errorf("lock claim target: %w", err)
	}

	switch row.State {
	case schedule.StatePending:
		// fall through
	case schedule.StateClaimed:
		return schedule.Row{}, schedule.ErrAlreadyClaimed
	default:
		return schedule.Row{}, schedule.ErrNotPending
	}

	if row.DueAt.After(now.Add(s.tolerance)) {
		return schedule.Row{}, schedule.ErrNotDue
	}

	attempted := now.UTC()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET state = 'claimed', attempt_count = attempt_count + 1, last_attempted_at = $2
		WHERE id = $1
	`, s.table), id, attempted); err != nil {
		return schedule.Row{}, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return schedule.Row{}, fmt.Errorf("commit claim: %w", err)
	}

	row.State = schedule.StateClaimed
	row.AttemptCount++
	row.LastAttemptedAt = &attempted
	return row, nil
}

func (s *Store) MarkDone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'done'
		WHERE id = $1 AND state = 'claimed'
	`, s.table), id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// MarkPendingAgain requeues a claimed row after a dispatch failure. The
// update trigger re-wakes the daemon if retryAt is the new earliest.
func (s *Store) MarkPendingAgain(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'pending', due_at = $2
		WHERE id = $1 AND state = 'claimed'
	`, s.table), id, retryAt.UTC())
	if err != nil {
		return fmt.Errorf("mark pending again: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// CancelExhausted terminally cancels a claimed row that blew through
// its attempt cap.
func (s *Store) CancelExhausted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'cancelled'
		WHERE id = $1 AND state = 'claimed'
	`, s.table), id)
	if err != nil {
		return fmt.Errorf("cancel exhausted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// ResetStaleClaims returns claims older than the threshold to pending.
// Run once at startup and periodically; this is what preserves
// at-least-once across a crash between claim and publish.
func (s *Store) ResetStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'pending'
		WHERE state = 'claimed' AND last_attempted_at < NOW() - $1::interval
	`, s.table), fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- archive sink (owned by the retry daemon) ---

type DeadLetter struct {
	QueueName    string
	RoutingKey   string
	Body         []byte
	FailureCount int
	Reason       string
	FirstSeenAt  *time.Time
}

func (s *Store) ArchiveDeadLetter(ctx context.Context, d DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (queue_name, routing_key, body, failure_count, reason, first_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.QueueName, d.RoutingKey, d.Body, d.FailureCount, d.Reason, d.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	return nil
}

// TryMarkProcessed inserts (message_id, handler_name) once. ok=false
// means a duplicate delivery that the handler must suppress.
func (s *Store) TryMarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
