// Package scheduler implements the generic scheduler daemon: one
// long-running loop per schedule table that waits for the earliest due
// row, claims it, publishes the built event, and advances the row's
// state. The loop blocks only on the notification channel, a timer, a
// database round-trip, or a publish confirm, and is cancellable at all
// four points.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gamenight/scheduler/internal/events"
	"github.com/gamenight/scheduler/internal/metrics"
	"github.com/gamenight/scheduler/internal/pkg/logger"
	"github.com/gamenight/scheduler/internal/schedule"
)

// Store is the daemon-facing surface of the schedule store. The daemon
// is the sole writer of row state.
type Store interface {
	PeekNext(ctx context.Context) (uuid.UUID, time.Time, bool, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (schedule.Row, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkPendingAgain(ctx context.Context, id uuid.UUID, retryAt time.Time) error
	CancelExhausted(ctx context.Context, id uuid.UUID) error
	ResetStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Waker delivers content-free wake-up hints from the notification
// bridge. Err surfaces only after the bridge's reconnect budget is
// spent; the daemon keeps running on its fallback interval either way.
type Waker interface {
	Wake() <-chan struct{}
	Err() <-chan error
}

type Publisher interface {
	Publish(ctx context.Context, msg events.Message) error
}

// Table parameterizes one daemon instance. Instantiate one per schedule
// table; the loop itself is table-agnostic.
type Table struct {
	Name      string
	Store     Store
	Waker     Waker
	Publisher Publisher
	Build     events.Builder

	Backoff         schedule.Backoff
	AttemptCap      int
	StaleClaimAfter time.Duration
	// FallbackPeek bounds how long the loop sleeps without re-querying,
	// guarding against lost notifications.
	FallbackPeek time.Duration

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

type Daemon struct {
	cfg Table
	log zerolog.Logger
}

func New(cfg Table) (*Daemon, error) {
	if cfg.Name == "" || cfg.Store == nil || cfg.Waker == nil || cfg.Publisher == nil || cfg.Build == nil {
		return nil, errors.New("scheduler: table config incomplete")
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = 12
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = time.Minute
	}
	if cfg.FallbackPeek <= 0 {
		cfg.FallbackPeek = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Daemon{
		cfg: cfg,
		log: logger.Logger.With().Str("component", "scheduler").Str("table", cfg.Name).Logger(),
	}, nil
}

// Run executes the control loop until ctx is cancelled. It returns nil
// on clean shutdown; a non-nil error means startup recovery failed and
// the process should exit non-zero.
func (d *Daemon) Run(ctx context.Context) error {
	// Startup recovery: rows claimed by a previous process that died
	// between claim and publish go back to pending.
	if err := d.resetStale(ctx); err != nil {
		return fmt.Errorf("startup stale-claim recovery: %w", err)
	}

	staleTicker := time.NewTicker(d.cfg.StaleClaimAfter)
	defer staleTicker.Stop()

	d.log.Info().Msg("scheduler started")

	for {
		if ctx.Err() != nil {
			d.log.Info().Msg("scheduler stopped")
			return nil
		}

		// Coalesce wakes that piled up while dispatching.
		d.drainWakes()

		id, dueAt, ok, err := d.cfg.Store.PeekNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error().Err(err).Msg("peek next failed")
			if !d.pause(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !ok {
			// Nothing pending: sleep until a wake or the fallback
			// interval, whichever first.
			if !d.wait(ctx, staleTicker, d.cfg.FallbackPeek) {
				return nil
			}
			continue
		}

		now := d.cfg.Now()
		if wait := dueAt.Sub(now); wait > 0 {
			if wait > d.cfg.FallbackPeek {
				wait = d.cfg.FallbackPeek
			}
			// A row inserted earlier than dueAt interrupts this sleep
			// via the notification trigger; later rows are seen on the
			// next natural wake.
			if !d.wait(ctx, staleTicker, wait) {
				return nil
			}
			continue // re-peek: the earliest row may have changed
		}

		d.dispatch(ctx, id)
	}
}

// wait blocks on wake/timer/stale-ticker/listener-error/ctx. Returns
// false when ctx is done.
func (d *Daemon) wait(ctx context.Context, staleTicker *time.Ticker, limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-d.cfg.Waker.Wake():
			metrics.RecordWakeup(d.cfg.Name, "notify")
			return true
		case <-timer.C:
			metrics.RecordWakeup(d.cfg.Name, "timer")
			return true
		case <-staleTicker.C:
			if err := d.resetStale(ctx); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Msg("periodic stale-claim recovery failed")
			}
			// keep waiting for the original deadline
		case err := <-d.cfg.Waker.Err():
			d.log.Error().Err(err).Msg("notification bridge degraded; relying on fallback polling")
		}
	}
}

func (d *Daemon) pause(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(dur):
		return true
	}
}

func (d *Daemon) drainWakes() {
	for {
		select {
		case <-d.cfg.Waker.Wake():
		default:
			return
		}
	}
}

func (d *Daemon) resetStale(ctx context.Context) error {
	n, err := d.cfg.Store.ResetStaleClaims(ctx, d.cfg.StaleClaimAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.RecordStaleClaimsReset(d.cfg.Name, n)
		d.log.Warn().Int64("rows", n).Msg("stale claims returned to pending")
	}
	return nil
}

// dispatch runs one claim+publish round. Once a row is claimed it is
// always driven to done, pending-again, or cancelled before the round
// ends, even when ctx is cancelled mid-flight.
func (d *Daemon) dispatch(ctx context.Context, id uuid.UUID) {
	now := d.cfg.Now()

	row, err := d.cfg.Store.Claim(ctx, id, now)
	switch {
	case err == nil:
		// claimed
	case errors.Is(err, schedule.ErrAlreadyClaimed),
		errors.Is(err, schedule.ErrNotPending),
		errors.Is(err, schedule.ErrNotFound):
		// Another actor handled it or it was cancelled under us.
		metrics.RecordDispatch(d.cfg.Name, "conflict")
		return
	case errors.Is(err, schedule.ErrNotDue):
		// Rescheduled later between peek and claim; re-loop.
		return
	default:
		if ctx.Err() == nil {
			d.log.Error().Err(err).Str("id", id.String()).Msg("claim failed")
		}
		return
	}

	log := d.log.With().
		Str("id", row.ID.String()).
		Str("subject", row.SubjectKey).
		Str("kind", string(row.Kind)).
		Int("attempt", row.AttemptCount).
		Logger()

	// The claimed row must reach a terminal transition even if ctx is
	// cancelled mid-round, so state writes run on a shutdown-immune
	// context with a bounded deadline.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if row.AttemptCount > d.cfg.AttemptCap {
		d.exhaust(fctx, row, "attempt cap exceeded")
		return
	}

	msg, err := d.cfg.Build(row, now)
	if err != nil {
		// A payload the builder cannot read will never dispatch; park
		// it terminally rather than spinning on it.
		log.Error().Err(err).Msg("event build failed; cancelling row")
		d.exhaust(fctx, row, "event build failed")
		return
	}

	if err := d.cfg.Publisher.Publish(ctx, msg); err != nil {
		metrics.RecordPublishFailure(d.cfg.Name)

		if row.AttemptCount >= d.cfg.AttemptCap {
			log.Error().Err(err).Msg("publish failed on final attempt")
			d.exhaust(fctx, row, "publish retries exhausted")
			return
		}

		retryAt := now.Add(d.cfg.Backoff.Delay(row.AttemptCount))
		log.Warn().Err(err).Time("retry_at", retryAt).Msg("publish failed; requeued")
		if err := d.cfg.Store.MarkPendingAgain(fctx, row.ID, retryAt); err != nil {
			// Stale-claim recovery picks the row up after the
			// threshold; at-least-once is preserved.
			log.Error().Err(err).Msg("requeue failed; leaving row to stale recovery")
		}
		metrics.RecordDispatch(d.cfg.Name, "requeued")
		return
	}

	if err := d.cfg.Store.MarkDone(fctx, row.ID); err != nil {
		// Publish landed but the state didn't advance: the row fires
		// again and the consumer's dedupe on schedule_id absorbs it.
		log.Error().Err(err).Msg("mark done failed after publish")
		return
	}

	metrics.RecordDispatch(d.cfg.Name, "published")
	metrics.RecordDispatchLatency(d.cfg.Name, now.Sub(row.DueAt))
	log.Info().Str("routing_key", msg.RoutingKey).Msg("dispatched")
}

// exhaust terminally cancels a claimed row and emits the side-channel
// diagnostic. Nothing is silently dropped. ctx must already be
// shutdown-immune (see dispatch).
func (d *Daemon) exhaust(ctx context.Context, row schedule.Row, reason string) {
	if err := d.cfg.Store.CancelExhausted(ctx, row.ID); err != nil {
		d.log.Error().Err(err).Str("id", row.ID.String()).Msg("cancel exhausted failed")
		return
	}

	if msg, err := events.BuildExhausted(row, d.cfg.Now()); err == nil {
		if err := d.cfg.Publisher.Publish(ctx, msg); err != nil {
			d.log.Warn().Err(err).Str("id", row.ID.String()).Msg("diagnostic publish failed")
		}
	}

	metrics.RecordDispatch(d.cfg.Name, "exhausted")
	d.log.Error().
		Str("id", row.ID.String()).
		Str("subject", row.SubjectKey).
		Int("attempts", row.AttemptCount).
		Str("reason", reason).
		Msg("row cancelled")
}
