package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gamenight/scheduler/internal/pkg/logger"
)

const (
	listenBackoffMin = time.Second
	listenBackoffMax = 30 * time.Second

	// Consecutive reconnect failures tolerated before the error is
	// surfaced on Err(). The listener keeps retrying either way.
	listenFailureBudget = 10
)

// Listener bridges a Postgres NOTIFY channel to the daemon loop. It
// holds one dedicated connection (never pooled: a subscribed connection
// cannot be returned). Reconnects are transparent; after every
// (re)connect one synthetic wake is emitted so any notification lost
// during the outage is treated as missed. Correctness relies on the
// daemon re-querying on every wake, never on delivery completeness.
type Listener struct {
	dsn     string
	channel string

	wake chan struct{}
	errs chan error
}

func NewListener(dsn, channel string) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		wake:    make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}
}

// Wake delivers coalesced wake-up hints. A hint carries no data.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

// Err receives at most one error once reconnection has failed past the
// budget. The listener continues retrying after surfacing it.
func (l *Listener) Err() <-chan error { return l.errs }

// Start connects eagerly so callers learn about init failures
// immediately, then runs the notification loop until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("listener connect: %w", err)
	}
	l.nudge()

	go l.run(ctx, conn)
	return nil
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %q: %w", l.channel, err)
	}
	return conn, nil
}

func (l *Listener) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) run(ctx context.Context, conn *pgx.Conn) {
	log := logger.Logger.With().
		Str("component", "pg_listener").
		Str("channel", l.channel).
		Logger()

	defer func() {
		if conn != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
		}
		log.Info().Msg("listener stopped")
	}()

	backoff := listenBackoffMin
	failures := 0

	for {
		// Rebuild the connection when it has been torn down.
		for conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			c, err := l.connect(ctx)
			if err != nil {
				failures++
				log.Warn().Err(err).Int("failures", failures).Dur("retry_in", backoff).Msg("reconnect failed")
				if failures == listenFailureBudget {
					select {
					case l.errs <- fmt.Errorf("listener %q: reconnect budget exhausted: %w", l.channel, err):
					default:
					}
				}
				if backoff < listenBackoffMax {
					backoff *= 2
					if backoff > listenBackoffMax {
						backoff = listenBackoffMax
					}
				}
				continue
			}

			conn = c
			backoff = listenBackoffMin
			failures = 0
			log.Info().Msg("reconnected")
			// Anything NOTIFYed while we were down is gone; force a
			// re-query.
			l.nudge()
		}

		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("wait for notification failed; rebuilding connection")
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			cancel()
			conn = nil
			continue
		}

		l.nudge()
	}
}
