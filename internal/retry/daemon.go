// Package retry drains dead-letter queues on a fixed interval and
// routes salvageable messages back through the schedule store with
// back-off. Retries never republish directly: re-entering through the
// store keeps all future work in one queryable place and reuses the
// scheduler's wake-up path.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gamenight/scheduler/internal/events"
	"github.com/gamenight/scheduler/internal/infrastructure/postgres"
	"github.com/gamenight/scheduler/internal/infrastructure/rabbitmq"
	"github.com/gamenight/scheduler/internal/metrics"
	"github.com/gamenight/scheduler/internal/pkg/logger"
	"github.com/gamenight/scheduler/internal/schedule"
)

// Message is one drained DLQ entry. Ack removes it from the DLQ; Nack
// returns it for the next tick.
type Message struct {
	Queue              string
	OriginalQueue      string
	OriginalRoutingKey string
	FailureCount       int
	FirstSeenAt        *time.Time
	Body               []byte

	Ack  func() error
	Nack func() error
}

// Source drains one DLQ in bounded batches.
type Source interface {
	Queue() string
	Drain(limit int) ([]Message, error)
}

// Store is the slice of the schedule store the retry daemon writes:
// re-insertion and the archive sink.
type Store interface {
	InsertRetry(ctx context.Context, subjectKey string, dueAt time.Time, payload json.RawMessage, attempts int) (uuid.UUID, error)
	ArchiveDeadLetter(ctx context.Context, d postgres.DeadLetter) error
}

type Config struct {
	Sources          []Source
	Store            Store
	Backoff          schedule.Backoff
	AbandonThreshold int
	Interval         time.Duration
	Batch            int

	Now func() time.Time
}

type Daemon struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) (*Daemon, error) {
	if len(cfg.Sources) == 0 || cfg.Store == nil {
		return nil, fmt.Errorf("retry: config incomplete")
	}
	if cfg.AbandonThreshold <= 0 {
		cfg.AbandonThreshold = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Daemon{
		cfg: cfg,
		log: logger.Logger.With().Str("component", "retry_daemon").Logger(),
	}, nil
}

// Run drains every DLQ once per tick until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Info().Int("queues", len(d.cfg.Sources)).Msg("retry daemon started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("retry daemon stopped")
			return nil
		case <-ticker.C:
			for _, src := range d.cfg.Sources {
				if err := d.drainOne(ctx, src); err != nil && ctx.Err() == nil {
					d.log.Warn().Err(err).Str("queue", src.Queue()).Msg("dlq drain failed")
				}
			}
		}
	}
}

// DrainNow runs a single drain pass outside the ticker. Used by tests
// and by operators who want an immediate sweep.
func (d *Daemon) DrainNow(ctx context.Context) error {
	for _, src := range d.cfg.Sources {
		if err := d.drainOne(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) drainOne(ctx context.Context, src Source) error {
	msgs, err := src.Drain(d.cfg.Batch)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			// Unacked messages return to the DLQ on channel close.
			return nil
		}
		d.handle(ctx, m)
	}
	return nil
}

func (d *Daemon) handle(ctx context.Context, m Message) {
	log := d.log.With().
		Str("queue", m.Queue).
		Str("original_routing_key", m.OriginalRoutingKey).
		Int("failures", m.FailureCount).
		Logger()

	if m.FailureCount > d.cfg.AbandonThreshold {
		d.archive(ctx, m, "abandon threshold exceeded", "archived", log)
		return
	}

	if !json.Valid(m.Body) {
		// Undecodable bodies can never be replayed; archive-and-diagnose
		// instead of blocking the drain.
		d.archive(ctx, m, "malformed body", "malformed", log)
		return
	}

	wrapped, err := json.Marshal(events.Retry{
		OriginalRoutingKey: m.OriginalRoutingKey,
		OriginalBody:       m.Body,
		Attempt:            m.FailureCount,
	})
	if err != nil {
		d.archive(ctx, m, fmt.Sprintf("wrap failed: %v", err), "malformed", log)
		return
	}

	dueAt := d.cfg.Now().Add(d.cfg.Backoff.Delay(m.FailureCount))
	id, err := d.cfg.Store.InsertRetry(ctx, subjectOf(m), dueAt, wrapped, m.FailureCount)
	if err != nil {
		log.Error().Err(err).Msg("retry insert failed; leaving message on dlq")
		_ = m.Nack()
		return
	}

	if err := m.Ack(); err != nil {
		// The schedule row exists and the DLQ copy will come around
		// again; the consumer's dedupe handles the duplicate replay.
		log.Warn().Err(err).Msg("dlq ack failed after reschedule")
	}

	metrics.RecordRetryDrained(m.Queue, "rescheduled")
	log.Info().Str("schedule_id", id.String()).Time("due_at", dueAt).Msg("dead letter rescheduled")
}

func (d *Daemon) archive(ctx context.Context, m Message, reason, outcome string, log zerolog.Logger) {
	err := d.cfg.Store.ArchiveDeadLetter(ctx, postgres.DeadLetter{
		QueueName:    m.Queue,
		RoutingKey:   m.OriginalRoutingKey,
		Body:         m.Body,
		FailureCount: m.FailureCount,
		Reason:       reason,
		FirstSeenAt:  m.FirstSeenAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("archive failed; leaving message on dlq")
		_ = m.Nack()
		return
	}

	_ = m.Ack()
	metrics.RecordRetryDrained(m.Queue, outcome)
	log.Warn().Str("reason", reason).Msg("dead letter archived")
}

// subjectOf pulls the domain subject out of the original body when the
// producer included one; the scheduler treats it opaquely either way.
func subjectOf(m Message) string {
	var probe struct {
		SubjectKey string `json:"subject_key"`
	}
	if err := json.Unmarshal(m.Body, &probe); err == nil && probe.SubjectKey != "" {
		return probe.SubjectKey
	}
	return "dlq:" + m.Queue
}

// AMQPSource adapts a broker DLQ drain to the daemon's Source.
type AMQPSource struct {
	src *rabbitmq.DLQSource
}

func NewAMQPSource(src *rabbitmq.DLQSource) *AMQPSource {
	return &AMQPSource{src: src}
}

func (a *AMQPSource) Queue() string { return a.src.Queue() }

func (a *AMQPSource) Drain(limit int) ([]Message, error) {
	raw, err := a.src.Drain(limit)
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, Message{
			Queue:              m.Queue,
			OriginalQueue:      m.OriginalQueue,
			OriginalRoutingKey: m.OriginalRoutingKey,
			FailureCount:       m.FailureCount,
			FirstSeenAt:        m.FirstSeenAt,
			Body:               m.Body,
			Ack:                m.Ack,
			Nack:               m.Nack,
		})
	}
	return out, err
}
