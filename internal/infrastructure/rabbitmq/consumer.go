package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gamenight/scheduler/internal/idempotency"
	"github.com/gamenight/scheduler/internal/pkg/logger"
)

// Handler processes one delivery. A returned error routes the message
// to the queue's paired DLQ (reject, no requeue); nil acknowledges.
type Handler func(ctx context.Context, d amqp.Delivery) error

// WithDedupe suppresses duplicate deliveries using the message id the
// publisher stamped (the schedule row id). A duplicate acks without
// invoking the handler; a failing fence lets the delivery through,
// preferring a repeat over a drop.
func WithDedupe(checker idempotency.Checker, handlerName string, handler Handler) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		if d.MessageId != "" {
			dup, err := checker.CheckAndMark(ctx, d.MessageId, handlerName)
			if err != nil {
				logger.Logger.Warn().Err(err).
					Str("message_id", d.MessageId).
					Msg("idempotency check failed; processing anyway")
			} else if dup {
				logger.Logger.Debug().
					Str("message_id", d.MessageId).
					Str("handler", handlerName).
					Msg("duplicate delivery suppressed")
				return nil
			}
		}
		return handler(ctx, d)
	}
}

// Consumer is the consumption primitive downstream services build on:
// manual acks, prefetch-limited, reject-to-DLQ on handler error.
type Consumer struct {
	url      string
	queue    string
	tag      string
	prefetch int
	handler  Handler
}

func NewConsumer(url, queue, tag string, prefetch int, handler Handler) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{url: url, queue: queue, tag: tag, prefetch: prefetch, handler: handler}
}

// Start opens its own connection and consumes until ctx is cancelled.
// The queue must already exist (topology bootstrap runs first).
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().
		Str("component", "consumer").
		Str("queue", c.queue).
		Logger()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go c.run(ctx, deliveries, func() {
		_ = ch.Close()
		_ = conn.Close()
	})

	log.Info().Msg("consumer started")
	return nil
}

// run drains deliveries until ctx is cancelled or the broker closes the
// stream. A broker-side close is loud: operators must know the queue
// has no consumer attached anymore.
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, cleanup func()) {
	defer cleanup()

	log := logger.Logger.With().
		Str("component", "consumer").
		Str("queue", c.queue).
		Logger()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer stopping")
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					log.Error().Msg("delivery stream closed by broker; consumer stopped")
				}
				return
			}

			if err := c.handler(ctx, d); err != nil {
				log.Warn().Err(err).
					Str("routing_key", d.RoutingKey).
					Str("message_id", d.MessageId).
					Msg("handler failed; dead-lettering")
				_ = d.Nack(false, false) // reject, no requeue -> DLQ
				continue
			}
			_ = d.Ack(false)
		}
	}
}
