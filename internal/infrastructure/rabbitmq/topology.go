// Package rabbitmq is the broker gateway: topology bootstrap, confirmed
// publishing, consumption primitives, and DLQ draining over a topic
// exchange.
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DLQName returns the dead-letter pair of a main queue.
func DLQName(queue string) string { return queue + ".dlq" }

// QueueSpec names one consumer queue and the topic patterns it binds.
type QueueSpec struct {
	Name     string
	BindKeys []string
}

// Topology declares the constant broker layout: one topic exchange, one
// topic DLX, one queue per consuming service, and one DLQ per main
// queue. Expired or rejected messages route to the paired DLQ via the
// DLX. All declarations are idempotent and safe to rerun.
type Topology struct {
	Exchange   string
	DLX        string
	MessageTTL time.Duration
	Queues     []QueueSpec
}

func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DLX, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", t.DLX, err)
	}

	for _, q := range t.Queues {
		dlq := DLQName(q.Name)

		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		// The DLQ routing key is the DLQ's own name, so each main queue
		// dead-letters into its own pair and nothing else.
		if err := ch.QueueBind(dlq, dlq, t.DLX, false, nil); err != nil {
			return fmt.Errorf("bind dlq %s: %w", dlq, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    t.DLX,
			"x-dead-letter-routing-key": dlq,
		}
		if t.MessageTTL > 0 {
			args["x-message-ttl"] = t.MessageTTL.Milliseconds()
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}

		for _, key := range q.BindKeys {
			if err := ch.QueueBind(q.Name, key, t.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.Name, key, err)
			}
		}
	}

	return nil
}
