package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gamenight/scheduler/internal/events"
)

var ErrConfirmTimeout = errors.New("publish confirm timed out")

// Publisher puts events on the topic exchange with publisher confirms
// and mandatory routing. A confirm timeout is a publish failure: the
// caller requeues the row, and the consumer's idempotency fence absorbs
// the duplicate if the broker had in fact accepted the message.
type Publisher struct {
	url         string
	exchange    string
	confirmWait time.Duration
	expiration  time.Duration

	mu sync.Mutex

	conn *amqp.Connection
	ch   *amqp.Channel

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewPublisher(url, exchange string, confirmWait, expiration time.Duration) (*Publisher, error) {
	if confirmWait <= 0 {
		confirmWait = 5 * time.Second
	}
	p := &Publisher{
		url:         url,
		exchange:    exchange,
		confirmWait: confirmWait,
		expiration:  expiration,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return nil
}

// Publish sends one built event. MessageID is the schedule row id and
// stays stable across retries so consumers can dedupe on it.
func (p *Publisher) Publish(ctx context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.connect(); err != nil {
			return fmt.Errorf("publisher reconnect: %w", err)
		}
	}

	// Drain stale confirmations from a previous failed round.
drain:
	for {
		select {
		case <-p.confirmCh:
		case <-p.returnCh:
		default:
			break drain
		}
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.MessageID,
	}
	if p.expiration > 0 {
		pub.Expiration = strconv.FormatInt(p.expiration.Milliseconds(), 10)
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, msg.RoutingKey, true, false, pub); err != nil {
		p.teardownLocked()
		return fmt.Errorf("publish %s: %w", msg.RoutingKey, err)
	}

	// Every failure exit tears the channel down. The confirm for this
	// publish may still be in flight; a fresh channel on the next call
	// guarantees it cannot be read as that call's confirmation.
	deadline := time.After(p.confirmWait)
	for {
		select {
		case ret := <-p.returnCh:
			p.teardownLocked()
			return fmt.Errorf("publish %s: NO_ROUTE code=%d text=%s", msg.RoutingKey, ret.ReplyCode, ret.ReplyText)
		case conf := <-p.confirmCh:
			if !conf.Ack {
				p.teardownLocked()
				return fmt.Errorf("publish %s: broker nack tag=%d", msg.RoutingKey, conf.DeliveryTag)
			}
			return nil
		case <-deadline:
			p.teardownLocked()
			return fmt.Errorf("publish %s: %w", msg.RoutingKey, ErrConfirmTimeout)
		case <-ctx.Done():
			p.teardownLocked()
			return ctx.Err()
		}
	}
}

// teardownLocked drops the channel so the next Publish redials. Called
// with mu held.
func (p *Publisher) teardownLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
