package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DLQMessage is one dead-lettered delivery plus the broker-maintained
// failure bookkeeping the retry daemon decides on.
type DLQMessage struct {
	Queue              string
	OriginalQueue      string
	OriginalRoutingKey string
	FailureCount       int
	FirstSeenAt        *time.Time
	Body               []byte

	delivery amqp.Delivery
}

func (m *DLQMessage) Ack() error  { return m.delivery.Ack(false) }
func (m *DLQMessage) Nack() error { return m.delivery.Nack(false, true) }

// DeathCount reads the broker-maintained failure count from the x-death
// header. Zero when the header is absent or unreadable.
func DeathCount(headers amqp.Table) int {
	total := 0
	for _, entry := range deathEntries(headers) {
		switch c := entry["count"].(type) {
		case int64:
			total += int(c)
		case int32:
			total += int(c)
		case int:
			total += c
		}
	}
	return total
}

// OriginalRoutingKey recovers the routing key the message carried
// before it was dead-lettered, falling back to the delivery's own key.
func OriginalRoutingKey(d amqp.Delivery) string {
	for _, entry := range deathEntries(d.Headers) {
		keys, ok := entry["routing-keys"].([]interface{})
		if !ok || len(keys) == 0 {
			continue
		}
		if k, ok := keys[0].(string); ok && k != "" {
			return k
		}
	}
	return d.RoutingKey
}

// OriginalQueue recovers the main queue the message was rejected from.
func OriginalQueue(d amqp.Delivery) string {
	if q, ok := d.Headers["x-first-death-queue"].(string); ok && q != "" {
		return q
	}
	for _, entry := range deathEntries(d.Headers) {
		if q, ok := entry["queue"].(string); ok && q != "" {
			return q
		}
	}
	return ""
}

// FirstDeathTime is the timestamp of the earliest dead-lettering, when
// the broker recorded one.
func FirstDeathTime(d amqp.Delivery) *time.Time {
	var first *time.Time
	for _, entry := range deathEntries(d.Headers) {
		t, ok := entry["time"].(time.Time)
		if !ok {
			continue
		}
		if first == nil || t.Before(*first) {
			tt := t
			first = &tt
		}
	}
	return first
}

func deathEntries(headers amqp.Table) []amqp.Table {
	raw, ok := headers["x-death"].([]interface{})
	if !ok {
		return nil
	}
	var out []amqp.Table
	for _, e := range raw {
		if t, ok := e.(amqp.Table); ok {
			out = append(out, t)
		}
	}
	return out
}

// DLQSource drains one dead-letter queue in bounded batches via
// basic.get, so the retry daemon never monopolizes the broker. It owns
// its connection: an AMQP channel dies permanently on any broker error,
// so a failed Get tears the connection down and the next Drain redials.
type DLQSource struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewDLQSource(url, queue string) *DLQSource {
	return &DLQSource{url: url, queue: queue}
}

func (s *DLQSource) Queue() string { return s.queue }

func (s *DLQSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	return nil
}

// ensureChannelLocked builds the connection and channel when a previous
// drain tore them down. Called with mu held.
func (s *DLQSource) ensureChannelLocked() error {
	if s.ch != nil {
		return nil
	}

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.conn = conn
	s.ch = ch
	return nil
}

// teardownLocked drops the dead channel so the next Drain redials.
// Called with mu held.
func (s *DLQSource) teardownLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Drain fetches up to limit messages present right now. Unacked
// messages return to the DLQ when the channel closes.
func (s *DLQSource) Drain(limit int) ([]*DLQMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureChannelLocked(); err != nil {
		return nil, fmt.Errorf("dlq source %s reconnect: %w", s.queue, err)
	}

	var out []*DLQMessage
	for i := 0; i < limit; i++ {
		d, ok, err := s.ch.Get(s.queue, false)
		if err != nil {
			s.teardownLocked()
			return out, fmt.Errorf("get from %s: %w", s.queue, err)
		}
		if !ok {
			break
		}
		out = append(out, &DLQMessage{
			Queue:              s.queue,
			OriginalQueue:      OriginalQueue(d),
			OriginalRoutingKey: OriginalRoutingKey(d),
			FailureCount:       DeathCount(d.Headers),
			FirstSeenAt:        FirstDeathTime(d),
			Body:               d.Body,
			delivery:           d,
		})
	}
	return out, nil
}
