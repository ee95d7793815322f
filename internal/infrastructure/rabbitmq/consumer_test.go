package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/gamenight/scheduler/internal/idempotency"
	"github.com/gamenight/scheduler/internal/pkg/logger"
)

type fakeChecker struct {
	seen map[string]bool
	err  error
}

func (c *fakeChecker) CheckAndMark(_ context.Context, messageID, handler string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	key := handler + ":" + messageID
	if c.seen[key] {
		return true, nil
	}
	c.seen[key] = true
	return false, nil
}

func TestWithDedupe_SuppressesDuplicates(t *testing.T) {
	calls := 0
	h := WithDedupe(&fakeChecker{}, "bot", func(context.Context, amqp.Delivery) error {
		calls++
		return nil
	})

	d := amqp.Delivery{MessageId: "row-1"}
	require.NoError(t, h(context.Background(), d))
	require.NoError(t, h(context.Background(), d))
	require.Equal(t, 1, calls)
}

func TestWithDedupe_NoMessageIDAlwaysProcesses(t *testing.T) {
	calls := 0
	h := WithDedupe(&fakeChecker{}, "bot", func(context.Context, amqp.Delivery) error {
		calls++
		return nil
	})

	require.NoError(t, h(context.Background(), amqp.Delivery{}))
	require.NoError(t, h(context.Background(), amqp.Delivery{}))
	require.Equal(t, 2, calls)
}

func TestWithDedupe_FenceFailureProcessesAnyway(t *testing.T) {
	calls := 0
	h := WithDedupe(&fakeChecker{err: errors.New("redis down")}, "bot", func(context.Context, amqp.Delivery) error {
		calls++
		return nil
	})

	require.NoError(t, h(context.Background(), amqp.Delivery{MessageId: "row-2"}))
	require.Equal(t, 1, calls)
}

func TestConsumerRun_LogsWhenDeliveryStreamCloses(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "json")
	logger.InitWithWriter(&buf)

	c := NewConsumer("amqp://unused", "bot_events", "bot", 1, func(context.Context, amqp.Delivery) error {
		return nil
	})

	deliveries := make(chan amqp.Delivery)
	done := make(chan struct{})
	go c.run(context.Background(), deliveries, func() { close(done) })

	close(deliveries)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not stop after the stream closed")
	}
	require.Contains(t, buf.String(), "delivery stream closed by broker")
}

func TestConsumerRun_StopsQuietlyOnCancel(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_FORMAT", "json")
	logger.InitWithWriter(&buf)

	c := NewConsumer("amqp://unused", "bot_events", "bot", 1, func(context.Context, amqp.Delivery) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp.Delivery)
	done := make(chan struct{})
	go c.run(ctx, deliveries, func() { close(done) })

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not stop on cancellation")
	}
	require.NotContains(t, buf.String(), "closed by broker")
}

func TestWithDedupe_HandlerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	h := WithDedupe(idempotency.Noop{}, "bot", func(context.Context, amqp.Delivery) error {
		return boom
	})

	require.ErrorIs(t, h(context.Background(), amqp.Delivery{MessageId: "row-3"}), boom)
}
