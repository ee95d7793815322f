package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisChecker_Key(t *testing.T) {
	c := NewRedisChecker(nil)
	require.Equal(t,
		"scheduler:processed:reminder_consumer:3f1a",
		c.Key("3f1a", "reminder_consumer"))
}

type fakeMarker struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *fakeMarker) TryMarkProcessed(_ context.Context, messageID, handler string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	key := handler + ":" + messageID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func TestDBChecker_FirstSeenThenDuplicate(t *testing.T) {
	c := NewDBChecker(&fakeMarker{})
	ctx := context.Background()

	dup, err := c.CheckAndMark(ctx, "msg-1", "reminder_consumer")
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = c.CheckAndMark(ctx, "msg-1", "reminder_consumer")
	require.NoError(t, err)
	require.True(t, dup)

	// same id, different handler: independent fence
	dup, err = c.CheckAndMark(ctx, "msg-1", "status_consumer")
	require.NoError(t, err)
	require.False(t, dup)
}

func TestDBChecker_ErrorPropagates(t *testing.T) {
	c := NewDBChecker(&fakeMarker{err: errors.New("db down")})
	_, err := c.CheckAndMark(context.Background(), "msg-1", "h")
	require.Error(t, err)
}

func TestNoop_NeverDuplicate(t *testing.T) {
	var c Checker = Noop{}
	for i := 0; i < 3; i++ {
		dup, err := c.CheckAndMark(context.Background(), "same-id", "h")
		require.NoError(t, err)
		require.False(t, dup)
	}
}
