package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
)

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handler(_ context.Context, e *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, e.Type)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func publish(t *testing.T, b *MemoryEventBus, eventType string) {
	t.Helper()
	e := events.New(eventType, events.PriorityInfo, "x")
	require.NoError(t, b.Publish(context.Background(), events.Subject(e), e))
}

func waitCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("saw %d events, want %d", c.count(), want)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	all := &collector{}
	transitions := &collector{}
	exact := &collector{}

	_, err := b.Subscribe("events.>", all.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("events.transition.*", transitions.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("events.session.killed", exact.handler)
	require.NoError(t, err)

	publish(t, b, "session.spawned")
	publish(t, b, "session.killed")
	publish(t, b, "transition.ci_failed")

	waitCount(t, all, 3)
	waitCount(t, transitions, 1)
	waitCount(t, exact, 1)
	assert.Equal(t, []string{"transition.ci_failed"}, transitions.seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	c := &collector{}
	sub, err := b.Subscribe("events.>", c.handler)
	require.NoError(t, err)

	publish(t, b, "session.spawned")
	waitCount(t, c, 1)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	publish(t, b, "session.spawned")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	e := events.New("session.spawned", events.PriorityInfo, "x")
	assert.Error(t, b.Publish(context.Background(), events.Subject(e), e))
	assert.False(t, b.IsConnected())
}
