package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/plugin/plugintest"
	"github.com/herdctl/herdctl/internal/session/store"
)

func newRouterHarness(t *testing.T, routing map[string][]string) (*Router, *plugin.Registry, *store.EventLog) {
	t.Helper()
	log := logger.Default()
	cfg := &config.Config{NotificationRouting: routing}
	registry := plugin.NewRegistry(log)

	eventLog, err := store.OpenEventLog(t.TempDir(), log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	return NewRouter(cfg, registry, eventLog, log), registry, eventLog
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRouterFansOutIndependently(t *testing.T) {
	router, registry, _ := newRouterHarness(t, map[string][]string{
		"urgent": {"good", "bad"},
	})
	good := plugintest.NewFakeNotifier("good")
	bad := plugintest.NewFakeNotifier("bad")
	bad.NotifyErr = errors.New("webhook down")
	require.NoError(t, registry.Register(plugintest.FactoryFor(good), "", nil))
	require.NoError(t, registry.Register(plugintest.FactoryFor(bad), "", nil))

	memBus := bus.NewMemoryEventBus(logger.Default())
	defer memBus.Close()
	require.NoError(t, router.Start(context.Background(), memBus))
	defer router.Stop()

	e := events.New(events.ReactionEscalated, events.PriorityUrgent, "help")
	require.NoError(t, memBus.Publish(context.Background(), events.Subject(e), e))

	// The failing notifier does not keep the healthy one from delivering.
	waitFor(t, func() bool { return good.Count() == 1 })
	assert.Equal(t, "help", good.Delivered[0].Body)
	assert.Equal(t, events.PriorityUrgent, good.Delivered[0].Priority)
}

func TestRouterSkipsUnroutedPriorities(t *testing.T) {
	router, registry, _ := newRouterHarness(t, map[string][]string{
		"urgent": {"ntfy"},
	})
	ntfy := plugintest.NewFakeNotifier("ntfy")
	require.NoError(t, registry.Register(plugintest.FactoryFor(ntfy), "", nil))

	memBus := bus.NewMemoryEventBus(logger.Default())
	defer memBus.Close()
	require.NoError(t, router.Start(context.Background(), memBus))
	defer router.Stop()

	info := events.New(events.SessionSpawned, events.PriorityInfo, "spawned")
	require.NoError(t, memBus.Publish(context.Background(), events.Subject(info), info))
	urgent := events.New(events.ReactionEscalated, events.PriorityUrgent, "stuck")
	require.NoError(t, memBus.Publish(context.Background(), events.Subject(urgent), urgent))

	waitFor(t, func() bool { return ntfy.Count() == 1 })
	assert.Equal(t, "stuck", ntfy.Delivered[0].Body)
}

func TestBoundedLaneShedsAndReportsOnce(t *testing.T) {
	router, _, eventLog := newRouterHarness(t, map[string][]string{
		"info": {"slow"},
	})

	// No workers running: the lane fills to its bound and sheds the rest.
	for i := 0; i < 100; i++ {
		router.enqueue(events.New(events.SessionSpawned, events.PriorityInfo, fmt.Sprintf("e%d", i)))
	}
	router.flushDropped(context.Background())

	tail, err := eventLog.Tail(0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, events.NotifierDropped, tail[0].Type)
	assert.EqualValues(t, 36, tail[0].Data["info"])

	// Nothing new dropped since the flush, so no second report.
	router.flushDropped(context.Background())
	tail, err = eventLog.Tail(0)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
}

func TestUrgentLaneNeverDrops(t *testing.T) {
	router, _, eventLog := newRouterHarness(t, map[string][]string{
		"urgent": {"slow"},
	})

	for i := 0; i < 1000; i++ {
		router.enqueue(events.New(events.ReactionEscalated, events.PriorityUrgent, fmt.Sprintf("e%d", i)))
	}
	router.flushDropped(context.Background())

	tail, err := eventLog.Tail(0)
	require.NoError(t, err)
	assert.Empty(t, tail)

	router.mu.Lock()
	queued := len(router.queues[events.PriorityUrgent].items)
	router.mu.Unlock()
	assert.Equal(t, 1000, queued)
}
