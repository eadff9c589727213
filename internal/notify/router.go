// Package notify routes emitted events to configured notifiers by
// priority. Fan-out is independent per notifier; a slow or failing
// notifier never blocks the others, and bounded lanes shed load instead of
// backing the engine up.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session/store"
)

// Queue bounds per priority. Urgent is unbounded: those events are the
// ones an operator must see.
var defaultBounds = map[events.Priority]int{
	events.PriorityInfo:    64,
	events.PriorityWarning: 64,
	events.PriorityAction:  128,
	events.PriorityUrgent:  0,
}

// droppedFlushInterval is how often accumulated drop counts are reported
// as one aggregated event.
const droppedFlushInterval = 30 * time.Second

// Router subscribes to the event bus and fans events out to the notifiers
// the routing table names for their priority.
type Router struct {
	cfg      *config.Config
	registry *plugin.Registry
	eventLog *store.EventLog
	logger   *logger.Logger

	mu     sync.Mutex
	queues map[events.Priority]*queue

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates the notification router.
func NewRouter(cfg *config.Config, registry *plugin.Registry, eventLog *store.EventLog, log *logger.Logger) *Router {
	queues := make(map[events.Priority]*queue, len(defaultBounds))
	for priority, bound := range defaultBounds {
		queues[priority] = newQueue(bound)
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		eventLog: eventLog,
		logger:   log.WithFields(zap.String("component", "notify-router")),
		queues:   queues,
	}
}

// Start subscribes to all events and launches one worker per priority lane
// plus the drop reporter.
func (r *Router) Start(ctx context.Context, eventBus bus.EventBus) error {
	ctx, r.cancel = context.WithCancel(ctx)

	sub, err := eventBus.Subscribe(events.SubjectWildcard, func(_ context.Context, e *events.Event) error {
		r.enqueue(e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}
	r.sub = sub

	for priority, q := range r.queues {
		r.wg.Add(1)
		go r.worker(ctx, priority, q)
	}
	r.wg.Add(1)
	go r.dropReporter(ctx)

	r.logger.Info("notification router started")
	return nil
}

// Stop unsubscribes, drains nothing further, and waits for workers.
func (r *Router) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.flushDropped(context.Background())
}

// enqueue places an event on its priority lane. Reporting events the
// router itself produces are not re-routed.
func (r *Router) enqueue(e *events.Event) {
	if e.Type == events.NotifierDropped {
		return
	}
	priority := e.Priority
	if !priority.Valid() {
		priority = events.PriorityInfo
	}
	if len(r.notifiersFor(priority)) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[priority].push(e)
}

// notifiersFor resolves the routing table for a priority.
func (r *Router) notifiersFor(priority events.Priority) []string {
	return r.cfg.RoutingFor(string(priority))
}

// worker drains one priority lane, fanning each event out to its notifier
// set in parallel.
func (r *Router) worker(ctx context.Context, priority events.Priority, q *queue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		e := q.pop()
		r.mu.Unlock()

		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		r.deliver(ctx, priority, e)
	}
}

// deliver fans one event out. Each notifier call is independent; failures
// are logged, never propagated across the set.
func (r *Router) deliver(ctx context.Context, priority events.Priority, e *events.Event) {
	names := r.notifiersFor(priority)
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			notifier, err := r.registry.Notifier(name)
			if err != nil {
				r.logger.Warn("routed notifier not registered", zap.String("notifier", name), zap.Error(err))
				return
			}
			n := plugin.Notification{
				Title:    e.Type,
				Body:     e.Message,
				Priority: e.Priority,
				Event:    e,
			}
			if err := notifier.Notify(ctx, n); err != nil {
				r.logger.Warn("notification delivery failed",
					zap.String("notifier", name),
					zap.String("type", e.Type),
					zap.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

// dropReporter periodically reports accumulated drops as one aggregated
// event per flush.
func (r *Router) dropReporter(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(droppedFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushDropped(ctx)
		}
	}
}

// flushDropped emits a single notifier.dropped event when any lane shed
// load since the last flush.
func (r *Router) flushDropped(ctx context.Context) {
	r.mu.Lock()
	counts := map[string]any{}
	var total int64
	for priority, q := range r.queues {
		if n := q.takeDropped(); n > 0 {
			counts[string(priority)] = n
			total += n
		}
	}
	r.mu.Unlock()

	if total == 0 {
		return
	}

	e := events.New(events.NotifierDropped, events.PriorityWarning,
		fmt.Sprintf("dropped %d notifications under back-pressure", total))
	for priority, n := range counts {
		e.WithData(priority, n)
	}
	if err := r.eventLog.Emit(ctx, e); err != nil {
		r.logger.Error("failed to record dropped-notification event", zap.Error(err))
	}
}
