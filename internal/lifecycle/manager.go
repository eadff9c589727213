package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
	"github.com/herdctl/herdctl/internal/session/service"
	"github.com/herdctl/herdctl/internal/session/store"
)

// Manager is the polling scheduler. One goroutine runs the tick loop;
// per-session observation fans out through a bounded semaphore. The
// configured interval is a floor: a slow tick starts the next one
// immediately after it finishes.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	eventLog *store.EventLog
	registry *plugin.Registry
	sessions *service.Service
	logger   *logger.Logger

	// backoffBase seeds the reaction retry schedule. Tests shrink it.
	backoffBase time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates the lifecycle manager.
func NewManager(cfg *config.Config, st *store.Store, eventLog *store.EventLog, registry *plugin.Registry, sessions *service.Service, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		eventLog:    eventLog,
		registry:    registry,
		sessions:    sessions,
		logger:      log.WithFields(zap.String("component", "lifecycle")),
		backoffBase: 500 * time.Millisecond,
	}
}

// Start launches the poll loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Lifecycle.PollIntervalDuration()

	go func() {
		defer close(m.done)
		m.logger.Info("lifecycle manager started", zap.Duration("poll_interval", interval))
		for {
			start := time.Now()
			m.Tick(ctx)

			wait := interval - time.Since(start)
			if wait < 0 {
				wait = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// Stop cancels the loop and waits up to the shutdown grace period for the
// in-flight tick.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(m.cfg.Lifecycle.ShutdownGraceDuration()):
		m.logger.Warn("lifecycle shutdown grace elapsed, abandoning in-flight tick")
	}
}

// Tick observes every non-terminal session once. Observation work fans out
// up to the configured worker bound; each session's observe, transition,
// and reaction run sequentially.
func (m *Manager) Tick(ctx context.Context) {
	sessions, err := m.store.List()
	if err != nil {
		m.logger.Error("tick: listing sessions failed", zap.Error(err))
		return
	}

	workers := int64(m.cfg.Lifecycle.Workers)
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)
	var wg sync.WaitGroup

	for _, sess := range sessions {
		if sess.Status.Terminal() || sess.Status == session.StatusSpawning {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			defer sem.Release(1)
			m.poll(ctx, sess)
		}(sess)
	}
	wg.Wait()
}

// poll runs one session through observe, decide, transition, react.
func (m *Manager) poll(ctx context.Context, sess *session.Session) {
	log := m.logger.WithSessionID(sess.ID)

	project, ok := m.cfg.ProjectFor(sess.ProjectID)
	if !ok {
		log.Warn("session references unknown project, skipping", zap.String("project_id", sess.ProjectID))
		return
	}

	obs, err := m.observe(ctx, sess, project)
	if err != nil {
		// Observation never fails hard except for invariant violations.
		if apperrors.IsKind(err, apperrors.KindInvariantViolation) {
			m.failSession(ctx, sess, err)
			return
		}
		log.Warn("observation failed, no change this tick", zap.Error(err))
		return
	}

	next := Decide(sess.Status, *obs, m.cfg.Lifecycle.StuckAfterDuration())
	changed := next != sess.Status

	updated, err := m.store.Update(sess.ID, func(rec *session.Session) error {
		rec.Activity = obs.Activity
		if obs.Activity == plugin.ActivityActive {
			rec.LastActivityAt = time.Now().UTC()
		}
		if obs.PR != nil && rec.PR == nil {
			rec.PR = session.PRInfoFromRef(obs.PR)
		}
		if changed {
			rec.EnterStatus(next)
		}
		return nil
	})
	if err != nil {
		log.Warn("failed to persist observation", zap.Error(err))
		return
	}

	if !changed {
		return
	}

	log.Info("session transition",
		zap.String("from", string(sess.Status)), zap.String("to", string(next)))

	// The transition event goes out before the reaction so consumers see
	// the cause before the effect.
	m.emit(ctx, events.New(events.TransitionType(string(next)), transitionPriority(next),
		fmt.Sprintf("session %s: %s -> %s", sess.ID, sess.Status, next)).
		WithSession(sess.ID, sess.ProjectID).
		WithData("from", string(sess.Status)).
		WithData("to", string(next)))

	m.react(ctx, updated, project, next, obs)
}

// observe gathers the session's activity and PR signals, each call bounded
// by the configured timeout. Transient forge failures degrade to
// last-known-good rather than failing the tick.
func (m *Manager) observe(ctx context.Context, sess *session.Session, project *config.Project) (*Observation, error) {
	obs := &Observation{}
	timeout := m.cfg.Lifecycle.CallTimeoutDuration()

	runtime, err := m.registry.Runtime(m.cfg.RuntimeFor(project))
	if err != nil {
		return nil, apperrors.Invariant("runtime plugin vanished", err)
	}
	agent, err := m.registry.Agent(m.cfg.AgentFor(project))
	if err != nil {
		return nil, apperrors.Invariant("agent plugin vanished", err)
	}
	scm, err := m.registry.SCM(m.cfg.SCMFor(project))
	if err != nil {
		return nil, apperrors.Invariant("scm plugin vanished", err)
	}

	if sess.RuntimeHandle != nil {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		alive, err := runtime.IsAlive(callCtx, sess.RuntimeHandle)
		cancel()
		if err != nil {
			return nil, apperrors.Transient("runtime liveness check failed", err)
		}
		obs.RuntimeAlive = alive
	}

	if obs.RuntimeAlive {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		activity, _, err := agent.ActivityState(callCtx, runtime, sess.RuntimeHandle)
		cancel()
		if err != nil {
			m.logger.WithSessionID(sess.ID).Debug("activity probe failed", zap.Error(err))
			activity = sess.Activity
		}
		obs.Activity = activity
	} else {
		obs.Activity = plugin.ActivityExited
	}
	obs.IdleFor = time.Since(sess.LastActivityAt)

	pr := sess.PR.Ref()
	if pr == nil && sess.Branch != "" {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		detected, err := scm.DetectPR(callCtx, sess.Branch, project)
		cancel()
		if err != nil {
			m.logger.WithSessionID(sess.ID).Debug("pr detection failed", zap.Error(err))
		} else {
			pr = detected
		}
	}
	obs.PR = pr

	if pr != nil {
		if err := m.observePR(ctx, scm, pr, obs); err != nil {
			m.logger.WithSessionID(sess.ID).Warn("pr observation degraded", zap.Error(err))
			obs.PRUnobserved = true
		}
	}

	if sess.IssueID != "" {
		tracker, err := m.registry.Tracker(m.cfg.TrackerFor(project))
		if err == nil {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			completed, cerr := tracker.IsCompleted(callCtx, sess.IssueID, project)
			cancel()
			if cerr == nil {
				obs.IssueCompleted = completed
			}
		}
	}

	return obs, nil
}

// observePR fetches the PR snapshot for one tick.
func (m *Manager) observePR(ctx context.Context, scm plugin.SCM, pr *plugin.PRRef, obs *Observation) error {
	timeout := m.cfg.Lifecycle.CallTimeoutDuration()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := scm.GetPRState(callCtx, pr)
	if err != nil {
		return err
	}
	obs.PRState = state
	obs.PRKnown = true

	if state != plugin.PROpen {
		return nil
	}

	summary, err := scm.GetCISummary(callCtx, pr)
	if err != nil {
		return err
	}
	obs.CISummary = summary

	decision, err := scm.GetReviewDecision(callCtx, pr)
	if err != nil {
		return err
	}
	obs.Review = decision

	mergeability, err := scm.GetMergeability(callCtx, pr)
	if err != nil {
		// Degrade to unmergeable with an explicit blocker rather than
		// failing the whole snapshot.
		obs.Mergeability = &plugin.Mergeability{Blockers: []string{"api_rate_limited"}}
	} else {
		obs.Mergeability = mergeability
	}

	if summary == plugin.CIFailing {
		checks, err := scm.GetCIChecks(callCtx, pr)
		if err == nil {
			for _, check := range checks {
				if check.Conclusion == "failure" || check.Conclusion == "timed_out" || check.Conclusion == "cancelled" {
					obs.FailingChecks = append(obs.FailingChecks, check)
				}
			}
		}
	}
	if decision == plugin.ReviewChangesRequested {
		comments, err := scm.GetPendingComments(callCtx, pr)
		if err == nil {
			obs.Comments = comments
		}
	}
	return nil
}

// failSession parks a session in errored after an invariant violation. The
// process keeps running; only the session is fatal.
func (m *Manager) failSession(ctx context.Context, sess *session.Session, cause error) {
	m.logger.WithSessionID(sess.ID).Error("invariant violation, erroring session", zap.Error(cause))
	_, err := m.store.Update(sess.ID, func(rec *session.Session) error {
		rec.EnterStatus(session.StatusErrored)
		return nil
	})
	if err != nil {
		m.logger.WithSessionID(sess.ID).Error("failed to persist errored status", zap.Error(err))
	}
	m.emit(ctx, events.New(events.SessionErrored, events.PriorityUrgent,
		fmt.Sprintf("session %s errored: %v", sess.ID, cause)).
		WithSession(sess.ID, sess.ProjectID))
}

// transitionPriority maps an entered status to the event priority its
// transition is published with.
func transitionPriority(status session.Status) events.Priority {
	switch status {
	case session.StatusCIFailed, session.StatusChangesRequested, session.StatusNeedsInput:
		return events.PriorityAction
	case session.StatusStuck, session.StatusErrored:
		return events.PriorityUrgent
	case session.StatusTerminated:
		return events.PriorityWarning
	default:
		return events.PriorityInfo
	}
}

func (m *Manager) emit(ctx context.Context, e *events.Event) {
	if err := m.eventLog.Emit(ctx, e); err != nil {
		m.logger.Error("failed to record event", zap.String("type", e.Type), zap.Error(err))
	}
}
