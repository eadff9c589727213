package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/plugin/plugintest"
	"github.com/herdctl/herdctl/internal/session"
	"github.com/herdctl/herdctl/internal/session/service"
	"github.com/herdctl/herdctl/internal/session/store"
)

type harness struct {
	cfg       *config.Config
	mgr       *Manager
	svc       *service.Service
	store     *store.Store
	eventLog  *store.EventLog
	runtime   *plugintest.FakeRuntime
	agent     *plugintest.FakeAgent
	workspace *plugintest.FakeWorkspace
	tracker   *plugintest.FakeTracker
	scm       *plugintest.FakeSCM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	cfg := &config.Config{
		DataDir:     dir,
		WorktreeDir: dir + "/worktrees",
		Lifecycle: config.LifecycleConfig{
			PollInterval: 10, StuckAfter: 300, Workers: 4,
			CallTimeout: 5, ShutdownGrace: 2,
		},
		Defaults: config.DefaultsConfig{
			Runtime: "fake", Agent: "fake", Workspace: "fake",
			Tracker: "fake", SCM: "fake",
		},
		Projects: map[string]*config.Project{
			"app": {Name: "App", Repo: "acme/app", Path: "/tmp/app", SessionPrefix: "app"},
		},
		Reactions: map[string]*config.Reaction{},
	}

	h := &harness{
		cfg:       cfg,
		runtime:   plugintest.NewFakeRuntime(),
		agent:     plugintest.NewFakeAgent(),
		workspace: plugintest.NewFakeWorkspace(),
		tracker:   plugintest.NewFakeTracker(),
		scm:       plugintest.NewFakeSCM(),
	}

	registry := plugin.NewRegistry(log)
	for _, instance := range []plugin.Plugin{h.runtime, h.agent, h.workspace, h.tracker, h.scm} {
		require.NoError(t, registry.Register(plugintest.FactoryFor(instance), "", nil))
	}

	st, err := store.New(dir, log)
	require.NoError(t, err)
	eventLog, err := store.OpenEventLog(dir, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	h.store = st
	h.eventLog = eventLog
	h.svc = service.New(cfg, st, eventLog, registry, log)
	h.mgr = NewManager(cfg, st, eventLog, registry, h.svc, log)
	h.mgr.backoffBase = time.Millisecond
	return h
}

func (h *harness) spawn(t *testing.T) *session.Session {
	t.Helper()
	sess, err := h.svc.Spawn(context.Background(), service.SpawnRequest{ProjectID: "app", Prompt: "task"})
	require.NoError(t, err)
	return sess
}

func (h *harness) eventsOfType(t *testing.T, eventType string) []*events.Event {
	t.Helper()
	tail, err := h.eventLog.Tail(0)
	require.NoError(t, err)
	var matched []*events.Event
	for _, e := range tail {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func openPR() *plugin.PRRef {
	return &plugin.PRRef{
		Number: 7, URL: "https://forge.test/acme/app/pull/7",
		Owner: "acme", Repo: "app", Branch: "agent/app-1", BaseBranch: "main",
	}
}

func TestTickDetectsPRAndTransitions(t *testing.T) {
	h := newHarness(t)
	sess := h.spawn(t)

	h.scm.Set(func(s *plugintest.FakeSCM) {
		s.PR = openPR()
		s.State = plugin.PROpen
		s.CI = plugin.CIPending
		s.Decision = plugin.ReviewNone
	})

	h.mgr.Tick(context.Background())

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPROpen, got.Status)
	require.NotNil(t, got.PR)
	assert.Equal(t, 7, got.PR.Number)
	assert.Len(t, h.eventsOfType(t, "transition.pr_open"), 1)
}

func TestCIFailedReactionSendsOnce(t *testing.T) {
	h := newHarness(t)
	h.cfg.Reactions[string(session.StatusCIFailed)] = &config.Reaction{
		Auto: true, Action: config.ActionSendToAgent, Retries: 3,
	}
	sess := h.spawn(t)

	h.scm.Set(func(s *plugintest.FakeSCM) {
		s.PR = openPR()
		s.State = plugin.PROpen
		s.CI = plugin.CIFailing
		s.Checks = []plugin.CheckRun{{Name: "lint", Status: "completed", Conclusion: "failure"}}
	})

	h.mgr.Tick(context.Background())

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCIFailed, got.Status)
	assert.Len(t, h.eventsOfType(t, "transition.ci_failed"), 1)

	// Exactly one send naming the failing check and the PR URL.
	require.Len(t, h.runtime.Sent, 1)
	assert.Contains(t, h.runtime.Sent[0].Message, "lint")
	assert.Contains(t, h.runtime.Sent[0].Message, "https://forge.test/acme/app/pull/7")

	// Further ticks in the same status never re-fire the reaction.
	h.mgr.Tick(context.Background())
	h.mgr.Tick(context.Background())
	assert.Len(t, h.runtime.Sent, 1)
	assert.Len(t, h.eventsOfType(t, events.ReactionFired), 1)
}

func TestReactionRetriesThenEscalates(t *testing.T) {
	h := newHarness(t)
	h.cfg.Reactions[string(session.StatusCIFailed)] = &config.Reaction{
		Auto: true, Action: config.ActionSendToAgent, Retries: 3,
	}
	sess := h.spawn(t)

	h.runtime.SendErr = errors.New("stdin closed")
	h.scm.Set(func(s *plugintest.FakeSCM) {
		s.PR = openPR()
		s.State = plugin.PROpen
		s.CI = plugin.CIFailing
	})

	h.mgr.Tick(context.Background())

	// retries=3 means at most 4 attempts, then escalation parks the
	// session in stuck.
	assert.Len(t, h.eventsOfType(t, events.ReactionFailed), 4)
	assert.Len(t, h.eventsOfType(t, events.ReactionEscalated), 1)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStuck, got.Status)
}

func TestApprovedAndGreenAutoMerge(t *testing.T) {
	h := newHarness(t)
	h.cfg.Reactions[string(session.StatusMergeable)] = &config.Reaction{
		Auto: true, Action: config.ActionAutoMerge, Strategy: "squash",
	}
	sess := h.spawn(t)

	h.scm.Set(func(s *plugintest.FakeSCM) {
		s.PR = openPR()
		s.State = plugin.PROpen
		s.CI = plugin.CIPassing
		s.Decision = plugin.ReviewApproved
		s.Mergeability = &plugin.Mergeability{Mergeable: true, CIPassing: true, Approved: true, NoConflicts: true}
	})

	h.mgr.Tick(context.Background())

	// The PR was merged with the configured strategy and the session
	// reclaimed: workspace gone, record archived as merged.
	assert.Equal(t, []int{7}, h.scm.Merged)
	assert.Len(t, h.eventsOfType(t, "transition.mergeable"), 1)
	assert.Len(t, h.eventsOfType(t, "transition.merged"), 1)
	assert.Len(t, h.eventsOfType(t, events.SessionArchived), 1)

	got, archived, err := h.store.GetAny(sess.ID)
	require.NoError(t, err)
	assert.True(t, archived)
	assert.Equal(t, session.StatusMerged, got.Status)
	assert.False(t, h.workspace.Exists(sess.WorkspacePath))
}

func TestDeadRuntimeTerminatesSession(t *testing.T) {
	h := newHarness(t)
	sess := h.spawn(t)

	h.runtime.MarkDead(sess.RuntimeHandle.ID)
	h.mgr.Tick(context.Background())

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, got.Status)
	assert.Equal(t, plugin.ActivityExited, got.Activity)

	// Terminal sessions are skipped on later ticks.
	h.mgr.Tick(context.Background())
	assert.Len(t, h.eventsOfType(t, "transition.terminated"), 1)
}

func TestWaitingInputTransition(t *testing.T) {
	h := newHarness(t)
	sess := h.spawn(t)

	h.agent.SetActivity(plugin.ActivityWaitingInput)
	h.mgr.Tick(context.Background())

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusNeedsInput, got.Status)

	// Agent resumes, session returns to working and a fresh needs_input
	// entry later gets its own reaction budget.
	h.agent.SetActivity(plugin.ActivityActive)
	h.mgr.Tick(context.Background())
	got, err = h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWorking, got.Status)
	assert.Equal(t, 1, got.EntrySeq[string(session.StatusNeedsInput)])
}

func TestSCMFailureHoldsStatus(t *testing.T) {
	h := newHarness(t)
	sess := h.spawn(t)

	h.scm.Set(func(s *plugintest.FakeSCM) {
		s.PR = openPR()
		s.State = plugin.PROpen
		s.CI = plugin.CIFailing
	})
	h.mgr.Tick(context.Background())

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCIFailed, got.Status)

	// The forge starts failing; the session holds its status instead of
	// bouncing through activity-derived rows.
	h.scm.Set(func(s *plugintest.FakeSCM) { s.DetectErr = errors.New("rate limited") })
	h.scmStateErr(t)
	h.mgr.Tick(context.Background())

	got, err = h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCIFailed, got.Status)
}

// scmStateErr makes every snapshot call fail by swapping the scripted
// state reader for an erroring one.
func (h *harness) scmStateErr(t *testing.T) {
	t.Helper()
	h.scm.Set(func(s *plugintest.FakeSCM) { s.StateErr = errors.New("rate limited") })
}

func TestStartStopLoop(t *testing.T) {
	h := newHarness(t)
	h.cfg.Lifecycle.PollInterval = 1

	h.mgr.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	h.mgr.Stop()
}
