package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/plugin/plugintest"
	"github.com/herdctl/herdctl/internal/session"
	"github.com/herdctl/herdctl/internal/session/store"
)

type harness struct {
	svc       *Service
	cfg       *config.Config
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
		Defaults: config.DefaultsConfig{
			Runtime: "fake", Agent: "fake", Workspace: "fake",
			Tracker: "fake", SCM: "fake",
		},
		Projects: map[string]*config.Project{
			"demo": {Name: "Demo", Repo: "acme/demo", Path: "/tmp/demo", SessionPrefix: "demo"},
		},
	}

	h := &harness{
		runtime:   plugintest.NewFakeRuntime(),
		agent:     plugintest.NewFakeAgent(),
		workspace: plugintest.NewFakeWorkspace(),
		tracker:   plugintest.NewFakeTracker(),
		scm:       plugintest.NewFakeSCM(),
	}
	h.tracker.Issues["42"] = &plugin.Issue{ID: "42", Key: "42", Title: "Fix it", State: plugin.IssueOpen}

	registry := plugin.NewRegistry(log)
	for _, instance := range []plugin.Plugin{h.runtime, h.agent, h.workspace, h.tracker, h.scm} {
		require.NoError(t, registry.Register(plugintest.FactoryFor(instance), "", nil))
	}

	st, err := store.New(dir, log)
	require.NoError(t, err)
	eventLog, err := store.OpenEventLog(dir, log, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	h.cfg = cfg
	h.store = st
	h.eventLog = eventLog
	h.svc = New(cfg, st, eventLog, registry, log)
	return h
}

// dropProject simulates a config reload that removed every project while
// sessions for them are still live.
func (h *harness) dropProject() {
	h.cfg.ApplyDynamic(&config.Config{
		Defaults: config.DefaultsConfig{
			Runtime: "fake", Agent: "fake", Workspace: "fake",
			Tracker: "fake", SCM: "fake",
		},
		Projects: map[string]*config.Project{},
	})
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	tail, err := h.eventLog.Tail(0)
	require.NoError(t, err)
	types := make([]string, 0, len(tail))
	for _, e := range tail {
		types = append(types, e.Type)
	}
	return types
}

func TestSpawnHappyPath(t *testing.T) {
	h := newHarness(t)

	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", IssueID: "42"})
	require.NoError(t, err)

	assert.Equal(t, "demo-1", sess.ID)
	assert.Equal(t, session.StatusWorking, sess.Status)
	assert.Equal(t, "feat/42", sess.Branch)
	assert.NotNil(t, sess.RuntimeHandle)
	assert.True(t, h.workspace.Exists(sess.WorkspacePath))

	// The issue was flagged in progress and the spawn event recorded.
	require.Len(t, h.tracker.Updates, 1)
	assert.Equal(t, plugin.IssueInProgress, h.tracker.Updates[0].State)
	assert.Contains(t, h.eventTypes(t), events.SessionSpawned)

	// The record is durable.
	got, err := h.store.Get("demo-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusWorking, got.Status)
}

func TestSpawnUnknownProject(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "nope", Prompt: "x"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSpawnRollbackOnRuntimeFailure(t *testing.T) {
	h := newHarness(t)
	h.runtime.CreateErr = errors.New("tmux exploded")

	_, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", IssueID: "42"})
	require.Error(t, err)

	// Workspace was compensated and the id released; a retry gets demo-1
	// again.
	assert.Len(t, h.workspace.Removed, 1)
	sessions, err := h.store.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	h.runtime.CreateErr = nil
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", IssueID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "demo-1", sess.ID)
}

func TestSpawnRollbackOnSetupFailure(t *testing.T) {
	h := newHarness(t)
	h.agent.SetupErr = errors.New("setup failed")

	_, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", IssueID: "42"})
	require.Error(t, err)

	// The runtime created before the failing step was destroyed.
	assert.Len(t, h.runtime.Destroyed, 1)
	assert.Len(t, h.workspace.Removed, 1)
	assert.NotContains(t, h.eventTypes(t), events.SessionSpawned)
}

func TestSpawnSequentialIDs(t *testing.T) {
	h := newHarness(t)

	for i, want := range []string{"demo-1", "demo-2", "demo-3"} {
		sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
		require.NoError(t, err, "spawn %d", i)
		assert.Equal(t, want, sess.ID)
	}
}

func TestBatchSpawnContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	h.tracker.Issues["43"] = &plugin.Issue{ID: "43", Key: "43", State: plugin.IssueOpen}

	// Issue 42 spawns, the bogus one fails, 43 still spawns.
	results, err := h.svc.BatchSpawn(context.Background(), "demo", []string{"42", "bogus", "43"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "demo-1", results[0].SessionID)
	assert.NotEmpty(t, results[1].Error)
	assert.Empty(t, results[1].SessionID)
	assert.Equal(t, "demo-2", results[2].SessionID)
}

func TestSpawnRefusesClosedIssue(t *testing.T) {
	h := newHarness(t)
	h.tracker.Issues["99"] = &plugin.Issue{ID: "99", Key: "99", State: plugin.IssueClosed}

	_, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", IssueID: "99"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSendShortMessageUnbuffered(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Send(context.Background(), sess.ID, "continue"))
	sent, ok := h.runtime.LastSent()
	require.True(t, ok)
	assert.False(t, sent.Buffered)
	assert.Equal(t, "continue", sent.Message)
}

func TestSendBufferedBoundaries(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	// Exactly the threshold stays unbuffered; one more flips it.
	require.NoError(t, h.svc.Send(context.Background(), sess.ID, strings.Repeat("a", 200)))
	sent, _ := h.runtime.LastSent()
	assert.False(t, sent.Buffered)

	require.NoError(t, h.svc.Send(context.Background(), sess.ID, strings.Repeat("a", 201)))
	sent, _ = h.runtime.LastSent()
	assert.True(t, sent.Buffered)

	// A newline forces buffering regardless of length.
	require.NoError(t, h.svc.Send(context.Background(), sess.ID, "two\nlines"))
	sent, _ = h.runtime.LastSent()
	assert.True(t, sent.Buffered)
}

func TestSendStripsControlCharacters(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Send(context.Background(), sess.ID, "hi\x1b[31m\x00there\tok"))
	sent, _ := h.runtime.LastSent()
	assert.Equal(t, "hi[31mthere\tok", sent.Message)

	err = h.svc.Send(context.Background(), sess.ID, "\x00\x1b")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestKillIdempotent(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Kill(context.Background(), sess.ID))
	require.NoError(t, h.svc.Kill(context.Background(), sess.ID))

	got, archived, err := h.store.GetAny(sess.ID)
	require.NoError(t, err)
	assert.True(t, archived)
	assert.Equal(t, session.StatusKilled, got.Status)

	// Exactly one session.killed event despite the double kill.
	var killed int
	for _, typ := range h.eventTypes(t) {
		if typ == events.SessionKilled {
			killed++
		}
	}
	assert.Equal(t, 1, killed)
}

func TestKillAfterProjectRemoved(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	h.dropProject()

	// The session still tears down through the default runtime plugin.
	require.NoError(t, h.svc.Kill(context.Background(), sess.ID))
	assert.Len(t, h.runtime.Destroyed, 1)

	got, archived, err := h.store.GetAny(sess.ID)
	require.NoError(t, err)
	assert.True(t, archived)
	assert.Equal(t, session.StatusKilled, got.Status)
}

func TestSendAndCleanupAfterProjectRemoved(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	h.dropProject()

	require.NoError(t, h.svc.Send(context.Background(), sess.ID, "still here?"))
	sent, ok := h.runtime.LastSent()
	require.True(t, ok)
	assert.Equal(t, "still here?", sent.Message)

	require.NoError(t, h.svc.CleanupSession(context.Background(), sess.ID))
	assert.False(t, h.workspace.Exists(sess.WorkspacePath))
	_, archived, err := h.store.GetAny(sess.ID)
	require.NoError(t, err)
	assert.True(t, archived)
}

func TestKillConcurrentSingleEvent(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.svc.Kill(context.Background(), sess.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var killed int
	for _, typ := range h.eventTypes(t) {
		if typ == events.SessionKilled {
			killed++
		}
	}
	assert.Equal(t, 1, killed)

	alive, err := h.runtime.IsAlive(context.Background(), sess.RuntimeHandle)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestCleanupArchivesFinishedSessions(t *testing.T) {
	h := newHarness(t)

	merged, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "a"})
	require.NoError(t, err)
	working, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "b"})
	require.NoError(t, err)

	_, err = h.store.Update(merged.ID, func(s *session.Session) error {
		s.EnterStatus(session.StatusMerged)
		return nil
	})
	require.NoError(t, err)

	cleaned, err := h.svc.Cleanup(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{merged.ID}, cleaned)

	// The working session is untouched.
	got, err := h.store.Get(working.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWorking, got.Status)
}

func TestCleanupArchivesAndKeepsID(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, h.svc.CleanupSession(context.Background(), sess.ID))

	// Workspace gone, record archived, id still taken.
	assert.False(t, h.workspace.Exists(sess.WorkspacePath))
	_, archived, err := h.store.GetAny(sess.ID)
	require.NoError(t, err)
	assert.True(t, archived)

	next, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)
	assert.Equal(t, "demo-2", next.ID)
}

func TestRestoreRefusesKilledAndCleanedUp(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Kill(context.Background(), sess.ID))
	_, err = h.svc.Restore(context.Background(), sess.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionNotRestorable))

	other, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)
	require.NoError(t, h.svc.CleanupSession(context.Background(), other.ID))
	_, err = h.svc.Restore(context.Background(), other.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionNotRestorable))
}

func TestRestoreFailsWhenWorkspaceGone(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	// Terminate without cleaning the record, then delete the workspace
	// out of band.
	_, err = h.store.Update(sess.ID, func(s *session.Session) error {
		s.EnterStatus(session.StatusTerminated)
		return nil
	})
	require.NoError(t, err)
	h.workspace.Forget(sess.WorkspacePath)

	_, err = h.svc.Restore(context.Background(), sess.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindWorkspaceMissing))

	// The record is untouched.
	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, got.Status)
}

func TestRestoreRelaunchesUnderSameID(t *testing.T) {
	h := newHarness(t)
	sess, err := h.svc.Spawn(context.Background(), SpawnRequest{ProjectID: "demo", Prompt: "task"})
	require.NoError(t, err)

	_, err = h.store.Update(sess.ID, func(s *session.Session) error {
		s.EnterStatus(session.StatusTerminated)
		return nil
	})
	require.NoError(t, err)

	restored, err := h.svc.Restore(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, restored.ID)
	assert.Equal(t, session.StatusWorking, restored.Status)
	assert.NotNil(t, restored.RuntimeHandle)
	assert.Contains(t, h.eventTypes(t), events.SessionRestored)
}
