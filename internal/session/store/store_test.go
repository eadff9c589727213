package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return s
}

func newSession(id string) *session.Session {
	return &session.Session{
		ID:        id,
		ProjectID: "demo",
		Branch:    "feat/x",
		Status:    session.StatusSpawning,
		CreatedAt: time.Now().UTC(),
	}
}

func TestReserveAllocatesSmallestUnused(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Reserve("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-1", id)

	id, err = s.Reserve("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-2", id)

	// Releasing demo-1 makes its number reusable.
	require.NoError(t, s.Release("demo-1"))
	id, err = s.Reserve("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-1", id)
}

func TestReserveSkipsArchivedNumbers(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Reserve("demo")
	require.NoError(t, err)
	require.NoError(t, s.Save(newSession(id)))
	require.NoError(t, s.Archive(id))

	// demo-1 lives in the archive now; the number stays taken.
	next, err := s.Reserve("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo-2", next)
}

func TestReservationIsNotASession(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Reserve("demo")
	require.NoError(t, err)

	_, err = s.Get(id)
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionNotFound))

	sessions, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSaveGetRoundtrip(t *testing.T) {
	s := newTestStore(t)

	sess := newSession("demo-1")
	sess.EnterStatus(session.StatusWorking)
	require.NoError(t, s.Save(sess))

	got, err := s.Get("demo-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusWorking, got.Status)
	assert.Equal(t, 1, got.EntrySeq[string(session.StatusWorking)])
}

func TestGetRejectsTraversalIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "../etc/passwd", "a/b", "a\\b", "a b"} {
		_, err := s.Get(id)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "id %q", id)
	}
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, logger.Default())
	require.NoError(t, err)

	// A record written by a newer build carries a field this build does
	// not know about.
	raw := map[string]any{
		"id":           "demo-1",
		"project_id":   "demo",
		"status":       "working",
		"future_field": "keep me",
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo-1"), data, 0644))

	_, err = s.Update("demo-1", func(sess *session.Session) error {
		sess.EnterStatus(session.StatusPROpen)
		return nil
	})
	require.NoError(t, err)

	rewritten, err := os.ReadFile(filepath.Join(dir, "demo-1"))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(rewritten, &fields))
	assert.Equal(t, "keep me", fields["future_field"])
	assert.Equal(t, "pr_open", fields["status"])
}

func TestUpdateAbortsWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(newSession("demo-1")))

	_, err := s.Update("demo-1", func(sess *session.Session) error {
		sess.Status = session.StatusKilled
		return apperrors.Validation("nope")
	})
	require.Error(t, err)

	got, err := s.Get("demo-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusSpawning, got.Status)
}

func TestArchiveAndUnarchiveKeepID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(newSession("demo-1")))

	require.NoError(t, s.Archive("demo-1"))
	_, err := s.Get("demo-1")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionNotFound))

	got, archived, err := s.GetAny("demo-1")
	require.NoError(t, err)
	assert.True(t, archived)
	assert.Equal(t, "demo-1", got.ID)

	// Archiving again is a no-op.
	require.NoError(t, s.Archive("demo-1"))

	require.NoError(t, s.Unarchive("demo-1"))
	got, err = s.Get("demo-1")
	require.NoError(t, err)
	assert.Equal(t, "demo-1", got.ID)
}

func TestListSortedSkipsTempAndJournal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(newSession("demo-2")))
	require.NoError(t, s.Save(newSession("demo-1")))

	log, err := OpenEventLog(s.Root(), logger.Default(), nil)
	require.NoError(t, err)
	defer log.Close()
	require.NoError(t, log.Append(events.New(events.SessionSpawned, events.PriorityInfo, "x")))

	sessions, err := s.List()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "demo-1", sessions[0].ID)
	assert.Equal(t, "demo-2", sessions[1].ID)
}

func TestEventLogIDsMonotonicAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenEventLog(dir, logger.Default(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e := events.New(events.SessionSpawned, events.PriorityInfo, "spawned")
		require.NoError(t, log.Append(e))
		assert.Equal(t, int64(i+1), e.ID)
	}
	require.NoError(t, log.Close())

	log, err = OpenEventLog(dir, logger.Default(), nil)
	require.NoError(t, err)
	defer log.Close()

	e := events.New(events.SessionKilled, events.PriorityWarning, "killed")
	require.NoError(t, log.Append(e))
	assert.Equal(t, int64(4), e.ID)

	tail, err := log.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].ID)
	assert.Equal(t, int64(4), tail[1].ID)
}

func TestEventLogSurvivesTornLine(t *testing.T) {
	dir := t.TempDir()

	log, err := OpenEventLog(dir, logger.Default(), nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(events.New(events.SessionSpawned, events.PriorityInfo, "x")))
	require.NoError(t, log.Close())

	// Simulate a crash mid write.
	f, err := os.OpenFile(filepath.Join(dir, eventLogFile), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":2,"type":"sess`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = OpenEventLog(dir, logger.Default(), nil)
	require.NoError(t, err)
	defer log.Close()

	e := events.New(events.SessionKilled, events.PriorityInfo, "y")
	require.NoError(t, log.Append(e))
	assert.Equal(t, int64(2), e.ID)
}

func TestEmitPublishesAfterAppend(t *testing.T) {
	dir := t.TempDir()

	b := newRecordingBus()
	log, err := OpenEventLog(dir, logger.Default(), b)
	require.NoError(t, err)
	defer log.Close()

	e := events.New(events.SessionSpawned, events.PriorityInfo, "spawned")
	require.NoError(t, log.Emit(context.Background(), e))
	require.Len(t, b.published, 1)
	assert.Equal(t, "events.session.spawned", b.published[0].subject)
	assert.Equal(t, int64(1), b.published[0].event.ID)
}

type recordedPublish struct {
	subject string
	event   *events.Event
}

type recordingBus struct {
	published []recordedPublish
}

func newRecordingBus() *recordingBus { return &recordingBus{} }

func (b *recordingBus) Publish(_ context.Context, subject string, e *events.Event) error {
	b.published = append(b.published, recordedPublish{subject: subject, event: e})
	return nil
}

func (b *recordingBus) Subscribe(string, bus.Handler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }
