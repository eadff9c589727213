// Package service implements session lifecycle operations: spawn, send,
// kill, cleanup, restore. Spawn is a compensating pipeline; every step
// that acquires a resource pushes an undo, and a failed step unwinds the
// stack in reverse before the error is returned.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
	"github.com/herdctl/herdctl/internal/session/store"
)

// bufferedSendThreshold is the message length above which Send switches to
// the runtime's paste-style transport.
const bufferedSendThreshold = 200

// rollbackTimeout bounds how long spawn rollback may take once the
// original context is dead.
const rollbackTimeout = 30 * time.Second

// Service owns session state transitions requested by operators. The
// lifecycle engine drives polling transitions separately and shares the
// store.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	eventLog *store.EventLog
	registry *plugin.Registry
	logger   *logger.Logger
}

// New creates the session service.
func New(cfg *config.Config, st *store.Store, eventLog *store.EventLog, registry *plugin.Registry, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		eventLog: eventLog,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "session-service")),
	}
}

// SpawnRequest describes one session to start.
type SpawnRequest struct {
	ProjectID string `json:"project_id"`
	IssueID   string `json:"issue_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Model     string `json:"model,omitempty"`
}

// undoStack collects compensations for completed spawn steps.
type undoStack struct {
	steps  []func(ctx context.Context)
	logger *logger.Logger
}

func (u *undoStack) push(fn func(ctx context.Context)) {
	u.steps = append(u.steps, fn)
}

// unwind runs compensations newest first. Rollback is best effort; a
// failing undo is logged and the rest still run.
func (u *undoStack) unwind() {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i](ctx)
	}
}

// plugins resolves the project's bound plugin set.
type plugins struct {
	runtime   plugin.Runtime
	agent     plugin.Agent
	workspace plugin.Workspace
	tracker   plugin.Tracker
	scm       plugin.SCM
}

func (s *Service) pluginsFor(project *config.Project) (*plugins, error) {
	runtime, err := s.registry.Runtime(s.cfg.RuntimeFor(project))
	if err != nil {
		return nil, err
	}
	agent, err := s.registry.Agent(s.cfg.AgentFor(project))
	if err != nil {
		return nil, err
	}
	workspace, err := s.registry.Workspace(s.cfg.WorkspaceFor(project))
	if err != nil {
		return nil, err
	}
	tracker, err := s.registry.Tracker(s.cfg.TrackerFor(project))
	if err != nil {
		return nil, err
	}
	scm, err := s.registry.SCM(s.cfg.SCMFor(project))
	if err != nil {
		return nil, err
	}
	return &plugins{runtime: runtime, agent: agent, workspace: workspace, tracker: tracker, scm: scm}, nil
}

// Spawn runs the full pipeline: validate, reserve an id, materialize the
// workspace, generate the prompt, launch the runtime, persist the record,
// flag the issue, emit the event. Any failed step rolls the earlier ones
// back and nothing of the session remains.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*session.Session, error) {
	project, ok := s.cfg.ProjectFor(req.ProjectID)
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("unknown project %q", req.ProjectID))
	}
	if req.IssueID == "" && req.Prompt == "" {
		return nil, apperrors.Validation("spawn needs an issue_id or a prompt")
	}

	bound, err := s.pluginsFor(project)
	if err != nil {
		return nil, apperrors.Wrap(err, "plugin resolution failed")
	}

	if req.IssueID != "" {
		issue, err := bound.tracker.GetIssue(ctx, req.IssueID, project)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to resolve issue")
		}
		if issue.State == plugin.IssueClosed || issue.State == plugin.IssueCancelled {
			return nil, apperrors.Validation(fmt.Sprintf("issue %q is %s", req.IssueID, issue.State))
		}
	}

	undo := &undoStack{logger: s.logger}

	// Reserve the session id first so every later resource can be named
	// after it.
	id, err := s.store.Reserve(project.SessionPrefix)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to reserve session id")
	}
	log := s.logger.WithSessionID(id).WithProjectID(req.ProjectID)
	undo.push(func(ctx context.Context) {
		if err := s.store.Release(id); err != nil {
			log.Warn("rollback: releasing session id failed", zap.Error(err))
		}
	})

	branch := req.Branch
	if branch == "" && req.IssueID != "" {
		branch, err = bound.tracker.BranchName(ctx, req.IssueID, project)
		if err != nil {
			undo.unwind()
			return nil, apperrors.Wrap(err, "failed to derive branch name")
		}
	}
	if branch == "" {
		branch = "agent/" + id
	}

	worktreeDir, err := s.cfg.ExpandedWorktreeDir()
	if err != nil {
		undo.unwind()
		return nil, apperrors.Internal("failed to resolve worktree dir", err)
	}

	log.Info("spawning session", zap.String("branch", branch), zap.String("issue_id", req.IssueID))

	workspaceInfo, err := bound.workspace.Create(ctx, plugin.WorkspaceCreateRequest{
		SessionID:   id,
		ProjectID:   req.ProjectID,
		Branch:      branch,
		Project:     project,
		WorktreeDir: worktreeDir,
	})
	if err != nil {
		undo.unwind()
		return nil, apperrors.Wrap(err, "failed to create workspace")
	}
	undo.push(func(ctx context.Context) {
		if err := bound.workspace.Remove(ctx, workspaceInfo.Path, project); err != nil {
			log.Warn("rollback: removing workspace failed", zap.Error(err))
		}
	})

	prompt := req.Prompt
	if prompt == "" {
		prompt, err = bound.tracker.GeneratePrompt(ctx, req.IssueID, project)
		if err != nil {
			undo.unwind()
			return nil, apperrors.Wrap(err, "failed to generate prompt")
		}
	}

	command, err := bound.agent.LaunchCommand(ctx, plugin.AgentLaunchRequest{
		SessionID: id,
		Project:   project,
		WorkDir:   workspaceInfo.Path,
		Prompt:    prompt,
		Model:     req.Model,
	})
	if err != nil {
		undo.unwind()
		return nil, apperrors.Wrap(err, "failed to build agent command")
	}

	handle, err := bound.runtime.Create(ctx, plugin.RuntimeCreateRequest{
		SessionID: id,
		WorkDir:   workspaceInfo.Path,
		Command:   command,
		Env:       map[string]string{"HERD_SESSION_ID": id},
	})
	if err != nil {
		undo.unwind()
		return nil, apperrors.Wrap(err, "failed to create runtime")
	}
	undo.push(func(ctx context.Context) {
		if err := bound.runtime.Destroy(ctx, handle); err != nil {
			log.Warn("rollback: destroying runtime failed", zap.Error(err))
		}
	})

	if err := bound.agent.PostLaunchSetup(ctx, handle, workspaceInfo.Path); err != nil {
		undo.unwind()
		return nil, apperrors.Wrap(err, "agent post-launch setup failed")
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:             id,
		ProjectID:      req.ProjectID,
		IssueID:        req.IssueID,
		Branch:         workspaceInfo.Branch,
		WorkspacePath:  workspaceInfo.Path,
		Activity:       plugin.ActivityActive,
		RuntimeHandle:  handle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	sess.EnterStatus(session.StatusWorking)

	if err := s.store.Save(sess); err != nil {
		undo.unwind()
		return nil, apperrors.Wrap(err, "failed to persist session")
	}

	// From here the session exists; remaining steps are best effort.
	if req.IssueID != "" {
		if err := bound.tracker.UpdateIssue(ctx, req.IssueID, project, plugin.IssueInProgress); err != nil {
			log.Warn("failed to flag issue in progress", zap.Error(err))
		}
	}

	s.emit(ctx, events.New(events.SessionSpawned, events.PriorityInfo,
		fmt.Sprintf("session %s spawned on %s", id, workspaceInfo.Branch)).
		WithSession(id, req.ProjectID).
		WithData("branch", workspaceInfo.Branch).
		WithData("issue_id", req.IssueID))

	log.Info("session spawned", zap.String("workspace", workspaceInfo.Path))
	return sess, nil
}

// BatchSpawnResult is the outcome for one issue in a batch spawn.
type BatchSpawnResult struct {
	IssueID   string `json:"issue_id"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchSpawn spawns one session per issue, sequentially so id reservation
// and worktree creation never race. A failed issue does not stop the rest.
func (s *Service) BatchSpawn(ctx context.Context, projectID string, issueIDs []string) ([]BatchSpawnResult, error) {
	if _, ok := s.cfg.ProjectFor(projectID); !ok {
		return nil, apperrors.Validation(fmt.Sprintf("unknown project %q", projectID))
	}
	if len(issueIDs) == 0 {
		return nil, apperrors.Validation("batch spawn needs at least one issue id")
	}

	results := make([]BatchSpawnResult, 0, len(issueIDs))
	for _, issueID := range issueIDs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result := BatchSpawnResult{IssueID: issueID}
		sess, err := s.Spawn(ctx, SpawnRequest{ProjectID: projectID, IssueID: issueID})
		if err != nil {
			result.Error = err.Error()
		} else {
			result.SessionID = sess.ID
		}
		results = append(results, result)
	}
	return results, nil
}

// Get returns one live session.
func (s *Service) Get(id string) (*session.Session, error) {
	return s.store.Get(id)
}

// List returns all live sessions, optionally filtered by project.
func (s *Service) List(projectID string) ([]*session.Session, error) {
	sessions, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return sessions, nil
	}
	filtered := sessions[:0]
	for _, sess := range sessions {
		if sess.ProjectID == projectID {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

// Send delivers operator text to a session's agent. Control characters
// other than newline and tab are stripped; long or multi-line payloads go
// through the runtime's buffered transport.
func (s *Service) Send(ctx context.Context, id, message string) error {
	message = sanitizeMessage(message)
	if message == "" {
		return apperrors.Validation("message is empty after sanitization")
	}

	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return apperrors.Validation(fmt.Sprintf("session %q is %s; restore it before sending", id, sess.Status))
	}
	if sess.RuntimeHandle == nil {
		return apperrors.Invariant(fmt.Sprintf("session %q has no runtime handle", id), nil)
	}

	// A project dropped by a config reload degrades to the default plugin
	// set; the handle still names the concrete runtime resource.
	project, _ := s.cfg.ProjectFor(sess.ProjectID)
	runtime, err := s.registry.Runtime(s.cfg.RuntimeFor(project))
	if err != nil {
		return apperrors.Wrap(err, "plugin resolution failed")
	}

	buffered := len(message) > bufferedSendThreshold || strings.Contains(message, "\n")
	if err := runtime.SendMessage(ctx, sess.RuntimeHandle, message, buffered); err != nil {
		return apperrors.Transient("failed to deliver message", err)
	}

	_, err = s.store.Update(id, func(sess *session.Session) error {
		sess.LastActivityAt = time.Now().UTC()
		return nil
	})
	return err
}

// sanitizeMessage strips control characters that could inject keystrokes,
// keeping newline and tab.
func sanitizeMessage(message string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, message)
}

// Kill stops a session's runtime, marks it killed, and archives the
// record. Idempotent: concurrent or repeated kills flip the status once,
// so exactly one session.killed event is emitted.
func (s *Service) Kill(ctx context.Context, id string) error {
	flipped := false
	updated, err := s.store.Update(id, func(sess *session.Session) error {
		if sess.Status == session.StatusKilled {
			return nil
		}
		sess.EnterStatus(session.StatusKilled)
		sess.Activity = plugin.ActivityExited
		sess.LastActivityAt = time.Now().UTC()
		flipped = true
		return nil
	})
	if err != nil {
		// An already archived record was killed or cleaned up before.
		if apperrors.IsKind(err, apperrors.KindSessionNotFound) {
			if _, archived, aerr := s.store.GetAny(id); aerr == nil && archived {
				return nil
			}
		}
		return err
	}
	if !flipped {
		return nil
	}

	s.destroyRuntime(ctx, updated)
	if err := s.store.Archive(id); err != nil {
		return err
	}

	s.emit(ctx, events.New(events.SessionKilled, events.PriorityWarning,
		fmt.Sprintf("session %s killed", id)).
		WithSession(id, updated.ProjectID))

	s.logger.WithSessionID(id).Info("session killed")
	return nil
}

// destroyRuntime tears a session's runtime down, tolerating an already
// dead one. A missing project resolves to the default runtime plugin.
func (s *Service) destroyRuntime(ctx context.Context, sess *session.Session) {
	if sess.RuntimeHandle == nil {
		return
	}
	project, _ := s.cfg.ProjectFor(sess.ProjectID)
	runtime, err := s.registry.Runtime(s.cfg.RuntimeFor(project))
	if err != nil {
		s.logger.WithSessionID(sess.ID).Warn("runtime plugin unavailable for teardown", zap.Error(err))
		return
	}
	if err := runtime.Destroy(ctx, sess.RuntimeHandle); err != nil {
		s.logger.WithSessionID(sess.ID).Warn("runtime teardown failed", zap.Error(err))
	}
}

// Cleanup archives every session of the project (or all projects when
// projectID is empty) whose work is finished: PR merged or closed, issue
// completed, or a terminal status. Returns the ids cleaned up.
func (s *Service) Cleanup(ctx context.Context, projectID string) ([]string, error) {
	sessions, err := s.List(projectID)
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for _, sess := range sessions {
		done, err := s.finished(ctx, sess)
		if err != nil {
			s.logger.WithSessionID(sess.ID).Warn("cleanup eligibility check failed", zap.Error(err))
			continue
		}
		if !done {
			continue
		}
		if err := s.CleanupSession(ctx, sess.ID); err != nil {
			s.logger.WithSessionID(sess.ID).Warn("cleanup failed", zap.Error(err))
			continue
		}
		cleaned = append(cleaned, sess.ID)
	}
	return cleaned, nil
}

// finished reports whether a session's work is over and its resources can
// be reclaimed.
func (s *Service) finished(ctx context.Context, sess *session.Session) (bool, error) {
	switch sess.Status {
	case session.StatusMerged, session.StatusDone:
		return true, nil
	}

	project, ok := s.cfg.ProjectFor(sess.ProjectID)
	if !ok {
		return false, nil
	}

	if sess.PR != nil {
		scm, err := s.registry.SCM(s.cfg.SCMFor(project))
		if err != nil {
			return false, err
		}
		state, err := scm.GetPRState(ctx, sess.PR.Ref())
		if err != nil {
			return false, err
		}
		if state == plugin.PRMerged || state == plugin.PRClosed {
			return true, nil
		}
	}

	if sess.IssueID != "" {
		tracker, err := s.registry.Tracker(s.cfg.TrackerFor(project))
		if err != nil {
			return false, err
		}
		return tracker.IsCompleted(ctx, sess.IssueID, project)
	}
	return false, nil
}

// CleanupSession kills the session if needed, removes its workspace, and
// archives the record. The id stays reserved by the archived record.
func (s *Service) CleanupSession(ctx context.Context, id string) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}

	s.destroyRuntime(ctx, sess)

	project, _ := s.cfg.ProjectFor(sess.ProjectID)
	if sess.WorkspacePath != "" {
		workspace, err := s.registry.Workspace(s.cfg.WorkspaceFor(project))
		if err != nil {
			return apperrors.Wrap(err, "plugin resolution failed")
		}
		if err := workspace.Remove(ctx, sess.WorkspacePath, project); err != nil {
			return apperrors.Wrap(err, "failed to remove workspace")
		}
	}

	if _, err := s.store.Update(id, func(sess *session.Session) error {
		sess.EnterStatus(session.StatusCleanup)
		sess.Activity = plugin.ActivityExited
		sess.LastActivityAt = time.Now().UTC()
		return nil
	}); err != nil {
		return err
	}
	if err := s.store.Archive(id); err != nil {
		return err
	}

	s.emit(ctx, events.New(events.SessionArchived, events.PriorityInfo,
		fmt.Sprintf("session %s cleaned up and archived", id)).
		WithSession(id, sess.ProjectID))

	s.logger.WithSessionID(id).Info("session cleaned up")
	return nil
}

// Restore revives a terminated or archived session under its original id.
// Sessions in killed or cleanup status are gone for good, and a restore
// whose workspace directory no longer exists fails without touching the
// record.
func (s *Service) Restore(ctx context.Context, id string) (*session.Session, error) {
	sess, archived, err := s.store.GetAny(id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Restorable() {
		return nil, apperrors.SessionNotRestorable(id, string(sess.Status))
	}

	project, ok := s.cfg.ProjectFor(sess.ProjectID)
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("session %q references unknown project %q", id, sess.ProjectID))
	}
	bound, err := s.pluginsFor(project)
	if err != nil {
		return nil, apperrors.Wrap(err, "plugin resolution failed")
	}

	if sess.WorkspacePath == "" || !bound.workspace.Exists(sess.WorkspacePath) {
		return nil, apperrors.WorkspaceMissing(id, sess.WorkspacePath)
	}

	// Tear down any stale runtime before launching a fresh one.
	s.destroyRuntime(ctx, sess)

	command, err := bound.agent.LaunchCommand(ctx, plugin.AgentLaunchRequest{
		SessionID: id,
		Project:   project,
		WorkDir:   sess.WorkspacePath,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build agent command")
	}

	handle, err := bound.runtime.Create(ctx, plugin.RuntimeCreateRequest{
		SessionID: id,
		WorkDir:   sess.WorkspacePath,
		Command:   command,
		Env:       map[string]string{"HERD_SESSION_ID": id},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to create runtime")
	}

	if err := bound.agent.PostLaunchSetup(ctx, handle, sess.WorkspacePath); err != nil {
		if derr := bound.runtime.Destroy(ctx, handle); derr != nil {
			s.logger.WithSessionID(id).Warn("rollback: destroying runtime failed", zap.Error(derr))
		}
		return nil, apperrors.Wrap(err, "agent post-launch setup failed")
	}

	if archived {
		if err := s.store.Unarchive(id); err != nil {
			if derr := bound.runtime.Destroy(ctx, handle); derr != nil {
				s.logger.WithSessionID(id).Warn("rollback: destroying runtime failed", zap.Error(derr))
			}
			return nil, err
		}
	}

	restored, err := s.store.Update(id, func(sess *session.Session) error {
		sess.RuntimeHandle = handle
		sess.Activity = plugin.ActivityActive
		sess.LastActivityAt = time.Now().UTC()
		sess.EnterStatus(session.StatusWorking)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.New(events.SessionRestored, events.PriorityInfo,
		fmt.Sprintf("session %s restored", id)).
		WithSession(id, restored.ProjectID))

	s.logger.WithSessionID(id).Info("session restored")
	return restored, nil
}

// AttachCommand returns the argv an operator runs to attach a terminal to
// the session's runtime.
func (s *Service) AttachCommand(id, terminalName string) ([]string, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.RuntimeHandle == nil {
		return nil, apperrors.Validation(fmt.Sprintf("session %q has no runtime to attach to", id))
	}
	if terminalName == "" {
		terminalName = "local"
	}
	terminal, err := s.registry.Terminal(terminalName)
	if err != nil {
		return nil, apperrors.Wrap(err, "plugin resolution failed")
	}
	return terminal.AttachCommand(sess.RuntimeHandle)
}

// Attach connects a local terminal to the session's runtime and blocks
// until it detaches.
func (s *Service) Attach(ctx context.Context, id, terminalName string) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if sess.RuntimeHandle == nil {
		return apperrors.Validation(fmt.Sprintf("session %q has no runtime to attach to", id))
	}
	if terminalName == "" {
		terminalName = "local"
	}
	terminal, err := s.registry.Terminal(terminalName)
	if err != nil {
		return apperrors.Wrap(err, "plugin resolution failed")
	}
	return terminal.Attach(ctx, sess.RuntimeHandle)
}

func (s *Service) emit(ctx context.Context, e *events.Event) {
	if err := s.eventLog.Emit(ctx, e); err != nil {
		s.logger.Error("failed to record event", zap.String("type", e.Type), zap.Error(err))
	}
}
