package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
)

// Default outgoing messages per entered status, used when the reaction has
// no configured message.
var defaultMessages = map[session.Status]string{
	session.StatusCIFailed:         "CI is failing on {pr_url}. Failing checks: {failing_checks}. Please investigate and push a fix.",
	session.StatusChangesRequested: "The review on {pr_url} requested changes:\n{review_comments}\nPlease address them and push an update.",
	session.StatusNeedsInput:       "You appear to be waiting for input on branch {branch}. Summarize what you need.",
}

// react runs the configured reaction for the entered status, at most once
// per entry. The applied marker is persisted before the side effect runs,
// so a crash mid-reaction cannot re-fire it after restart.
func (m *Manager) react(ctx context.Context, sess *session.Session, project *config.Project, entered session.Status, obs *Observation) {
	reaction := m.cfg.ReactionFor(project, string(entered))
	if reaction == nil || !reaction.Auto {
		return
	}
	log := m.logger.WithSessionID(sess.ID).WithFields(
		zap.String("status", string(entered)), zap.String("action", reaction.Action))

	claimed := false
	updated, err := m.store.Update(sess.ID, func(rec *session.Session) error {
		if !rec.ReactionPending(entered) {
			return nil
		}
		rec.MarkReactionApplied(entered)
		claimed = true
		return nil
	})
	if err != nil {
		log.Warn("failed to claim reaction", zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	sess = updated

	attempts := reaction.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := m.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		lastErr = m.execute(ctx, sess, project, reaction, entered, obs)
		if lastErr == nil {
			m.emit(ctx, events.New(events.ReactionFired, events.PriorityInfo,
				fmt.Sprintf("reaction %s fired for session %s entering %s", reaction.Action, sess.ID, entered)).
				WithSession(sess.ID, sess.ProjectID).
				WithData("action", reaction.Action).
				WithData("status", string(entered)))
			return
		}
		log.Warn("reaction attempt failed",
			zap.Int("attempt", attempt+1), zap.Int("max_attempts", attempts), zap.Error(lastErr))
		m.emit(ctx, events.New(events.ReactionFailed, events.PriorityWarning,
			fmt.Sprintf("reaction %s failed for session %s (attempt %d/%d)", reaction.Action, sess.ID, attempt+1, attempts)).
			WithSession(sess.ID, sess.ProjectID).
			WithData("action", reaction.Action).
			WithData("error", lastErr.Error()))
	}

	m.escalate(ctx, sess, reaction, entered, lastErr)
}

// execute performs one reaction attempt.
func (m *Manager) execute(ctx context.Context, sess *session.Session, project *config.Project, reaction *config.Reaction, entered session.Status, obs *Observation) error {
	switch reaction.Action {
	case config.ActionSendToAgent:
		message := reaction.Message
		if message == "" {
			message = defaultMessages[entered]
		}
		if message == "" {
			message = fmt.Sprintf("Session entered status %s.", entered)
		}
		return m.sessions.Send(ctx, sess.ID, renderTemplate(message, sess, obs))

	case config.ActionNotify:
		priority := events.Priority(reaction.Priority)
		if !priority.Valid() {
			priority = transitionPriority(entered)
		}
		message := reaction.Message
		if message == "" {
			message = fmt.Sprintf("session %s entered %s", sess.ID, entered)
		}
		m.emit(ctx, events.New(events.TransitionType(string(entered))+".notify", priority,
			renderTemplate(message, sess, obs)).
			WithSession(sess.ID, sess.ProjectID))
		return nil

	case config.ActionAutoMerge:
		return m.autoMerge(ctx, sess, project, reaction)

	default:
		return fmt.Errorf("unknown reaction action %q", reaction.Action)
	}
}

// autoMerge merges the session's PR and reclaims the session.
func (m *Manager) autoMerge(ctx context.Context, sess *session.Session, project *config.Project, reaction *config.Reaction) error {
	if sess.PR == nil {
		return fmt.Errorf("session %s has no PR to merge", sess.ID)
	}
	scm, err := m.registry.SCM(m.cfg.SCMFor(project))
	if err != nil {
		return err
	}

	strategy := reaction.Strategy
	if strategy == "" {
		strategy = plugin.MergeSquash
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.CallTimeoutDuration())
	defer cancel()
	if err := scm.MergePR(callCtx, sess.PR.Ref(), strategy); err != nil {
		return err
	}

	if _, err := m.store.Update(sess.ID, func(rec *session.Session) error {
		rec.EnterStatus(session.StatusMerged)
		return nil
	}); err != nil {
		return err
	}
	m.emit(ctx, events.New(events.TransitionType(string(session.StatusMerged)), events.PriorityInfo,
		fmt.Sprintf("session %s: pr #%d merged (%s)", sess.ID, sess.PR.Number, strategy)).
		WithSession(sess.ID, sess.ProjectID).
		WithData("pr_number", sess.PR.Number).
		WithData("strategy", strategy))

	return m.sessions.CleanupSession(ctx, sess.ID)
}

// escalate parks the session in stuck after a reaction exhausted its
// retries.
func (m *Manager) escalate(ctx context.Context, sess *session.Session, reaction *config.Reaction, entered session.Status, cause error) {
	m.logger.WithSessionID(sess.ID).Error("reaction exhausted retries, escalating",
		zap.String("action", reaction.Action), zap.Error(cause))

	if _, err := m.store.Update(sess.ID, func(rec *session.Session) error {
		rec.EnterStatus(session.StatusStuck)
		return nil
	}); err != nil {
		m.logger.WithSessionID(sess.ID).Warn("failed to persist stuck status", zap.Error(err))
	}

	m.emit(ctx, events.New(events.ReactionEscalated, events.PriorityUrgent,
		fmt.Sprintf("reaction %s for session %s entering %s failed after %d attempts: %v",
			reaction.Action, sess.ID, entered, reaction.Retries+1, cause)).
		WithSession(sess.ID, sess.ProjectID).
		WithData("action", reaction.Action).
		WithData("status", string(entered)))
}

// renderTemplate substitutes the reaction message placeholders from the
// session and the tick's observation.
func renderTemplate(message string, sess *session.Session, obs *Observation) string {
	prURL := ""
	if sess.PR != nil {
		prURL = sess.PR.URL
	}

	var failing []string
	var comments []string
	if obs != nil {
		for _, check := range obs.FailingChecks {
			failing = append(failing, check.Name)
		}
		for _, comment := range obs.Comments {
			comments = append(comments, fmt.Sprintf("%s:%d (%s): %s", comment.Path, comment.Line, comment.Author, comment.Body))
		}
	}

	replacer := strings.NewReplacer(
		"{pr_url}", prURL,
		"{failing_checks}", strings.Join(failing, ", "),
		"{review_comments}", strings.Join(comments, "\n"),
		"{issue_id}", sess.IssueID,
		"{branch}", sess.Branch,
	)
	return replacer.Replace(message)
}
