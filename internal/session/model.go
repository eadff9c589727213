// Package session holds the session entity and the manager that owns its
// lifecycle: spawn, send, kill, cleanup, restore.
package session

import (
	"strings"
	"time"

	"github.com/herdctl/herdctl/internal/plugin"
)

// Status is a session's position in the lifecycle machine.
type Status string

// Statuses.
const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusKilled           Status = "killed"
	StatusCleanup          Status = "cleanup"
	StatusDone             Status = "done"
	StatusTerminated       Status = "terminated"
	StatusErrored          Status = "errored"
)

var terminalStatuses = map[Status]bool{
	StatusMerged:     true,
	StatusKilled:     true,
	StatusCleanup:    true,
	StatusDone:       true,
	StatusTerminated: true,
	StatusErrored:    true,
}

// Statuses a session can never be restored out of.
var nonRestorableStatuses = map[Status]bool{
	StatusKilled:  true,
	StatusCleanup: true,
}

// Terminal reports whether s is a terminal status. Transitions out of a
// terminal status require an explicit restore.
func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// Restorable reports whether a session in this status may be restored.
func (s Status) Restorable() bool {
	return !nonRestorableStatuses[s]
}

// PRInfo is the persisted reference to a session's pull request.
type PRInfo struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
	IsDraft    bool   `json:"is_draft"`
	Title      string `json:"title"`
}

// Ref converts the persisted PR info to the plugin-facing reference.
func (p *PRInfo) Ref() *plugin.PRRef {
	if p == nil {
		return nil
	}
	return &plugin.PRRef{
		Number:     p.Number,
		URL:        p.URL,
		Owner:      p.Owner,
		Repo:       p.Repo,
		Branch:     p.Branch,
		BaseBranch: p.BaseBranch,
		IsDraft:    p.IsDraft,
		Title:      p.Title,
	}
}

// PRInfoFromRef converts a plugin PR reference to the persisted form.
func PRInfoFromRef(ref *plugin.PRRef) *PRInfo {
	if ref == nil {
		return nil
	}
	return &PRInfo{
		Number:     ref.Number,
		URL:        ref.URL,
		Owner:      ref.Owner,
		Repo:       ref.Repo,
		Branch:     ref.Branch,
		BaseBranch: ref.BaseBranch,
		IsDraft:    ref.IsDraft,
		Title:      ref.Title,
	}
}

// Session is one running agent instance: workspace + runtime + agent +
// tracked issue. It is the authoritative state of record, persisted by the
// store after every mutation.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	IssueID   string `json:"issue_id,omitempty"` // opaque; interpreted by the tracker

	Branch        string `json:"branch"`
	WorkspacePath string `json:"workspace_path"`

	Status   Status          `json:"status"`
	Activity plugin.Activity `json:"activity"`

	RuntimeHandle *plugin.RuntimeHandle `json:"runtime_handle,omitempty"`
	AgentInfo     *plugin.AgentStatus   `json:"agent_info,omitempty"`
	PR            *PRInfo               `json:"pr,omitempty"`

	// EntrySeq counts how many times the session has entered each status.
	// ReactionsApplied records the highest entry sequence per status whose
	// reaction already executed; together they give at-most-once reactions
	// per status entry, surviving restarts.
	EntrySeq         map[string]int `json:"entry_seq,omitempty"`
	ReactionsApplied map[string]int `json:"reactions_applied,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// Metadata is a free-form sidecar set by plugins and carried opaquely.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EnterStatus records a transition into status and returns the new entry
// sequence for it.
func (s *Session) EnterStatus(status Status) int {
	if s.EntrySeq == nil {
		s.EntrySeq = map[string]int{}
	}
	s.Status = status
	s.EntrySeq[string(status)]++
	return s.EntrySeq[string(status)]
}

// ReactionPending reports whether the reaction for the current entry into
// status has not yet executed.
func (s *Session) ReactionPending(status Status) bool {
	seq := s.EntrySeq[string(status)]
	if seq == 0 {
		return false
	}
	return s.ReactionsApplied[string(status)] < seq
}

// MarkReactionApplied records the reaction for the current entry into
// status as executed. Call before running the side effect.
func (s *Session) MarkReactionApplied(status Status) {
	if s.ReactionsApplied == nil {
		s.ReactionsApplied = map[string]int{}
	}
	s.ReactionsApplied[string(status)] = s.EntrySeq[string(status)]
}

// ValidID reports whether id is safe as a session id and store filename.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	if strings.ContainsAny(id, "/\\ \t\n") {
		return false
	}
	if strings.Contains(id, "..") {
		return false
	}
	return true
}
