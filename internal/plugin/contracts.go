// Package plugin defines the capability slots the engine consumes and the
// registry that binds named plugin instances to them. The engine never
// talks to tmux, git, a forge, or a notifier directly; everything external
// goes through one of these contracts.
package plugin

import (
	"context"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/events"
)

// Slot identifies a capability slot.
type Slot string

// The seven capability slots. Terminal is only used by operator attach.
const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
	SlotTerminal  Slot = "terminal"
)

// Manifest describes a plugin instance.
type Manifest struct {
	Slot        Slot   `json:"slot"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Plugin is the base interface every capability implements.
type Plugin interface {
	Manifest() Manifest
}

// Factory instantiates a plugin with per-instance configuration. New
// returns ErrUnavailable when the plugin's host dependency (a binary, a
// socket) is absent; builtin loading skips those silently.
type Factory interface {
	Manifest() Manifest
	New(config map[string]any) (Plugin, error)
}

// RuntimeHandle identifies a live runtime. Data is opaque to the engine
// and interpreted only by the runtime plugin that produced it.
type RuntimeHandle struct {
	ID          string         `json:"id"`
	RuntimeName string         `json:"runtime_name"`
	Data        map[string]any `json:"data,omitempty"`
}

// RuntimeCreateRequest asks a runtime to host one agent process.
type RuntimeCreateRequest struct {
	SessionID string
	WorkDir   string
	Command   []string
	Env       map[string]string
}

// Runtime hosts one agent process (tmux pane, pty child, container).
type Runtime interface {
	Plugin

	// Create starts the runtime and returns its handle.
	Create(ctx context.Context, req RuntimeCreateRequest) (*RuntimeHandle, error)

	// Destroy tears the runtime down. Destroying a dead runtime is not an
	// error.
	Destroy(ctx context.Context, handle *RuntimeHandle) error

	// IsAlive reports whether the runtime still hosts a process.
	IsAlive(ctx context.Context, handle *RuntimeHandle) (bool, error)

	// SendMessage delivers text to the agent's stdin. Buffered selects a
	// paste-style transport for long or multi-line payloads instead of
	// literal keystroke injection.
	SendMessage(ctx context.Context, handle *RuntimeHandle, message string, buffered bool) error

	// CaptureOutput returns up to lines of recent terminal output, newest
	// last. Runtimes without a capturable surface return "".
	CaptureOutput(ctx context.Context, handle *RuntimeHandle, lines int) (string, error)
}

// Activity is the observed liveness of an agent.
type Activity string

// Activity states.
const (
	ActivityActive       Activity = "active"
	ActivityIdle         Activity = "idle"
	ActivityWaitingInput Activity = "waiting_input"
	ActivityBlocked      Activity = "blocked"
	ActivityExited       Activity = "exited"
)

// AgentLaunchRequest carries everything an agent needs to build its launch
// command.
type AgentLaunchRequest struct {
	SessionID   string
	Project     *config.Project
	WorkDir     string
	Prompt      string
	Permissions string
	Model       string
}

// AgentStatus is the last observed agent summary.
type AgentStatus struct {
	Summary        string `json:"summary,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// Agent drives one CLI coding assistant.
type Agent interface {
	Plugin

	// LaunchCommand returns the argv the runtime executes.
	LaunchCommand(ctx context.Context, req AgentLaunchRequest) ([]string, error)

	// PostLaunchSetup runs optional agent-side initialization after the
	// runtime is up.
	PostLaunchSetup(ctx context.Context, handle *RuntimeHandle, workDir string) error

	// IsProcessing reports whether the agent is actively working.
	IsProcessing(ctx context.Context, rt Runtime, handle *RuntimeHandle) (bool, error)

	// ActivityState classifies the agent's current activity from runtime
	// observations.
	ActivityState(ctx context.Context, rt Runtime, handle *RuntimeHandle) (Activity, *AgentStatus, error)
}

// WorkspaceCreateRequest asks a workspace provider to materialize a branch.
type WorkspaceCreateRequest struct {
	SessionID   string
	ProjectID   string
	Branch      string
	Project     *config.Project
	WorktreeDir string
}

// WorkspaceInfo describes a materialized workspace.
type WorkspaceInfo struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Workspace materializes isolated source trees.
type Workspace interface {
	Plugin

	// Create materializes a branch checkout for a session.
	Create(ctx context.Context, req WorkspaceCreateRequest) (*WorkspaceInfo, error)

	// Remove deletes the workspace. Removing an absent workspace is not an
	// error.
	Remove(ctx context.Context, path string, project *config.Project) error

	// Exists reports whether the workspace directory is still on disk.
	Exists(path string) bool
}

// Issue is the tracker metadata the engine consumes.
type Issue struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	State  string   `json:"state"` // open, in_progress, closed, cancelled
	URL    string   `json:"url,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Issue states.
const (
	IssueOpen       = "open"
	IssueInProgress = "in_progress"
	IssueClosed     = "closed"
	IssueCancelled  = "cancelled"
)

// Tracker owns issue metadata. Issue ids are opaque to the engine; only
// the tracker interprets them (ticket key, number, or full URL).
type Tracker interface {
	Plugin

	GetIssue(ctx context.Context, issueID string, project *config.Project) (*Issue, error)
	IsCompleted(ctx context.Context, issueID string, project *config.Project) (bool, error)
	ListIssues(ctx context.Context, project *config.Project) ([]*Issue, error)
	UpdateIssue(ctx context.Context, issueID string, project *config.Project, state string) error
	CreateIssue(ctx context.Context, project *config.Project, title, body string) (*Issue, error)

	// GeneratePrompt renders the launch prompt for an agent working the
	// issue.
	GeneratePrompt(ctx context.Context, issueID string, project *config.Project) (string, error)

	// BranchName derives the branch for an issue, typically feat/<key>.
	BranchName(ctx context.Context, issueID string, project *config.Project) (string, error)

	IssueURL(issueID string, project *config.Project) string
	IssueLabel(issueID string) string
}

// PRRef identifies a pull request on the forge.
type PRRef struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
	IsDraft    bool   `json:"is_draft"`
	Title      string `json:"title"`
}

// PR states.
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// CISummary aggregates a PR's check runs.
type CISummary string

const (
	CINone    CISummary = "none"
	CIPending CISummary = "pending"
	CIPassing CISummary = "passing"
	CIFailing CISummary = "failing"
)

// ReviewDecision aggregates a PR's reviews.
type ReviewDecision string

const (
	ReviewNone             ReviewDecision = "none"
	ReviewPending          ReviewDecision = "pending"
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
)

// Mergeability is the forge's merge-readiness verdict plus blockers.
type Mergeability struct {
	Mergeable   bool     `json:"mergeable"`
	CIPassing   bool     `json:"ci_passing"`
	Approved    bool     `json:"approved"`
	NoConflicts bool     `json:"no_conflicts"`
	Blockers    []string `json:"blockers,omitempty"`
}

// CheckRun is one CI check result.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"url,omitempty"`
}

// ReviewComment is one unresolved review comment.
type ReviewComment struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Author string `json:"author"`
	Body   string `json:"body"`
	URL    string `json:"url,omitempty"`
}

// Review is one submitted PR review.
type Review struct {
	Author string `json:"author"`
	State  string `json:"state"`
	Body   string `json:"body,omitempty"`
}

// Merge strategies.
const (
	MergeSquash = "squash"
	MergeMerge  = "merge"
	MergeRebase = "rebase"
)

// SCM owns PR, CI, review, and merge-readiness state. All calls are
// fallible; the engine degrades to last-known-good observations on
// transient failure.
type SCM interface {
	Plugin

	// DetectPR finds the open PR for a branch, or nil when none exists.
	DetectPR(ctx context.Context, branch string, project *config.Project) (*PRRef, error)

	GetPRState(ctx context.Context, pr *PRRef) (PRState, error)
	GetPRSummary(ctx context.Context, pr *PRRef) (string, error)
	GetCIChecks(ctx context.Context, pr *PRRef) ([]CheckRun, error)
	GetCISummary(ctx context.Context, pr *PRRef) (CISummary, error)
	GetReviewDecision(ctx context.Context, pr *PRRef) (ReviewDecision, error)
	GetReviews(ctx context.Context, pr *PRRef) ([]Review, error)
	GetPendingComments(ctx context.Context, pr *PRRef) ([]ReviewComment, error)
	GetAutomatedComments(ctx context.Context, pr *PRRef) ([]ReviewComment, error)
	GetMergeability(ctx context.Context, pr *PRRef) (*Mergeability, error)

	MergePR(ctx context.Context, pr *PRRef, strategy string) error
	ClosePR(ctx context.Context, pr *PRRef) error
}

// Notification is a priority-tagged message delivered through a notifier.
type Notification struct {
	Title    string
	Body     string
	Priority events.Priority
	Event    *events.Event
}

// Notifier delivers notifications. Transport-level retries for transient
// errors are the notifier's responsibility; permanent errors return
// immediately.
type Notifier interface {
	Plugin

	Notify(ctx context.Context, n Notification) error
}

// Terminal attaches a local terminal emulator to a runtime.
type Terminal interface {
	Plugin

	Attach(ctx context.Context, handle *RuntimeHandle) error

	// AttachCommand returns the argv an operator can run to attach
	// manually.
	AttachCommand(handle *RuntimeHandle) ([]string, error)
}
