// Package plugintest provides in-memory plugin fakes for engine tests.
// Every fake records its calls and lets tests inject failures per method.
package plugintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/plugin"
)

// FakeRuntime is an in-memory runtime. Created handles stay alive until
// destroyed or marked dead.
type FakeRuntime struct {
	mu        sync.Mutex
	CreateErr error
	SendErr   error
	alive     map[string]bool
	Sent      []SentMessage
	Destroyed []string
	Captured  string
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	HandleID string
	Message  string
	Buffered bool
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{alive: map[string]bool{}}
}

func (r *FakeRuntime) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotRuntime, Name: "fake"}
}

func (r *FakeRuntime) Create(_ context.Context, req plugin.RuntimeCreateRequest) (*plugin.RuntimeHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	id := "rt-" + req.SessionID
	r.alive[id] = true
	return &plugin.RuntimeHandle{ID: id, RuntimeName: "fake"}, nil
}

func (r *FakeRuntime) Destroy(_ context.Context, handle *plugin.RuntimeHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, handle.ID)
	r.Destroyed = append(r.Destroyed, handle.ID)
	return nil
}

func (r *FakeRuntime) IsAlive(_ context.Context, handle *plugin.RuntimeHandle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[handle.ID], nil
}

// MarkDead simulates a crashed runtime without a Destroy call.
func (r *FakeRuntime) MarkDead(handleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, handleID)
}

func (r *FakeRuntime) SendMessage(_ context.Context, handle *plugin.RuntimeHandle, message string, buffered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.Sent = append(r.Sent, SentMessage{HandleID: handle.ID, Message: message, Buffered: buffered})
	return nil
}

func (r *FakeRuntime) CaptureOutput(context.Context, *plugin.RuntimeHandle, int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Captured, nil
}

// LastSent returns the most recent SendMessage call.
func (r *FakeRuntime) LastSent() (SentMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sent) == 0 {
		return SentMessage{}, false
	}
	return r.Sent[len(r.Sent)-1], true
}

// FakeAgent is an in-memory agent.
type FakeAgent struct {
	mu         sync.Mutex
	LaunchErr  error
	SetupErr   error
	Activity   plugin.Activity
	Processing bool
	Setups     []string
}

func NewFakeAgent() *FakeAgent {
	return &FakeAgent{Activity: plugin.ActivityActive}
}

func (a *FakeAgent) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotAgent, Name: "fake"}
}

func (a *FakeAgent) LaunchCommand(_ context.Context, req plugin.AgentLaunchRequest) ([]string, error) {
	if a.LaunchErr != nil {
		return nil, a.LaunchErr
	}
	return []string{"fake-agent", "--session", req.SessionID}, nil
}

func (a *FakeAgent) PostLaunchSetup(_ context.Context, _ *plugin.RuntimeHandle, workDir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SetupErr != nil {
		return a.SetupErr
	}
	a.Setups = append(a.Setups, workDir)
	return nil
}

func (a *FakeAgent) IsProcessing(context.Context, plugin.Runtime, *plugin.RuntimeHandle) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Processing, nil
}

func (a *FakeAgent) ActivityState(context.Context, plugin.Runtime, *plugin.RuntimeHandle) (plugin.Activity, *plugin.AgentStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Activity, &plugin.AgentStatus{}, nil
}

// SetActivity changes the activity tests observe on the next poll.
func (a *FakeAgent) SetActivity(activity plugin.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Activity = activity
}

// FakeWorkspace tracks materialized paths in memory.
type FakeWorkspace struct {
	mu        sync.Mutex
	CreateErr error
	RemoveErr error
	paths     map[string]bool
	Removed   []string
}

func NewFakeWorkspace() *FakeWorkspace {
	return &FakeWorkspace{paths: map[string]bool{}}
}

func (w *FakeWorkspace) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotWorkspace, Name: "fake"}
}

func (w *FakeWorkspace) Create(_ context.Context, req plugin.WorkspaceCreateRequest) (*plugin.WorkspaceInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CreateErr != nil {
		return nil, w.CreateErr
	}
	path := fmt.Sprintf("%s/%s/%s", req.WorktreeDir, req.ProjectID, req.SessionID)
	w.paths[path] = true
	return &plugin.WorkspaceInfo{Path: path, Branch: req.Branch}, nil
}

func (w *FakeWorkspace) Remove(_ context.Context, path string, _ *config.Project) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RemoveErr != nil {
		return w.RemoveErr
	}
	delete(w.paths, path)
	w.Removed = append(w.Removed, path)
	return nil
}

func (w *FakeWorkspace) Exists(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[path]
}

// Forget drops a path so Exists reports false, simulating an operator
// deleting the directory out of band.
func (w *FakeWorkspace) Forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.paths, path)
}

// FakeTracker serves issues from a map.
type FakeTracker struct {
	mu      sync.Mutex
	Issues  map[string]*plugin.Issue
	Updates []IssueUpdate
	GetErr  error
}

// IssueUpdate records one UpdateIssue call.
type IssueUpdate struct {
	IssueID string
	State   string
}

func NewFakeTracker() *FakeTracker {
	return &FakeTracker{Issues: map[string]*plugin.Issue{}}
}

func (t *FakeTracker) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotTracker, Name: "fake"}
}

func (t *FakeTracker) GetIssue(_ context.Context, issueID string, _ *config.Project) (*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.GetErr != nil {
		return nil, t.GetErr
	}
	issue, ok := t.Issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %q not found", issueID)
	}
	return issue, nil
}

func (t *FakeTracker) IsCompleted(_ context.Context, issueID string, _ *config.Project) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.Issues[issueID]
	if !ok {
		return false, nil
	}
	return issue.State == plugin.IssueClosed || issue.State == plugin.IssueCancelled, nil
}

func (t *FakeTracker) ListIssues(context.Context, *config.Project) ([]*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var issues []*plugin.Issue
	for _, issue := range t.Issues {
		issues = append(issues, issue)
	}
	return issues, nil
}

func (t *FakeTracker) UpdateIssue(_ context.Context, issueID string, _ *config.Project, state string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Updates = append(t.Updates, IssueUpdate{IssueID: issueID, State: state})
	if issue, ok := t.Issues[issueID]; ok {
		issue.State = state
	}
	return nil
}

func (t *FakeTracker) CreateIssue(_ context.Context, _ *config.Project, title, body string) (*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := fmt.Sprintf("issue-%d", len(t.Issues)+1)
	issue := &plugin.Issue{ID: id, Key: id, Title: title, Body: body, State: plugin.IssueOpen}
	t.Issues[id] = issue
	return issue, nil
}

func (t *FakeTracker) GeneratePrompt(_ context.Context, issueID string, _ *config.Project) (string, error) {
	return "work on " + issueID, nil
}

func (t *FakeTracker) BranchName(_ context.Context, issueID string, _ *config.Project) (string, error) {
	return "feat/" + issueID, nil
}

func (t *FakeTracker) IssueURL(issueID string, _ *config.Project) string {
	return "https://tracker.test/" + issueID
}

func (t *FakeTracker) IssueLabel(issueID string) string { return issueID }

// FakeSCM returns scripted PR observations. Tests mutate the fields
// between polls to walk a session through PR states.
type FakeSCM struct {
	mu sync.Mutex

	PR           *plugin.PRRef
	State        plugin.PRState
	CI           plugin.CISummary
	Checks       []plugin.CheckRun
	Decision     plugin.ReviewDecision
	Reviews      []plugin.Review
	Comments     []plugin.ReviewComment
	Mergeability *plugin.Mergeability

	DetectErr error
	StateErr  error
	MergeErr  error
	Merged    []int
	Closed    []int
}

func NewFakeSCM() *FakeSCM {
	return &FakeSCM{State: plugin.PROpen, CI: plugin.CINone, Decision: plugin.ReviewNone}
}

func (s *FakeSCM) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotSCM, Name: "fake"}
}

// Set atomically rewrites the scripted observation.
func (s *FakeSCM) Set(fn func(*FakeSCM)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *FakeSCM) DetectPR(context.Context, string, *config.Project) (*plugin.PRRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DetectErr != nil {
		return nil, s.DetectErr
	}
	return s.PR, nil
}

func (s *FakeSCM) GetPRState(context.Context, *plugin.PRRef) (plugin.PRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StateErr != nil {
		return "", s.StateErr
	}
	return s.State, nil
}

func (s *FakeSCM) GetPRSummary(context.Context, *plugin.PRRef) (string, error) {
	return "", nil
}

func (s *FakeSCM) GetCIChecks(context.Context, *plugin.PRRef) ([]plugin.CheckRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Checks, nil
}

func (s *FakeSCM) GetCISummary(context.Context, *plugin.PRRef) (plugin.CISummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CI, nil
}

func (s *FakeSCM) GetReviewDecision(context.Context, *plugin.PRRef) (plugin.ReviewDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Decision, nil
}

func (s *FakeSCM) GetReviews(context.Context, *plugin.PRRef) ([]plugin.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Reviews, nil
}

func (s *FakeSCM) GetPendingComments(context.Context, *plugin.PRRef) ([]plugin.ReviewComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Comments, nil
}

func (s *FakeSCM) GetAutomatedComments(context.Context, *plugin.PRRef) ([]plugin.ReviewComment, error) {
	return nil, nil
}

func (s *FakeSCM) GetMergeability(context.Context, *plugin.PRRef) (*plugin.Mergeability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Mergeability != nil {
		return s.Mergeability, nil
	}
	return &plugin.Mergeability{}, nil
}

func (s *FakeSCM) MergePR(_ context.Context, pr *plugin.PRRef, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MergeErr != nil {
		return s.MergeErr
	}
	s.Merged = append(s.Merged, pr.Number)
	s.State = plugin.PRMerged
	return nil
}

func (s *FakeSCM) ClosePR(_ context.Context, pr *plugin.PRRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = append(s.Closed, pr.Number)
	s.State = plugin.PRClosed
	return nil
}

// FakeNotifier records delivered notifications.
type FakeNotifier struct {
	mu        sync.Mutex
	Name      string
	NotifyErr error
	Delivered []plugin.Notification
}

func NewFakeNotifier(name string) *FakeNotifier {
	return &FakeNotifier{Name: name}
}

func (n *FakeNotifier) Manifest() plugin.Manifest {
	return plugin.Manifest{Slot: plugin.SlotNotifier, Name: n.Name}
}

func (n *FakeNotifier) Notify(_ context.Context, notification plugin.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.NotifyErr != nil {
		return n.NotifyErr
	}
	n.Delivered = append(n.Delivered, notification)
	return nil
}

// Count returns the number of delivered notifications.
func (n *FakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Delivered)
}

// factory wraps a prebuilt instance as a Factory.
type factory struct {
	instance plugin.Plugin
}

func (f factory) Manifest() plugin.Manifest { return f.instance.Manifest() }

func (f factory) New(map[string]any) (plugin.Plugin, error) { return f.instance, nil }

// FactoryFor wraps a fake instance so it can be registered like a builtin.
func FactoryFor(instance plugin.Plugin) plugin.Factory {
	return factory{instance: instance}
}
