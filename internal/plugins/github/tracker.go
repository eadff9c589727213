package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/plugin"
)

// inProgressLabel marks issues a session is actively working.
const inProgressLabel = "in-progress"

// Tracker reads and writes GitHub issues through the gh CLI. Issue ids are
// issue numbers or full issue URLs; gh accepts both.
type Tracker struct {
	gh *gh
}

// TrackerFactory builds the GitHub tracker.
type TrackerFactory struct{}

func (TrackerFactory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotTracker,
		Name:        "github",
		Description: "tracks work as GitHub issues via the gh CLI",
	}
}

// New reports ErrUnavailable when gh is not on PATH.
func (TrackerFactory) New(map[string]any) (plugin.Plugin, error) {
	g, err := newGH()
	if err != nil {
		return nil, plugin.ErrUnavailable
	}
	return &Tracker{gh: g}, nil
}

func (t *Tracker) Manifest() plugin.Manifest {
	return TrackerFactory{}.Manifest()
}

// ghIssue is the gh --json shape for issues.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	StateReason string `json:"stateReason"`
}

func (i *ghIssue) toIssue() *plugin.Issue {
	issue := &plugin.Issue{
		ID:    strconv.Itoa(i.Number),
		Key:   strconv.Itoa(i.Number),
		Title: i.Title,
		Body:  i.Body,
		URL:   i.URL,
		State: plugin.IssueOpen,
	}
	for _, label := range i.Labels {
		issue.Labels = append(issue.Labels, label.Name)
		if label.Name == inProgressLabel {
			issue.State = plugin.IssueInProgress
		}
	}
	if strings.EqualFold(i.State, "closed") {
		issue.State = plugin.IssueClosed
		if strings.EqualFold(i.StateReason, "not_planned") {
			issue.State = plugin.IssueCancelled
		}
	}
	return issue
}

// issueArg normalizes an issue id for gh: "#123" becomes "123", numbers
// and full URLs pass through.
func issueArg(issueID string) string {
	return strings.TrimPrefix(issueID, "#")
}

func (t *Tracker) GetIssue(ctx context.Context, issueID string, project *config.Project) (*plugin.Issue, error) {
	repo, err := repoOf(project)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	out, err := t.gh.run(ctx, "issue", "view", issueArg(issueID), "--repo", repo,
		"--json", "number,title,body,state,stateReason,url,labels")
	if err != nil {
		return nil, err
	}
	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode issue", err)
	}
	return raw.toIssue(), nil
}

func (t *Tracker) IsCompleted(ctx context.Context, issueID string, project *config.Project) (bool, error) {
	issue, err := t.GetIssue(ctx, issueID, project)
	if err != nil {
		return false, err
	}
	return issue.State == plugin.IssueClosed, nil
}

func (t *Tracker) ListIssues(ctx context.Context, project *config.Project) ([]*plugin.Issue, error) {
	repo, err := repoOf(project)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	out, err := t.gh.run(ctx, "issue", "list", "--repo", repo, "--state", "open",
		"--json", "number,title,body,state,stateReason,url,labels", "--limit", "200")
	if err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode issue list", err)
	}
	issues := make([]*plugin.Issue, 0, len(raw))
	for i := range raw {
		issues = append(issues, raw[i].toIssue())
	}
	return issues, nil
}

// UpdateIssue maps engine issue states onto GitHub's open/closed model plus
// the in-progress label.
func (t *Tracker) UpdateIssue(ctx context.Context, issueID string, project *config.Project, state string) error {
	repo, err := repoOf(project)
	if err != nil {
		return apperrors.Validation(err.Error())
	}
	arg := issueArg(issueID)
	switch state {
	case plugin.IssueInProgress:
		_, err = t.gh.run(ctx, "issue", "edit", arg, "--repo", repo, "--add-label", inProgressLabel)
	case plugin.IssueOpen:
		_, err = t.gh.run(ctx, "issue", "edit", arg, "--repo", repo, "--remove-label", inProgressLabel)
	case plugin.IssueClosed:
		_, err = t.gh.run(ctx, "issue", "close", arg, "--repo", repo)
	case plugin.IssueCancelled:
		_, err = t.gh.run(ctx, "issue", "close", arg, "--repo", repo, "--reason", "not planned")
	default:
		return apperrors.Validation(fmt.Sprintf("unknown issue state %q", state))
	}
	return err
}

func (t *Tracker) CreateIssue(ctx context.Context, project *config.Project, title, body string) (*plugin.Issue, error) {
	repo, err := repoOf(project)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	out, err := t.gh.run(ctx, "issue", "create", "--repo", repo, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	// gh prints the new issue URL on success.
	url := strings.TrimSpace(out)
	number := path.Base(url)
	return &plugin.Issue{
		ID:    number,
		Key:   number,
		Title: title,
		Body:  body,
		State: plugin.IssueOpen,
		URL:   url,
	}, nil
}

// GeneratePrompt renders the agent's launch prompt from the issue plus the
// project's orchestrator rules file when configured.
func (t *Tracker) GeneratePrompt(ctx context.Context, issueID string, project *config.Project) (string, error) {
	issue, err := t.GetIssue(ctx, issueID, project)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Work on GitHub issue #%s: %s\n", issue.Key, issue.Title)
	if issue.URL != "" {
		fmt.Fprintf(&b, "Issue URL: %s\n", issue.URL)
	}
	if issue.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Body)
	}
	fmt.Fprintf(&b, "\nWhen the work is complete, push the branch and open a pull request referencing #%s.\n", issue.Key)

	if project != nil && project.OrchestratorRules != "" {
		rules := project.OrchestratorRules
		if !filepath.IsAbs(rules) && project.Path != "" {
			rules = filepath.Join(project.Path, rules)
		}
		data, err := os.ReadFile(rules)
		if err != nil {
			return "", apperrors.Permanent("failed to read orchestrator rules", err)
		}
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(string(data)))
	}
	return b.String(), nil
}

// BranchName derives feat/<number>-<slug> from the issue title.
func (t *Tracker) BranchName(ctx context.Context, issueID string, project *config.Project) (string, error) {
	issue, err := t.GetIssue(ctx, issueID, project)
	if err != nil {
		return "", err
	}
	slug := slugify(issue.Title)
	if slug == "" {
		return "feat/" + issue.Key, nil
	}
	return fmt.Sprintf("feat/%s-%s", issue.Key, slug), nil
}

func (t *Tracker) IssueURL(issueID string, project *config.Project) string {
	if strings.HasPrefix(issueID, "http://") || strings.HasPrefix(issueID, "https://") {
		return issueID
	}
	if project == nil || project.Repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/issues/%s", project.Repo, issueArg(issueID))
}

func (t *Tracker) IssueLabel(issueID string) string {
	if strings.HasPrefix(issueID, "http://") || strings.HasPrefix(issueID, "https://") {
		return "#" + path.Base(issueID)
	}
	return "#" + issueArg(issueID)
}

// slugify reduces a title to a short branch-safe fragment.
func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
