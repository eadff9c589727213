package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/plugin"
)

// SCM observes and mutates GitHub pull requests through the gh CLI.
type SCM struct {
	gh *gh
}

// SCMFactory builds the GitHub SCM.
type SCMFactory struct{}

func (SCMFactory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotSCM,
		Name:        "github",
		Description: "observes GitHub pull requests via the gh CLI",
	}
}

// New reports ErrUnavailable when gh is not on PATH.
func (SCMFactory) New(map[string]any) (plugin.Plugin, error) {
	g, err := newGH()
	if err != nil {
		return nil, plugin.ErrUnavailable
	}
	return &SCM{gh: g}, nil
}

func (s *SCM) Manifest() plugin.Manifest {
	return SCMFactory{}.Manifest()
}

func repoSlug(pr *plugin.PRRef) (string, error) {
	if pr == nil || pr.Owner == "" || pr.Repo == "" {
		return "", apperrors.Validation("pull request reference has no repo")
	}
	return pr.Owner + "/" + pr.Repo, nil
}

// ghPR is the gh --json shape for pull requests.
type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"`
	IsDraft     bool   `json:"isDraft"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`

	Mergeable        string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
	ReviewDecision   string `json:"reviewDecision"`

	StatusCheckRollup []ghCheck `json:"statusCheckRollup"`
}

// ghCheck is one entry of statusCheckRollup.
type ghCheck struct {
	Name       string `json:"name"`
	Context    string `json:"context"`
	Status     string `json:"status"`
	State      string `json:"state"`
	Conclusion string `json:"conclusion"`
	DetailsURL string `json:"detailsUrl"`
	TargetURL  string `json:"targetUrl"`
}

func (s *SCM) viewPR(ctx context.Context, pr *plugin.PRRef, fields string) (*ghPR, error) {
	repo, err := repoSlug(pr)
	if err != nil {
		return nil, err
	}
	out, err := s.gh.run(ctx, "pr", "view", fmt.Sprint(pr.Number), "--repo", repo, "--json", fields)
	if err != nil {
		return nil, err
	}
	var raw ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode pull request", err)
	}
	return &raw, nil
}

// DetectPR finds the open PR whose head is branch, or nil when none exists.
func (s *SCM) DetectPR(ctx context.Context, branch string, project *config.Project) (*plugin.PRRef, error) {
	repo, err := repoOf(project)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	out, err := s.gh.run(ctx, "pr", "list", "--repo", repo, "--head", branch, "--state", "open",
		"--json", "number,url,title,isDraft,headRefName,baseRefName", "--limit", "1")
	if err != nil {
		return nil, err
	}
	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode pull request list", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	owner, name := splitRepo(repo)
	p := raw[0]
	return &plugin.PRRef{
		Number:     p.Number,
		URL:        p.URL,
		Owner:      owner,
		Repo:       name,
		Branch:     p.HeadRefName,
		BaseBranch: p.BaseRefName,
		IsDraft:    p.IsDraft,
		Title:      p.Title,
	}, nil
}

func (s *SCM) GetPRState(ctx context.Context, pr *plugin.PRRef) (plugin.PRState, error) {
	raw, err := s.viewPR(ctx, pr, "state")
	if err != nil {
		return "", err
	}
	switch strings.ToUpper(raw.State) {
	case "OPEN":
		return plugin.PROpen, nil
	case "MERGED":
		return plugin.PRMerged, nil
	case "CLOSED":
		return plugin.PRClosed, nil
	default:
		return "", apperrors.Permanent("unknown pull request state", fmt.Errorf("state %q", raw.State))
	}
}

func (s *SCM) GetPRSummary(ctx context.Context, pr *plugin.PRRef) (string, error) {
	raw, err := s.viewPR(ctx, pr, "title")
	if err != nil {
		return "", err
	}
	return raw.Title, nil
}

func (s *SCM) GetCIChecks(ctx context.Context, pr *plugin.PRRef) ([]plugin.CheckRun, error) {
	raw, err := s.viewPR(ctx, pr, "statusCheckRollup")
	if err != nil {
		return nil, err
	}
	checks := make([]plugin.CheckRun, 0, len(raw.StatusCheckRollup))
	for _, c := range raw.StatusCheckRollup {
		checks = append(checks, normalizeCheck(c))
	}
	return checks, nil
}

// normalizeCheck folds GitHub's two check shapes (check runs and commit
// statuses) into one.
func normalizeCheck(c ghCheck) plugin.CheckRun {
	check := plugin.CheckRun{
		Name:       c.Name,
		Status:     strings.ToLower(c.Status),
		Conclusion: strings.ToLower(c.Conclusion),
		URL:        c.DetailsURL,
	}
	if check.Name == "" {
		check.Name = c.Context
	}
	if check.URL == "" {
		check.URL = c.TargetURL
	}
	// Commit statuses report a single state instead of status/conclusion.
	if c.State != "" && c.Status == "" {
		switch strings.ToUpper(c.State) {
		case "SUCCESS":
			check.Status, check.Conclusion = "completed", "success"
		case "FAILURE", "ERROR":
			check.Status, check.Conclusion = "completed", "failure"
		default:
			check.Status = "in_progress"
		}
	}
	return check
}

func (s *SCM) GetCISummary(ctx context.Context, pr *plugin.PRRef) (plugin.CISummary, error) {
	checks, err := s.GetCIChecks(ctx, pr)
	if err != nil {
		return "", err
	}
	return summarizeChecks(checks), nil
}

func summarizeChecks(checks []plugin.CheckRun) plugin.CISummary {
	if len(checks) == 0 {
		return plugin.CINone
	}
	summary := plugin.CIPassing
	for _, c := range checks {
		switch {
		case c.Conclusion == "failure" || c.Conclusion == "timed_out" || c.Conclusion == "cancelled":
			return plugin.CIFailing
		case c.Status != "completed":
			summary = plugin.CIPending
		}
	}
	return summary
}

func (s *SCM) GetReviewDecision(ctx context.Context, pr *plugin.PRRef) (plugin.ReviewDecision, error) {
	raw, err := s.viewPR(ctx, pr, "reviewDecision")
	if err != nil {
		return "", err
	}
	switch strings.ToUpper(raw.ReviewDecision) {
	case "":
		return plugin.ReviewNone, nil
	case "REVIEW_REQUIRED":
		return plugin.ReviewPending, nil
	case "APPROVED":
		return plugin.ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested, nil
	default:
		return plugin.ReviewNone, nil
	}
}

// ghReview is the REST shape for submitted reviews.
type ghReview struct {
	State string `json:"state"`
	Body  string `json:"body"`
	User  struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (s *SCM) GetReviews(ctx context.Context, pr *plugin.PRRef) ([]plugin.Review, error) {
	repo, err := repoSlug(pr)
	if err != nil {
		return nil, err
	}
	out, err := s.gh.run(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d/reviews", repo, pr.Number))
	if err != nil {
		return nil, err
	}
	var raw []ghReview
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode reviews", err)
	}
	reviews := make([]plugin.Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, plugin.Review{
			Author: r.User.Login,
			State:  strings.ToLower(r.State),
			Body:   r.Body,
		})
	}
	return reviews, nil
}

// ghComment is the REST shape for review comments.
type ghComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (s *SCM) reviewComments(ctx context.Context, pr *plugin.PRRef) ([]ghComment, error) {
	repo, err := repoSlug(pr)
	if err != nil {
		return nil, err
	}
	out, err := s.gh.run(ctx, "api", fmt.Sprintf("repos/%s/pulls/%d/comments", repo, pr.Number))
	if err != nil {
		return nil, err
	}
	var raw []ghComment
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.Permanent("failed to decode review comments", err)
	}
	return raw, nil
}

func (s *SCM) GetPendingComments(ctx context.Context, pr *plugin.PRRef) ([]plugin.ReviewComment, error) {
	raw, err := s.reviewComments(ctx, pr)
	if err != nil {
		return nil, err
	}
	comments := make([]plugin.ReviewComment, 0, len(raw))
	for _, c := range raw {
		if isBot(c.User.Login) {
			continue
		}
		comments = append(comments, toReviewComment(c))
	}
	return comments, nil
}

func (s *SCM) GetAutomatedComments(ctx context.Context, pr *plugin.PRRef) ([]plugin.ReviewComment, error) {
	raw, err := s.reviewComments(ctx, pr)
	if err != nil {
		return nil, err
	}
	var comments []plugin.ReviewComment
	for _, c := range raw {
		if isBot(c.User.Login) {
			comments = append(comments, toReviewComment(c))
		}
	}
	return comments, nil
}

func toReviewComment(c ghComment) plugin.ReviewComment {
	return plugin.ReviewComment{
		Path:   c.Path,
		Line:   c.Line,
		Author: c.User.Login,
		Body:   c.Body,
		URL:    c.HTMLURL,
	}
}

func isBot(login string) bool {
	return strings.HasSuffix(login, "[bot]")
}

func (s *SCM) GetMergeability(ctx context.Context, pr *plugin.PRRef) (*plugin.Mergeability, error) {
	raw, err := s.viewPR(ctx, pr, "mergeable,mergeStateStatus,reviewDecision,statusCheckRollup")
	if err != nil {
		return nil, err
	}

	m := &plugin.Mergeability{
		NoConflicts: !strings.EqualFold(raw.Mergeable, "CONFLICTING"),
		Approved:    strings.EqualFold(raw.ReviewDecision, "APPROVED"),
	}
	checks := make([]plugin.CheckRun, 0, len(raw.StatusCheckRollup))
	for _, c := range raw.StatusCheckRollup {
		checks = append(checks, normalizeCheck(c))
	}
	summary := summarizeChecks(checks)
	m.CIPassing = summary == plugin.CIPassing || summary == plugin.CINone

	if !m.NoConflicts {
		m.Blockers = append(m.Blockers, "merge_conflicts")
	}
	if !m.Approved {
		m.Blockers = append(m.Blockers, "review_not_approved")
	}
	switch summary {
	case plugin.CIFailing:
		m.Blockers = append(m.Blockers, "ci_failing")
	case plugin.CIPending:
		m.Blockers = append(m.Blockers, "ci_pending")
	}
	if strings.EqualFold(raw.MergeStateStatus, "BLOCKED") {
		m.Blockers = append(m.Blockers, "branch_protection")
	}
	m.Mergeable = len(m.Blockers) == 0
	return m, nil
}

func (s *SCM) MergePR(ctx context.Context, pr *plugin.PRRef, strategy string) error {
	repo, err := repoSlug(pr)
	if err != nil {
		return err
	}
	flag := "--squash"
	switch strategy {
	case plugin.MergeMerge:
		flag = "--merge"
	case plugin.MergeRebase:
		flag = "--rebase"
	case plugin.MergeSquash, "":
	default:
		return apperrors.Validation(fmt.Sprintf("unknown merge strategy %q", strategy))
	}
	_, err = s.gh.run(ctx, "pr", "merge", fmt.Sprint(pr.Number), "--repo", repo, flag, "--delete-branch")
	return err
}

func (s *SCM) ClosePR(ctx context.Context, pr *plugin.PRRef) error {
	repo, err := repoSlug(pr)
	if err != nil {
		return err
	}
	_, err = s.gh.run(ctx, "pr", "close", fmt.Sprint(pr.Number), "--repo", repo)
	return err
}
