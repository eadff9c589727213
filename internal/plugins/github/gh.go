// Package github implements the tracker and scm slots through the gh CLI.
// Shelling out to gh keeps authentication, hosts, and enterprise quirks
// out of the orchestrator entirely.
package github

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/herdctl/herdctl/internal/common/config"
	apperrors "github.com/herdctl/herdctl/internal/common/errors"
)

// gh runs the gh CLI.
type gh struct {
	path string
}

func newGH() (*gh, error) {
	path, err := exec.LookPath("gh")
	if err != nil {
		return nil, err
	}
	return &gh{path: path}, nil
}

// run executes one gh command and classifies failures: rate limits and
// 5xx responses are transient, everything else permanent.
func (g *gh) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.path, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		wrapped := fmt.Errorf("gh %s: %s", args[0], msg)
		if isTransient(msg) {
			return "", apperrors.Transient("github api call failed", wrapped)
		}
		return "", apperrors.Permanent("github api call failed", wrapped)
	}
	return stdout.String(), nil
}

func isTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"rate limit", "http 429", "http 500", "http 502", "http 503",
		"timeout", "connection refused", "could not resolve",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// repoOf returns the owner/name slug for a project.
func repoOf(project *config.Project) (string, error) {
	if project == nil || project.Repo == "" {
		return "", fmt.Errorf("project has no repo configured")
	}
	return project.Repo, nil
}

// splitRepo splits an owner/name slug.
func splitRepo(repo string) (owner, name string) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return repo, ""
	}
	return parts[0], parts[1]
}
