// Package worktree implements the workspace slot with git worktrees. Each
// session gets an isolated checkout under
// <worktree_dir>/<project_id>/<session_id> on its own branch, sharing the
// project's object store.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/plugin"
)

// Workspace materializes git worktrees.
type Workspace struct {
	gitPath string

	// Worktree mutations on one clone must not interleave.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Factory builds the worktree workspace provider.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotWorkspace,
		Name:        "worktree",
		Description: "isolates sessions in git worktrees",
	}
}

// New reports ErrUnavailable when git is not on PATH.
func (Factory) New(map[string]any) (plugin.Plugin, error) {
	path, err := exec.LookPath("git")
	if err != nil {
		return nil, plugin.ErrUnavailable
	}
	return &Workspace{gitPath: path, locks: map[string]*sync.Mutex{}}, nil
}

func (w *Workspace) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

func (w *Workspace) repoLock(repoPath string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[repoPath] = lock
	}
	return lock
}

// git runs one git command against the project clone.
func (w *Workspace) git(ctx context.Context, repoPath string, args ...string) (string, error) {
	full := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, w.gitPath, full...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// Create adds a worktree on a fresh branch off the project's default
// branch, then materializes symlinks, the agent rules file, and the
// post-create commands.
func (w *Workspace) Create(ctx context.Context, req plugin.WorkspaceCreateRequest) (*plugin.WorkspaceInfo, error) {
	project := req.Project
	if project == nil || project.Path == "" {
		return nil, fmt.Errorf("project has no local clone path")
	}

	path := filepath.Join(req.WorktreeDir, req.ProjectID, req.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	lock := w.repoLock(project.Path)
	lock.Lock()
	defer lock.Unlock()

	base := project.DefaultBranch
	if base == "" {
		base = "main"
	}

	// New branch off the base; fall back to checking out an existing
	// branch of the same name (a restore-after-wipe case).
	if _, err := w.git(ctx, project.Path, "worktree", "add", "-b", req.Branch, path, base); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, err
		}
		if _, err := w.git(ctx, project.Path, "worktree", "add", path, req.Branch); err != nil {
			return nil, err
		}
	}

	if err := w.populate(ctx, path, project); err != nil {
		// Leave no half-materialized workspace behind.
		if rerr := w.Remove(ctx, path, project); rerr != nil {
			return nil, fmt.Errorf("%w (cleanup also failed: %v)", err, rerr)
		}
		return nil, err
	}

	return &plugin.WorkspaceInfo{Path: path, Branch: req.Branch}, nil
}

// populate links shared files into the worktree and runs the project's
// post-create commands.
func (w *Workspace) populate(ctx context.Context, path string, project *config.Project) error {
	for _, rel := range project.Symlinks {
		target := filepath.Join(project.Path, rel)
		link := filepath.Join(path, rel)
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return fmt.Errorf("symlink %s: %w", rel, err)
		}
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("symlink %s: %w", rel, err)
		}
	}

	if project.AgentRules != "" {
		rules := project.AgentRules
		if !filepath.IsAbs(rules) {
			rules = filepath.Join(project.Path, rules)
		}
		data, err := os.ReadFile(rules)
		if err != nil {
			return fmt.Errorf("agent rules: %w", err)
		}
		if err := os.WriteFile(filepath.Join(path, filepath.Base(rules)), data, 0644); err != nil {
			return fmt.Errorf("agent rules: %w", err)
		}
	}

	for _, command := range project.PostCreate {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = path
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return fmt.Errorf("post_create %q: %s", command, msg)
		}
	}
	return nil
}

// Remove deletes the worktree and prunes git's bookkeeping. Removing an
// absent workspace is not an error.
func (w *Workspace) Remove(ctx context.Context, path string, project *config.Project) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if project != nil && project.Path != "" {
		lock := w.repoLock(project.Path)
		lock.Lock()
		defer lock.Unlock()

		if _, err := w.git(ctx, project.Path, "worktree", "remove", "--force", path); err == nil {
			return nil
		}
		// Fall through to a filesystem delete plus prune when git cannot
		// remove it (dirty tree, broken link).
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		_, _ = w.git(ctx, project.Path, "worktree", "prune")
		return nil
	}
	return os.RemoveAll(path)
}

// Exists reports whether the workspace directory is still on disk.
func (w *Workspace) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
