// Package plugins collects the builtin capability plugins shipped with the
// orchestrator.
package plugins

import (
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/plugins/claude"
	"github.com/herdctl/herdctl/internal/plugins/desktop"
	"github.com/herdctl/herdctl/internal/plugins/docker"
	"github.com/herdctl/herdctl/internal/plugins/github"
	"github.com/herdctl/herdctl/internal/plugins/process"
	"github.com/herdctl/herdctl/internal/plugins/terminal"
	"github.com/herdctl/herdctl/internal/plugins/tmux"
	"github.com/herdctl/herdctl/internal/plugins/webhook"
	"github.com/herdctl/herdctl/internal/plugins/worktree"
)

// Builtins returns every builtin plugin factory. Factories whose host
// dependency is absent report ErrUnavailable at construction and are
// skipped by the registry.
func Builtins() []plugin.Factory {
	return []plugin.Factory{
		tmux.Factory{},
		process.Factory{},
		docker.Factory{},
		claude.Factory{},
		worktree.Factory{},
		github.TrackerFactory{},
		github.SCMFactory{},
		webhook.Factory{},
		desktop.Factory{},
		terminal.Factory{},
	}
}
