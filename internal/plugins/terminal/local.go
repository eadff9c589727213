// Package terminal implements the terminal slot for operators on the same
// host as the orchestrator. It derives an attach command from the runtime
// handle and can exec it against the controlling terminal.
package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/plugin"
)

// Local attaches the operator's terminal to a runtime on this host.
type Local struct{}

// Factory builds the local terminal.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotTerminal,
		Name:        "local",
		Description: "attaches the local terminal to a session runtime",
	}
}

func (Factory) New(map[string]any) (plugin.Plugin, error) {
	return &Local{}, nil
}

func (l *Local) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// AttachCommand derives the attach argv from the runtime handle. Only
// runtimes with an attachable surface (tmux sessions, docker containers)
// support it.
func (l *Local) AttachCommand(handle *plugin.RuntimeHandle) ([]string, error) {
	if handle == nil {
		return nil, apperrors.Validation("session has no runtime handle")
	}
	if name, ok := handle.Data["tmux_session"].(string); ok && name != "" {
		return []string{"tmux", "attach-session", "-t", name}, nil
	}
	if id, ok := handle.Data["container_id"].(string); ok && id != "" {
		return []string{"docker", "attach", id}, nil
	}
	return nil, apperrors.Validation(
		fmt.Sprintf("runtime %q has no attachable terminal", handle.RuntimeName))
}

// Attach execs the attach command wired to the operator's terminal and
// blocks until detach.
func (l *Local) Attach(ctx context.Context, handle *plugin.RuntimeHandle) error {
	argv, err := l.AttachCommand(handle)
	if err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return apperrors.Permanent(fmt.Sprintf("%s is not installed", argv[0]), err)
	}

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apperrors.Permanent("attach failed", err)
	}
	return nil
}
