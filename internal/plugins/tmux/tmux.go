// Package tmux implements the runtime slot on a local tmux server. Each
// session gets one detached tmux session running the agent command; the
// tmux session name is the runtime handle.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/herdctl/herdctl/internal/plugin"
)

const sessionPrefix = "herd-"

// pasteDebounce is the wait between pasting a buffered message and the
// Enter keystroke. Sending Enter too early races the paste.
const pasteDebounce = 500 * time.Millisecond

// Runtime drives tmux through its CLI.
type Runtime struct {
	tmuxPath string
}

// Factory builds the tmux runtime.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotRuntime,
		Name:        "tmux",
		Description: "runs agents in detached tmux sessions",
	}
}

// New reports ErrUnavailable when no tmux binary is on PATH.
func (Factory) New(map[string]any) (plugin.Plugin, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, plugin.ErrUnavailable
	}
	return &Runtime{tmuxPath: path}, nil
}

func (r *Runtime) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// run executes one tmux command, folding stderr into the error.
func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.tmuxPath, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

func sessionName(sessionID string) string {
	return sessionPrefix + sessionID
}

// handleSession extracts the tmux session name from a runtime handle.
func handleSession(handle *plugin.RuntimeHandle) (string, error) {
	if handle == nil {
		return "", fmt.Errorf("nil runtime handle")
	}
	if name, ok := handle.Data["tmux_session"].(string); ok && name != "" {
		return name, nil
	}
	if handle.ID != "" {
		return handle.ID, nil
	}
	return "", fmt.Errorf("runtime handle carries no tmux session")
}

// Create starts a detached tmux session running the agent command in the
// workspace directory.
func (r *Runtime) Create(ctx context.Context, req plugin.RuntimeCreateRequest) (*plugin.RuntimeHandle, error) {
	name := sessionName(req.SessionID)

	args := []string{"new-session", "-d", "-s", name, "-c", req.WorkDir}
	for key, value := range req.Env {
		args = append(args, "-e", key+"="+value)
	}
	if len(req.Command) > 0 {
		args = append(args, req.Command...)
	}
	if _, err := r.run(ctx, args...); err != nil {
		return nil, err
	}

	return &plugin.RuntimeHandle{
		ID:          name,
		RuntimeName: "tmux",
		Data:        map[string]any{"tmux_session": name},
	}, nil
}

// Destroy kills the tmux session. A session that is already gone is fine.
func (r *Runtime) Destroy(ctx context.Context, handle *plugin.RuntimeHandle) error {
	name, err := handleSession(handle)
	if err != nil {
		return err
	}
	if _, err := r.run(ctx, "kill-session", "-t", name); err != nil {
		if strings.Contains(err.Error(), "can't find session") ||
			strings.Contains(err.Error(), "no server running") {
			return nil
		}
		return err
	}
	return nil
}

// IsAlive reports whether the tmux session still exists.
func (r *Runtime) IsAlive(ctx context.Context, handle *plugin.RuntimeHandle) (bool, error) {
	name, err := handleSession(handle)
	if err != nil {
		return false, err
	}
	if _, err := r.run(ctx, "has-session", "-t", name); err != nil {
		return false, nil
	}
	return true, nil
}

// SendMessage types text into the session. Buffered sends paste literally
// and debounce before Enter so tmux finishes the paste first; short
// messages go as literal keystrokes followed by Enter.
func (r *Runtime) SendMessage(ctx context.Context, handle *plugin.RuntimeHandle, message string, buffered bool) error {
	name, err := handleSession(handle)
	if err != nil {
		return err
	}

	if _, err := r.run(ctx, "send-keys", "-t", name, "-l", message); err != nil {
		return err
	}
	if buffered {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pasteDebounce):
		}
	}
	_, err = r.run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// CaptureOutput returns the last lines of the session's pane.
func (r *Runtime) CaptureOutput(ctx context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	name, err := handleSession(handle)
	if err != nil {
		return "", err
	}
	args := []string{"capture-pane", "-p", "-t", name}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// AttachCommand returns the argv an operator runs to attach manually.
func (r *Runtime) AttachCommand(handle *plugin.RuntimeHandle) ([]string, error) {
	name, err := handleSession(handle)
	if err != nil {
		return nil, err
	}
	return []string{r.tmuxPath, "attach-session", "-t", name}, nil
}
