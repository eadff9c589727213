// Package claude implements the agent slot for the Claude Code CLI.
// Activity classification reads the runtime's terminal output, since the
// CLI exposes no status API.
package claude

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/herdctl/herdctl/internal/plugin"
)

const defaultBinary = "claude"

// Agent builds launch commands for and observes the claude CLI.
type Agent struct {
	binary string
	args   []string
}

// Factory builds the claude agent. Recognized config keys: binary,
// extra_args.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotAgent,
		Name:        "claude",
		Description: "drives the claude CLI coding agent",
	}
}

// New reports ErrUnavailable when the claude binary is not on PATH.
func (Factory) New(cfg map[string]any) (plugin.Plugin, error) {
	binary := defaultBinary
	if b, ok := cfg["binary"].(string); ok && b != "" {
		binary = b
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, plugin.ErrUnavailable
	}

	agent := &Agent{binary: binary}
	if extra, ok := cfg["extra_args"].([]any); ok {
		for _, arg := range extra {
			if s, ok := arg.(string); ok {
				agent.args = append(agent.args, s)
			}
		}
	}
	return agent, nil
}

func (a *Agent) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// LaunchCommand builds the claude argv for a session.
func (a *Agent) LaunchCommand(_ context.Context, req plugin.AgentLaunchRequest) ([]string, error) {
	command := []string{a.binary}
	command = append(command, a.args...)

	if req.Model != "" {
		command = append(command, "--model", req.Model)
	}
	switch req.Permissions {
	case "", "skip":
		command = append(command, "--dangerously-skip-permissions")
	case "prompt":
		// interactive permission prompts; nothing to add
	default:
		return nil, fmt.Errorf("unknown permissions mode %q", req.Permissions)
	}
	if req.Project != nil {
		if model, ok := req.Project.AgentConfig["model"].(string); ok && req.Model == "" && model != "" {
			command = append(command, "--model", model)
		}
	}
	if req.Prompt != "" {
		command = append(command, req.Prompt)
	}
	return command, nil
}

// PostLaunchSetup has nothing to do for claude; the workspace provider
// already materialized rules files and symlinks.
func (a *Agent) PostLaunchSetup(context.Context, *plugin.RuntimeHandle, string) error {
	return nil
}

// IsProcessing reports whether the agent is actively working.
func (a *Agent) IsProcessing(ctx context.Context, rt plugin.Runtime, handle *plugin.RuntimeHandle) (bool, error) {
	activity, _, err := a.ActivityState(ctx, rt, handle)
	if err != nil {
		return false, err
	}
	return activity == plugin.ActivityActive, nil
}

// Output markers the claude CLI prints in its terminal UI.
var (
	busyMarkers = []string{"esc to interrupt", "Compacting conversation"}
	waitMarkers = []string{
		"Do you want", "(y/n)", "❯ 1.", "1. Yes",
		"needs your permission", "waiting for your input",
	}
	idleMarkers = []string{"? for shortcuts"}
)

// ActivityState classifies the agent from its recent terminal output.
func (a *Agent) ActivityState(ctx context.Context, rt plugin.Runtime, handle *plugin.RuntimeHandle) (plugin.Activity, *plugin.AgentStatus, error) {
	alive, err := rt.IsAlive(ctx, handle)
	if err != nil {
		return "", nil, err
	}
	if !alive {
		return plugin.ActivityExited, nil, nil
	}

	output, err := rt.CaptureOutput(ctx, handle, 40)
	if err != nil || output == "" {
		// Runtimes without a capturable surface still count as active.
		return plugin.ActivityActive, &plugin.AgentStatus{}, nil
	}

	status := &plugin.AgentStatus{Summary: lastNonEmptyLine(output)}
	return classify(output), status, nil
}

// classify maps terminal output to an activity state.
func classify(output string) plugin.Activity {
	for _, marker := range busyMarkers {
		if strings.Contains(output, marker) {
			return plugin.ActivityActive
		}
	}
	for _, marker := range waitMarkers {
		if strings.Contains(output, marker) {
			return plugin.ActivityWaitingInput
		}
	}
	for _, marker := range idleMarkers {
		if strings.Contains(output, marker) {
			return plugin.ActivityIdle
		}
	}
	return plugin.ActivityIdle
}

func lastNonEmptyLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
