package claude

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/plugin"
)

func TestLaunchCommand(t *testing.T) {
	agent := &Agent{binary: "claude"}

	cmd, err := agent.LaunchCommand(context.Background(), plugin.AgentLaunchRequest{
		SessionID: "app-1",
		Model:     "opus",
		Prompt:    "fix the flaky test",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"claude", "--model", "opus", "--dangerously-skip-permissions", "fix the flaky test",
	}, cmd)
}

func TestLaunchCommandProjectModelFallback(t *testing.T) {
	agent := &Agent{binary: "claude"}

	cmd, err := agent.LaunchCommand(context.Background(), plugin.AgentLaunchRequest{
		Project: &config.Project{AgentConfig: map[string]any{"model": "sonnet"}},
		Prompt:  "hello",
	})
	require.NoError(t, err)
	assert.Contains(t, cmd, "--model")
	assert.Contains(t, cmd, "sonnet")
}

func TestLaunchCommandPermissionModes(t *testing.T) {
	agent := &Agent{binary: "claude"}

	cmd, err := agent.LaunchCommand(context.Background(), plugin.AgentLaunchRequest{Permissions: "prompt"})
	require.NoError(t, err)
	assert.NotContains(t, cmd, "--dangerously-skip-permissions")

	_, err = agent.LaunchCommand(context.Background(), plugin.AgentLaunchRequest{Permissions: "yolo"})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   plugin.Activity
	}{
		{"busy spinner", "Running tests...\nesc to interrupt", plugin.ActivityActive},
		{"permission prompt", "Do you want to run this command?\n1. Yes\n2. No", plugin.ActivityWaitingInput},
		{"idle prompt", "Done.\n? for shortcuts", plugin.ActivityIdle},
		{"busy wins over prompt text", "Do you want\nesc to interrupt", plugin.ActivityActive},
		{"unrecognized output", "some scrollback", plugin.ActivityIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.output))
		})
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "second", lastNonEmptyLine("first\nsecond\n\n  \n"))
	assert.Equal(t, "", lastNonEmptyLine("\n \n"))
}
