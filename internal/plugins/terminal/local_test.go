package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/plugin"
)

func TestAttachCommandTmux(t *testing.T) {
	local := &Local{}
	cmd, err := local.AttachCommand(&plugin.RuntimeHandle{
		RuntimeName: "tmux",
		Data:        map[string]any{"tmux_session": "herd-app-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "herd-app-1"}, cmd)
}

func TestAttachCommandDocker(t *testing.T) {
	local := &Local{}
	cmd, err := local.AttachCommand(&plugin.RuntimeHandle{
		RuntimeName: "docker",
		Data:        map[string]any{"container_id": "abc123"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "attach", "abc123"}, cmd)
}

func TestAttachCommandUnattachable(t *testing.T) {
	local := &Local{}

	_, err := local.AttachCommand(&plugin.RuntimeHandle{
		RuntimeName: "process",
		Data:        map[string]any{"pid": 4242},
	})
	require.Error(t, err)

	_, err = local.AttachCommand(nil)
	require.Error(t, err)
}
