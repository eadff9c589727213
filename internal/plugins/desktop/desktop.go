// Package desktop implements the notifier slot with the host's native
// notification command: notify-send on Linux, osascript on macOS.
package desktop

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
)

// Notifier shells out to the platform notification command.
type Notifier struct {
	path string
	mode string // notify-send or osascript
}

// Factory builds desktop notifiers.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotNotifier,
		Name:        "desktop",
		Description: "shows native desktop notifications",
	}
}

// New reports ErrUnavailable when no notification command exists on this
// host.
func (Factory) New(map[string]any) (plugin.Plugin, error) {
	if runtime.GOOS == "darwin" {
		if path, err := exec.LookPath("osascript"); err == nil {
			return &Notifier{path: path, mode: "osascript"}, nil
		}
		return nil, plugin.ErrUnavailable
	}
	if path, err := exec.LookPath("notify-send"); err == nil {
		return &Notifier{path: path, mode: "notify-send"}, nil
	}
	return nil, plugin.ErrUnavailable
}

func (n *Notifier) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// Notify shows one notification. Desktop delivery is fire-and-forget;
// failures are permanent since retrying a dead display helps nobody.
func (n *Notifier) Notify(ctx context.Context, notification plugin.Notification) error {
	var cmd *exec.Cmd
	switch n.mode {
	case "osascript":
		script := fmt.Sprintf("display notification %q with title %q",
			notification.Body, notification.Title)
		cmd = exec.CommandContext(ctx, n.path, "-e", script)
	default:
		cmd = exec.CommandContext(ctx, n.path,
			"--urgency", urgencyFor(notification.Priority),
			"--app-name", "herd",
			notification.Title, notification.Body)
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return apperrors.Permanent("desktop notification failed", fmt.Errorf("%s: %s", n.mode, msg))
	}
	return nil
}

func urgencyFor(priority events.Priority) string {
	switch priority {
	case events.PriorityUrgent:
		return "critical"
	case events.PriorityAction, events.PriorityWarning:
		return "normal"
	default:
		return "low"
	}
}
