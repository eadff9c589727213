// Package process implements the runtime slot as a direct child process
// under a pseudo-terminal. Unlike the tmux runtime it offers no reattach
// after an orchestrator restart: liveness and teardown still work through
// the pid, but stdin is gone.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/herdctl/herdctl/internal/plugin"
)

const captureBufferSize = 64 * 1024

// Runtime hosts agent processes under ptys.
type Runtime struct {
	mu    sync.Mutex
	procs map[int]*child
}

type child struct {
	cmd *exec.Cmd
	pty *os.File

	mu     sync.Mutex
	recent []byte
}

// Factory builds the process runtime. It has no host dependency.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotRuntime,
		Name:        "process",
		Description: "runs agents as pty child processes",
	}
}

func (Factory) New(map[string]any) (plugin.Plugin, error) {
	return &Runtime{procs: map[int]*child{}}, nil
}

func (r *Runtime) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// Create starts the agent command under a fresh pty in its own process
// group so teardown reaps the whole tree.
func (r *Runtime) Create(_ context.Context, req plugin.RuntimeCreateRequest) (*plugin.RuntimeHandle, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	for key, value := range req.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	proc := &child{cmd: cmd, pty: ptmx}
	go proc.drain()
	go func() {
		// Reap on exit; the pty read loop ends when the child does.
		_ = cmd.Wait()
	}()

	pid := cmd.Process.Pid
	r.mu.Lock()
	r.procs[pid] = proc
	r.mu.Unlock()

	return &plugin.RuntimeHandle{
		ID:          fmt.Sprintf("pid-%d", pid),
		RuntimeName: "process",
		Data:        map[string]any{"pid": pid},
	}, nil
}

// drain copies pty output into a bounded recent-output buffer.
func (c *child) drain() {
	buf := make([]byte, 4096)
	for {
		n, err := c.pty.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.recent = append(c.recent, buf[:n]...)
			if len(c.recent) > captureBufferSize {
				c.recent = c.recent[len(c.recent)-captureBufferSize:]
			}
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func handlePID(handle *plugin.RuntimeHandle) (int, error) {
	if handle == nil {
		return 0, fmt.Errorf("nil runtime handle")
	}
	switch v := handle.Data["pid"].(type) {
	case int:
		return v, nil
	case float64: // JSON round-trip
		return int(v), nil
	}
	return 0, fmt.Errorf("runtime handle carries no pid")
}

// Destroy terminates the process group, escalating from SIGTERM to
// SIGKILL.
func (r *Runtime) Destroy(ctx context.Context, handle *plugin.RuntimeHandle) error {
	pid, err := handlePID(handle)
	if err != nil {
		return err
	}

	r.mu.Lock()
	proc := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()
	if proc != nil {
		proc.pty.Close()
	}

	// Negative pid targets the process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return nil
		case <-deadline:
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			return nil
		case <-ticker.C:
			if syscall.Kill(pid, 0) == syscall.ESRCH {
				return nil
			}
		}
	}
}

// IsAlive probes the pid with signal 0.
func (r *Runtime) IsAlive(_ context.Context, handle *plugin.RuntimeHandle) (bool, error) {
	pid, err := handlePID(handle)
	if err != nil {
		return false, err
	}
	err = syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if err == syscall.ESRCH {
		return false, nil
	}
	// EPERM means the process exists under another uid.
	if err == syscall.EPERM {
		return true, nil
	}
	return false, err
}

// SendMessage writes the message and a newline to the pty. Without a live
// pty (after a restart) stdin is not writable.
func (r *Runtime) SendMessage(_ context.Context, handle *plugin.RuntimeHandle, message string, _ bool) error {
	pid, err := handlePID(handle)
	if err != nil {
		return err
	}
	r.mu.Lock()
	proc := r.procs[pid]
	r.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("process %d has no attached pty; stdin is not writable", pid)
	}
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	if _, err := io.WriteString(proc.pty, message); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// CaptureOutput returns up to lines of recent pty output.
func (r *Runtime) CaptureOutput(_ context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	pid, err := handlePID(handle)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	proc := r.procs[pid]
	r.mu.Unlock()
	if proc == nil {
		return "", nil
	}

	proc.mu.Lock()
	out := string(proc.recent)
	proc.mu.Unlock()

	if lines > 0 {
		split := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(split) > lines {
			split = split[len(split)-lines:]
		}
		out = strings.Join(split, "\n")
	}
	return out, nil
}
