// Package docker implements the runtime slot on the Docker Engine. Each
// session gets one long-lived container with the workspace bind-mounted,
// labeled so stray containers can be traced back to their session.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/herdctl/herdctl/internal/plugin"
)

// SessionLabel marks containers this orchestrator owns.
const SessionLabel = "herd.session_id"

const defaultImage = "ubuntu:24.04"

// Runtime drives the Docker Engine API.
type Runtime struct {
	cli     *client.Client
	image   string
	network string
}

// Factory builds the docker runtime from its instance config. Recognized
// keys: image, host, network.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotRuntime,
		Name:        "docker",
		Description: "runs agents in Docker containers",
	}
}

// New reports ErrUnavailable when no Docker daemon answers.
func (Factory) New(cfg map[string]any) (plugin.Plugin, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host, ok := cfg["host"].(string); ok && host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, plugin.ErrUnavailable
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, plugin.ErrUnavailable
	}

	r := &Runtime{cli: cli, image: defaultImage}
	if image, ok := cfg["image"].(string); ok && image != "" {
		r.image = image
	}
	if network, ok := cfg["network"].(string); ok {
		r.network = network
	}
	return r, nil
}

func (r *Runtime) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// Close releases the engine connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func handleContainer(handle *plugin.RuntimeHandle) (string, error) {
	if handle == nil {
		return "", fmt.Errorf("nil runtime handle")
	}
	if id, ok := handle.Data["container_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("runtime handle carries no container id")
}

// Create starts a container with the workspace bind-mounted at the same
// path, running the agent command with an open stdin.
func (r *Runtime) Create(ctx context.Context, req plugin.RuntimeCreateRequest) (*plugin.RuntimeHandle, error) {
	env := make([]string, 0, len(req.Env))
	for key, value := range req.Env {
		env = append(env, key+"="+value)
	}

	containerCfg := &container.Config{
		Image:      r.image,
		Cmd:        req.Command,
		WorkingDir: req.WorkDir,
		Env:        env,
		Tty:        true,
		OpenStdin:  true,
		Labels:     map[string]string{SessionLabel: req.SessionID},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkDir,
			Target: req.WorkDir,
		}},
	}
	if r.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(r.network)
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "herd-"+req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &plugin.RuntimeHandle{
		ID:          resp.ID,
		RuntimeName: "docker",
		Data:        map[string]any{"container_id": resp.ID},
	}, nil
}

// Destroy force-removes the container. An unknown container is fine.
func (r *Runtime) Destroy(ctx context.Context, handle *plugin.RuntimeHandle) error {
	id, err := handleContainer(handle)
	if err != nil {
		return err
	}
	err = r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsAlive reports whether the container is running.
func (r *Runtime) IsAlive(ctx context.Context, handle *plugin.RuntimeHandle) (bool, error) {
	id, err := handleContainer(handle)
	if err != nil {
		return false, err
	}
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// SendMessage writes the message to the container's stdin.
func (r *Runtime) SendMessage(ctx context.Context, handle *plugin.RuntimeHandle, message string, _ bool) error {
	id, err := handleContainer(handle)
	if err != nil {
		return err
	}
	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true})
	if err != nil {
		return fmt.Errorf("failed to attach stdin: %w", err)
	}
	defer attach.Close()

	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	if _, err := io.WriteString(attach.Conn, message); err != nil {
		return fmt.Errorf("failed to write to container stdin: %w", err)
	}
	return nil
}

// CaptureOutput returns the container's recent log tail.
func (r *Runtime) CaptureOutput(ctx context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	id, err := handleContainer(handle)
	if err != nil {
		return "", err
	}

	tail := "all"
	if lines > 0 {
		tail = fmt.Sprintf("%d", lines)
	}
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	if inspect.Config != nil && inspect.Config.Tty {
		_, err = io.Copy(&out, logs)
	} else {
		_, err = stdcopy.StdCopy(&out, &out, logs)
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(out.String(), "\n"), nil
}
