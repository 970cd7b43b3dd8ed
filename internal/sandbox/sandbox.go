// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package sandbox manages the container lifecycle backing a tenant-owned
// ephemeral sandbox Runner (spec §2's Runner.is_sandbox_runner /
// bound_sandbox_id fields): the core starts and tears down a container
// per sandbox runner via the Docker Engine API.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const stopTimeout = 10 * time.Second

// Spec describes the container a sandbox runner should be started from.
type Spec struct {
	Image   string
	Name    string
	Env     []string
	Command []string
	Labels  map[string]string
}

// Manager starts, inspects and tears down sandbox-runner containers.
type Manager struct {
	client *client.Client
}

// New creates a Manager using the Docker client configuration from the
// process environment (DOCKER_HOST etc).
func New() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to create docker client: %w", err)
	}
	return &Manager{client: cli}, nil
}

// Close closes the underlying Docker client connection.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Start creates and starts a container for spec, returning its id. The
// caller persists the returned id as the owning Runner's bound sandbox id.
func (m *Manager) Start(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("sandbox: failed to create container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: failed to start container %s: %w", resp.ID, err)
	}

	return resp.ID, nil
}

// StopAndRemove stops and removes containerID. Idempotent: a container
// that is already stopped or gone is not an error.
func (m *Manager) StopAndRemove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}

	timeout := int(stopTimeout.Seconds())
	if err := m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		// A container that refused to stop gracefully still gets a forced
		// removal below, so this is not fatal.
	}

	removeOptions := container.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := m.client.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("sandbox: failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// IsRunning reports whether containerID is currently running. A missing
// container reports false, not an error.
func (m *Manager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	if containerID == "" {
		return false, nil
	}
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("sandbox: failed to inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// Logs returns up to tail lines of combined stdout/stderr from containerID.
func (m *Manager) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if containerID == "" {
		return "", nil
	}
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	}
	rc, err := m.client.ContainerLogs(ctx, containerID, options)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("sandbox: failed to get logs for container %s: %w", containerID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("sandbox: failed to read logs for container %s: %w", containerID, err)
	}
	return string(data), nil
}
