package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/appdotbuilder/appfleet/internal/runtime"
)

// Adapter implements runtime.Adapter on the Docker Engine API.
type Adapter struct {
	inner *client.Client
}

var _ runtime.Adapter = (*Adapter)(nil)

// New creates a Docker-backed adapter using environment defaults.
func New(host string) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Adapter{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (a *Adapter) Ping(ctx context.Context) error {
	if a == nil || a.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := a.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Start creates and starts a container for the spec.
func (a *Adapter) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Container, error) {
	if spec.Image == "" {
		return runtime.Container{}, fmt.Errorf("image cannot be empty")
	}
	if spec.Name == "" {
		return runtime.Container{}, fmt.Errorf("container name cannot be empty")
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	exposed := map[nat.Port]struct{}{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return runtime.Container{}, fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"appfleet.deployment_id": spec.DeploymentID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPUCores) * 1_000_000_000,
			Memory:   int64(spec.Resources.MemoryMB) * 1024 * 1024,
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	created, err := a.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return runtime.Container{}, fmt.Errorf("container create: %w", err)
	}
	if err := a.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = a.inner.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return runtime.Container{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := a.inner.ContainerInspect(ctx, created.ID)
	if err != nil {
		return runtime.Container{ID: created.ID}, nil
	}
	hostIP := ""
	if inspect.NetworkSettings != nil {
		for _, portBindings := range inspect.NetworkSettings.Ports {
			for _, binding := range portBindings {
				if binding.HostIP != "" {
					hostIP = binding.HostIP
					break
				}
			}
		}
	}
	return runtime.Container{ID: created.ID, HostIP: hostIP}, nil
}

// Stop stops a running container.
func (a *Adapter) Stop(ctx context.Context, containerID string) error {
	if containerID == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := a.inner.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Inspect reports the container's observed state.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (runtime.Status, error) {
	if containerID == "" {
		return runtime.Status{}, fmt.Errorf("container id cannot be empty")
	}
	inspect, err := a.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.Status{State: runtime.StateExited, Error: "container not found"}, nil
		}
		return runtime.Status{State: runtime.StateUnreachable, Error: err.Error()}, nil
	}
	if inspect.State == nil {
		return runtime.Status{State: runtime.StateUnreachable, Error: "no state reported"}, nil
	}
	if inspect.State.Running {
		return runtime.Status{State: runtime.StateRunning}, nil
	}
	return runtime.Status{
		State:    runtime.StateExited,
		ExitCode: inspect.State.ExitCode,
		Error:    inspect.State.Error,
	}, nil
}

// Destroy removes a container, stopping it first when needed.
func (a *Adapter) Destroy(ctx context.Context, containerID string) error {
	if containerID == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	err := a.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (a *Adapter) Close() error {
	if a.inner == nil {
		return nil
	}
	return a.inner.Close()
}
