package runtime

import (
	"context"

	"github.com/appdotbuilder/appfleet/internal/domain"
)

// Container states observed by Inspect.
const (
	StateRunning     = "running"
	StateExited      = "exited"
	StateUnreachable = "unreachable"
)

// StartSpec describes a workload to launch on a server.
type StartSpec struct {
	DeploymentID string
	Name         string
	Image        string
	Env          map[string]string
	// Ports maps container ports to host ports.
	Ports     map[int]int
	Resources domain.Requirements
}

// Container is the handle returned by a successful start.
type Container struct {
	ID string
	// HostIP is where the mapped ports are reachable.
	HostIP string
}

// Status is a point-in-time snapshot of a container.
type Status struct {
	State    string
	ExitCode int
	Error    string
}

// Adapter is the only surface through which the orchestration core touches
// the container backend. Every call may fail transiently or time out; the
// state machine treats all of them as retryable.
type Adapter interface {
	Start(ctx context.Context, spec StartSpec) (Container, error)
	Stop(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Status, error)
	Destroy(ctx context.Context, containerID string) error
}
