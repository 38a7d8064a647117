package deployment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	createErr   error
	updateErr   error
	updates     []domain.DeploymentUpdate
}

func newFakeDeploymentRepo(deployments ...*domain.Deployment) *fakeDeploymentRepo {
	repo := &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
	for _, d := range deployments {
		copied := *d
		repo.deployments[d.ID] = &copied
	}
	return repo
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.deployments {
		if existing.UserID == deployment.UserID && existing.Name == deployment.Name && existing.Status != domain.StatusDeleted {
			return repository.ErrConflict
		}
	}
	copied := *deployment
	f.deployments[deployment.ID] = &copied
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *deployment
	return &copied, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByOwner(_ context.Context, userID string, limit, offset int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.UserID == userID && d.Status != domain.StatusDeleted {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByStatus(_ context.Context, status string) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.Status == status {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) UpdateDeployment(_ context.Context, update domain.DeploymentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	deployment, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	f.updates = append(f.updates, update)
	if update.Status != "" {
		deployment.Status = update.Status
	}
	if update.StatusReason != nil {
		deployment.StatusReason = *update.StatusReason
	}
	if update.ClearContainer {
		deployment.ContainerID = nil
	} else if update.ContainerID != nil {
		deployment.ContainerID = update.ContainerID
	}
	if update.ConnectionInfo != nil {
		deployment.ConnectionInfo = update.ConnectionInfo
	}
	if update.DeployedAt != nil {
		deployment.DeployedAt = update.DeployedAt
	}
	if update.LastBilledAt != nil {
		deployment.LastBilledAt = update.LastBilledAt
	}
	return nil
}

func (f *fakeDeploymentRepo) TouchLastAccessed(_ context.Context, deploymentID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	deployment.LastAccessedAt = &at
	return nil
}

func (f *fakeDeploymentRepo) get(deploymentID string) *domain.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return nil
	}
	copied := *deployment
	return &copied
}

type fakeCatalogRepo struct {
	templates map[string]domain.Template
	plans     map[string]domain.Plan
}

func newFakeCatalogRepo(templates []domain.Template, plans []domain.Plan) *fakeCatalogRepo {
	repo := &fakeCatalogRepo{
		templates: make(map[string]domain.Template),
		plans:     make(map[string]domain.Plan),
	}
	for _, t := range templates {
		repo.templates[t.ID] = t
	}
	for _, p := range plans {
		repo.plans[p.ID] = p
	}
	return repo
}

func (f *fakeCatalogRepo) GetTemplateByID(_ context.Context, templateID string) (*domain.Template, error) {
	template, ok := f.templates[templateID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &template, nil
}

func (f *fakeCatalogRepo) GetPlanByID(_ context.Context, planID string) (*domain.Plan, error) {
	plan, ok := f.plans[planID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &plan, nil
}

func (f *fakeCatalogRepo) ListActiveTemplates(_ context.Context) ([]domain.Template, error) {
	var out []domain.Template
	for _, t := range f.templates {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeCatalogRepo) ListActivePlans(_ context.Context) ([]domain.Plan, error) {
	var out []domain.Plan
	for _, p := range f.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeServerRepo struct {
	mu      sync.Mutex
	servers map[string]*domain.Server
}

func newFakeServerRepo(servers ...domain.Server) *fakeServerRepo {
	repo := &fakeServerRepo{servers: make(map[string]*domain.Server)}
	for i := range servers {
		s := servers[i]
		repo.servers[s.ID] = &s
	}
	return repo
}

func (f *fakeServerRepo) GetServerByID(_ context.Context, serverID string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *server
	return &copied, nil
}

func (f *fakeServerRepo) ListServersByStatus(_ context.Context, status string) ([]domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Server
	for _, server := range f.servers {
		if server.Status == status {
			out = append(out, *server)
		}
	}
	return out, nil
}

func (f *fakeServerRepo) ReserveCapacity(_ context.Context, serverID string, req domain.Requirements) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	if !server.Fits(req) {
		return repository.ErrCapacityExceeded
	}
	server.AllocatedCPU += req.CPUCores
	server.AllocatedMemoryMB += req.MemoryMB
	server.AllocatedDiskGB += req.DiskGB
	return nil
}

func (f *fakeServerRepo) ReleaseCapacity(_ context.Context, serverID string, req domain.Requirements) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	server.AllocatedCPU -= req.CPUCores
	server.AllocatedMemoryMB -= req.MemoryMB
	server.AllocatedDiskGB -= req.DiskGB
	return nil
}

// fakeBackend fails the first failStart/failStop attempts of each call kind
// before succeeding, mimicking a flaky container runtime.
type fakeBackend struct {
	mu            sync.Mutex
	failStart     int
	failStop      int
	failDestroy   int
	startCalls    int
	stopCalls     int
	destroyCalls  int
	inspectStatus runtime.Status
	started       []runtime.StartSpec
	stopped       []string
	destroyed     []string
}

func (f *fakeBackend) Start(_ context.Context, spec runtime.StartSpec) (runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startCalls <= f.failStart {
		return runtime.Container{}, errors.New("backend unavailable")
	}
	f.started = append(f.started, spec)
	return runtime.Container{ID: "container-" + spec.DeploymentID, HostIP: "10.0.0.5"}, nil
}

func (f *fakeBackend) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopCalls <= f.failStop {
		return errors.New("backend unavailable")
	}
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeBackend) Inspect(_ context.Context, _ string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspectStatus, nil
}

func (f *fakeBackend) Destroy(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	if f.destroyCalls <= f.failDestroy {
		return errors.New("backend unavailable")
	}
	f.destroyed = append(f.destroyed, containerID)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recordingPublisher) PublishStatus(event StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (f *fakeQueue) Enqueue(job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}
