package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
)

type workerFixture struct {
	worker  *Worker
	repo    *fakeDeploymentRepo
	backend *fakeBackend
	servers *fakeServerRepo
	events  *recordingPublisher
}

func newWorkerFixture(t *testing.T, backend *fakeBackend, deployments ...*domain.Deployment) *workerFixture {
	t.Helper()
	template := domain.Template{
		ID:           "tpl-node",
		Image:        "node:18-alpine",
		ExposedPorts: []int{3000},
		Active:       true,
	}
	plan := domain.Plan{
		ID:           "plan-basic",
		PricePerHour: 25_000,
		CPUCores:     1,
		MemoryMB:     1024,
		DiskGB:       10,
		Active:       true,
	}
	servers := newFakeServerRepo(domain.Server{
		ID:                "server-a",
		Status:            domain.ServerActive,
		CPUCores:          8,
		MemoryMB:          16000,
		DiskGB:            500,
		AllocatedCPU:      1,
		AllocatedMemoryMB: 1024,
		AllocatedDiskGB:   10,
	})
	repo := newFakeDeploymentRepo(deployments...)
	events := &recordingPublisher{}

	worker := NewWorker(
		repo,
		newFakeCatalogRepo([]domain.Template{template}, []domain.Plan{plan}),
		backend,
		placement.New(servers, testLogger()),
		events,
		testLogger(),
		WorkerConfig{
			Workers:        1,
			QueueSize:      8,
			Retries:        3,
			RetryBaseDelay: time.Millisecond,
			StartTimeout:   time.Second,
			StopTimeout:    time.Second,
		},
	)
	worker.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &workerFixture{worker: worker, repo: repo, backend: backend, servers: servers, events: events}
}

func pendingDeployment(id string) *domain.Deployment {
	serverID := "server-a"
	return &domain.Deployment{
		ID:           id,
		UserID:       "user-1",
		TemplateID:   "tpl-node",
		PlanID:       "plan-basic",
		ServerID:     &serverID,
		Name:         "my-app",
		Status:       domain.StatusPending,
		HourlyRate:   25_000,
		EnvVars:      map[string]string{"NODE_ENV": "production"},
		PortMappings: map[int]int{3000: 31001},
	}
}

func runningDeployment(id, containerID string) *domain.Deployment {
	d := pendingDeployment(id)
	d.Status = domain.StatusRunning
	d.ContainerID = &containerID
	return d
}

func TestWorkerStartPromotesToRunning(t *testing.T) {
	fx := newWorkerFixture(t, &fakeBackend{}, pendingDeployment("dep-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStart})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s (%s)", stored.Status, stored.StatusReason)
	}
	if stored.ContainerID == nil {
		t.Fatalf("container handle not recorded")
	}
	if stored.DeployedAt == nil {
		t.Fatalf("first deploy instant not recorded")
	}
	if stored.LastBilledAt == nil || !stored.LastBilledAt.Equal(fx.worker.now()) {
		t.Fatalf("billing watermark not reset to start instant: %v", stored.LastBilledAt)
	}
	if stored.ConnectionInfo == nil {
		t.Fatalf("connection info not recorded")
	}
	if len(fx.backend.started) != 1 || fx.backend.started[0].Image != "node:18-alpine" {
		t.Fatalf("backend start spec wrong: %+v", fx.backend.started)
	}
}

func TestWorkerStartRetriesTransientFailures(t *testing.T) {
	backend := &fakeBackend{failStart: 2}
	fx := newWorkerFixture(t, backend, pendingDeployment("dep-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStart})

	if stored := fx.repo.get("dep-1"); stored.Status != domain.StatusRunning {
		t.Fatalf("expected running after retries, got %s", stored.Status)
	}
	if backend.startCalls != 3 {
		t.Fatalf("expected 3 start attempts, got %d", backend.startCalls)
	}
}

func TestWorkerStartExhaustionLandsFailed(t *testing.T) {
	backend := &fakeBackend{failStart: 100}
	fx := newWorkerFixture(t, backend, pendingDeployment("dep-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStart})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed after retry exhaustion, got %s", stored.Status)
	}
	if stored.StatusReason == "" {
		t.Fatalf("failure reason not recorded")
	}
	statuses := fx.events.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != domain.StatusFailed {
		t.Fatalf("failed status not broadcast: %v", statuses)
	}
}

func TestWorkerStopKeepsContainerHandle(t *testing.T) {
	fx := newWorkerFixture(t, &fakeBackend{}, runningDeployment("dep-1", "container-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStop})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusStopped {
		t.Fatalf("expected stopped, got %s", stored.Status)
	}
	if stored.ContainerID == nil {
		t.Fatalf("stop must keep the container handle for a later start")
	}
	if len(fx.backend.stopped) != 1 || fx.backend.stopped[0] != "container-1" {
		t.Fatalf("backend stop not called: %+v", fx.backend.stopped)
	}
}

func TestWorkerSuspendRecordsReason(t *testing.T) {
	fx := newWorkerFixture(t, &fakeBackend{}, runningDeployment("dep-1", "container-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobSuspend, Reason: "suspended: insufficient balance"})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusSuspended {
		t.Fatalf("expected suspended, got %s", stored.Status)
	}
	if stored.StatusReason != "suspended: insufficient balance" {
		t.Fatalf("reason not recorded: %q", stored.StatusReason)
	}
	if stored.ContainerID == nil {
		t.Fatalf("suspend must keep the container handle")
	}
}

func TestWorkerStaleStopSkipped(t *testing.T) {
	d := pendingDeployment("dep-1")
	d.Status = domain.StatusStopped
	fx := newWorkerFixture(t, &fakeBackend{}, d)

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStop})

	if stored := fx.repo.get("dep-1"); stored.Status != domain.StatusStopped {
		t.Fatalf("stale stop must not change status, got %s", stored.Status)
	}
	if fx.backend.stopCalls != 0 {
		t.Fatalf("backend should not be touched for a stale job")
	}
}

func TestWorkerDeleteReleasesCapacity(t *testing.T) {
	fx := newWorkerFixture(t, &fakeBackend{}, runningDeployment("dep-1", "container-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobDelete})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusDeleted {
		t.Fatalf("expected deleted, got %s", stored.Status)
	}
	if stored.ContainerID != nil {
		t.Fatalf("container handle must be cleared on delete")
	}
	if len(fx.backend.destroyed) != 1 {
		t.Fatalf("backend destroy not called: %+v", fx.backend.destroyed)
	}
	server, _ := fx.servers.GetServerByID(context.Background(), "server-a")
	if server.AllocatedCPU != 0 || server.AllocatedMemoryMB != 0 || server.AllocatedDiskGB != 0 {
		t.Fatalf("capacity not released: %d/%d/%d", server.AllocatedCPU, server.AllocatedMemoryMB, server.AllocatedDiskGB)
	}
}

func TestWorkerDeleteProceedsWhenDestroyFails(t *testing.T) {
	backend := &fakeBackend{failDestroy: 100}
	fx := newWorkerFixture(t, backend, runningDeployment("dep-1", "container-1"))

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobDelete})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusDeleted {
		t.Fatalf("delete must reach terminal status despite backend failure, got %s", stored.Status)
	}
	server, _ := fx.servers.GetServerByID(context.Background(), "server-a")
	if server.AllocatedCPU != 0 {
		t.Fatalf("capacity not released after best-effort destroy")
	}
}

func TestWorkerRestartFromStopped(t *testing.T) {
	d := runningDeployment("dep-1", "container-1")
	d.Status = domain.StatusStopped
	fx := newWorkerFixture(t, &fakeBackend{}, d)

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobRestart})

	if stored := fx.repo.get("dep-1"); stored.Status != domain.StatusRunning {
		t.Fatalf("expected running after restart, got %s", stored.Status)
	}
}

func TestWorkerStartFromStoppedReplacesContainer(t *testing.T) {
	d := runningDeployment("dep-1", "container-old")
	d.Status = domain.StatusStopped
	fx := newWorkerFixture(t, &fakeBackend{}, d)

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStart})

	if len(fx.backend.destroyed) != 1 || fx.backend.destroyed[0] != "container-old" {
		t.Fatalf("retained container must be removed before starting anew: %+v", fx.backend.destroyed)
	}
	if len(fx.backend.started) != 1 {
		t.Fatalf("replacement container not started: %+v", fx.backend.started)
	}
	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s (%s)", stored.Status, stored.StatusReason)
	}
	if stored.ContainerID == nil || *stored.ContainerID == "container-old" {
		t.Fatalf("container handle not replaced: %v", stored.ContainerID)
	}
	if got := fx.events.statuses(); len(got) != 2 || got[0] != domain.StatusPending || got[1] != domain.StatusRunning {
		t.Fatalf("expected pending then running events, got %v", got)
	}
}

func TestWorkerStartFailsWhenOldContainerWontRemove(t *testing.T) {
	d := runningDeployment("dep-1", "container-old")
	d.Status = domain.StatusSuspended
	backend := &fakeBackend{failDestroy: 100}
	fx := newWorkerFixture(t, backend, d)

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobStart})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed when the old container cannot be removed, got %s", stored.Status)
	}
	if stored.StatusReason == "" {
		t.Fatalf("removal failure must be recorded")
	}
	if backend.startCalls != 0 {
		t.Fatalf("no replacement must be created while the old name is taken")
	}
}

func TestWorkerForceFailLandsFailed(t *testing.T) {
	fx := newWorkerFixture(t, &fakeBackend{}, runningDeployment("dep-1", "container-1"))

	reason := "container exited unexpectedly (exit code 137)"
	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobFail, Reason: reason})

	stored := fx.repo.get("dep-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.StatusReason != reason {
		t.Fatalf("reason not recorded: %q", stored.StatusReason)
	}
	if got := fx.events.statuses(); len(got) != 1 || got[0] != domain.StatusFailed {
		t.Fatalf("failed status not broadcast: %v", got)
	}
}

func TestWorkerStaleFailSkipped(t *testing.T) {
	d := pendingDeployment("dep-1")
	d.Status = domain.StatusStopped
	fx := newWorkerFixture(t, &fakeBackend{}, d)

	fx.worker.process(context.Background(), Job{DeploymentID: "dep-1", Kind: JobFail, Reason: "container exited unexpectedly"})

	if stored := fx.repo.get("dep-1"); stored.Status != domain.StatusStopped {
		t.Fatalf("a fail job must not clobber a later user action, got %s", stored.Status)
	}
}
