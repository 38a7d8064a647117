package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/runtime"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
)

// Job kinds processed by the worker pool.
const (
	JobStart   = "start"
	JobStop    = "stop"
	JobRestart = "restart"
	JobSuspend = "suspend"
	JobDelete  = "delete"
	// JobFail marks a deployment failed. The reconciler enqueues it on
	// drift so the status write happens under the deployment's lock.
	JobFail = "fail"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("deployment: job queue is full")

// Job is a unit of asynchronous transition work.
type Job struct {
	DeploymentID string
	Kind         string
	// Reason is recorded as the status reason for forced transitions.
	Reason string
}

// WorkerConfig tunes the pool and the backend retry policy.
type WorkerConfig struct {
	Workers        int
	QueueSize      int
	Retries        int
	RetryBaseDelay time.Duration
	StartTimeout   time.Duration
	StopTimeout    time.Duration
}

// Worker executes transition jobs against the container backend. Jobs for
// the same deployment are serialized by a per-deployment lock; jobs for
// different deployments run concurrently across the pool.
type Worker struct {
	deployments repository.DeploymentRepository
	catalog     repository.CatalogRepository
	backend     runtime.Adapter
	planner     placement.Planner
	events      StatusPublisher
	logger      *slog.Logger
	cfg         WorkerConfig

	jobs  chan Job
	locks keyedLocks
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewWorker builds the pool. Run must be called before jobs are processed.
func NewWorker(deployments repository.DeploymentRepository, catalog repository.CatalogRepository, backend runtime.Adapter, planner placement.Planner, events StatusPublisher, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 4
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Minute
	}
	initMetrics()
	return &Worker{
		deployments: deployments,
		catalog:     catalog,
		backend:     backend,
		planner:     planner,
		events:      events,
		logger:      logger.With("component", "deployment-worker"),
		cfg:         cfg,
		jobs:        make(chan Job, cfg.QueueSize),
		locks:       keyedLocks{locks: make(map[string]*sync.Mutex)},
		now:         time.Now,
	}
}

// Enqueue accepts a job without blocking the caller.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.jobs <- job:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the pool and blocks until ctx is cancelled and all in-flight
// jobs have drained.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker pool starting", "workers", w.cfg.Workers, "queue_size", w.cfg.QueueSize)
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-w.jobs:
					queueDepth.Dec()
					w.process(ctx, job)
				}
			}
		}()
	}
	<-ctx.Done()
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *Worker) process(ctx context.Context, job Job) {
	unlock := w.locks.lock(job.DeploymentID)
	defer unlock()

	var err error
	switch job.Kind {
	case JobStart:
		err = w.start(ctx, job)
	case JobStop:
		err = w.stop(ctx, job, domain.StatusStopped)
	case JobSuspend:
		err = w.stop(ctx, job, domain.StatusSuspended)
	case JobRestart:
		err = w.restart(ctx, job)
	case JobDelete:
		err = w.delete(ctx, job)
	case JobFail:
		err = w.forceFail(ctx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		w.logger.Error("job failed", "deployment_id", job.DeploymentID, "kind", job.Kind, "error", err)
	}
	jobsTotal.WithLabelValues(job.Kind, outcome).Inc()
}

// start launches the container and promotes the deployment to running. The
// metering watermark is reset to the start instant so stopped time is never
// billed. A container retained by an earlier stop or suspend is removed
// first: the backend enforces name uniqueness, so the old container must go
// before its replacement can be created.
func (w *Worker) start(ctx context.Context, job Job) error {
	deployment, err := w.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	switch deployment.Status {
	case domain.StatusPending:
	case domain.StatusStopped, domain.StatusSuspended:
		// Re-enter the pending leg under this deployment's lock.
		if err := w.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
			DeploymentID: deployment.ID,
			Status:       domain.StatusPending,
			StatusReason: ptr(""),
		}); err != nil {
			return err
		}
		publishStatus(w.events, w.now, deployment.ID, domain.StatusPending, "")
	default:
		w.logger.Info("skipping stale start", "deployment_id", job.DeploymentID, "status", deployment.Status)
		return nil
	}

	if deployment.ContainerID != nil {
		err = w.withRetry(ctx, func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
			defer cancel()
			return w.backend.Destroy(stopCtx, *deployment.ContainerID)
		})
		if err != nil {
			w.fail(ctx, deployment.ID, "previous container removal failed: "+err.Error())
			return err
		}
	}

	template, err := w.catalog.GetTemplateByID(ctx, deployment.TemplateID)
	if err != nil {
		w.fail(ctx, deployment.ID, "template lookup failed: "+err.Error())
		return err
	}
	plan, err := w.catalog.GetPlanByID(ctx, deployment.PlanID)
	if err != nil {
		w.fail(ctx, deployment.ID, "plan lookup failed: "+err.Error())
		return err
	}

	spec := runtime.StartSpec{
		DeploymentID: deployment.ID,
		Name:         containerName(deployment),
		Image:        template.Image,
		Env:          deployment.EnvVars,
		Ports:        deployment.PortMappings,
		Resources:    plan.Requirements(),
	}

	var container runtime.Container
	err = w.withRetry(ctx, func(ctx context.Context) error {
		startCtx, cancel := context.WithTimeout(ctx, w.cfg.StartTimeout)
		defer cancel()
		var startErr error
		container, startErr = w.backend.Start(startCtx, spec)
		return startErr
	})
	if err != nil {
		w.fail(ctx, deployment.ID, "container start failed: "+err.Error())
		return err
	}

	now := w.now().UTC()
	update := domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatusRunning,
		StatusReason: ptr(""),
		ContainerID:  &container.ID,
		LastBilledAt: &now,
	}
	if deployment.DeployedAt == nil {
		update.DeployedAt = &now
	}
	if info := connectionInfo(container.HostIP, deployment.PortMappings); info != "" {
		update.ConnectionInfo = &info
	}
	if err := w.deployments.UpdateDeployment(ctx, update); err != nil {
		// The container is up but the record is not. Tear the container
		// down so the next start does not leak a duplicate.
		if destroyErr := w.backend.Destroy(ctx, container.ID); destroyErr != nil {
			w.logger.Error("failed to destroy orphaned container", "deployment_id", deployment.ID, "container_id", container.ID, "error", destroyErr)
		}
		return err
	}

	publishStatus(w.events, w.now, deployment.ID, domain.StatusRunning, "")
	w.logger.Info("deployment running", "deployment_id", deployment.ID, "container_id", container.ID)
	return nil
}

// stop halts the container and lands on target (stopped or suspended). The
// container handle and the capacity reservation are kept so a later start
// resumes on the same server.
func (w *Worker) stop(ctx context.Context, job Job, target string) error {
	deployment, err := w.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	if deployment.Status != domain.StatusRunning {
		w.logger.Info("skipping stale stop", "deployment_id", job.DeploymentID, "status", deployment.Status, "target", target)
		return nil
	}

	if deployment.ContainerID != nil {
		err = w.withRetry(ctx, func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
			defer cancel()
			return w.backend.Stop(stopCtx, *deployment.ContainerID)
		})
		if err != nil {
			w.fail(ctx, deployment.ID, "container stop failed: "+err.Error())
			return err
		}
	}

	if err := w.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       target,
		StatusReason: &job.Reason,
	}); err != nil {
		return err
	}
	publishStatus(w.events, w.now, deployment.ID, target, job.Reason)
	w.logger.Info("deployment stopped", "deployment_id", deployment.ID, "status", target)
	return nil
}

// restart is a stop followed by a start through the pending leg.
func (w *Worker) restart(ctx context.Context, job Job) error {
	deployment, err := w.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	switch deployment.Status {
	case domain.StatusRunning:
		if deployment.ContainerID != nil {
			err = w.withRetry(ctx, func(ctx context.Context) error {
				stopCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
				defer cancel()
				return w.backend.Stop(stopCtx, *deployment.ContainerID)
			})
			if err != nil {
				w.fail(ctx, deployment.ID, "container stop failed: "+err.Error())
				return err
			}
		}
	case domain.StatusStopped:
	default:
		w.logger.Info("skipping stale restart", "deployment_id", job.DeploymentID, "status", deployment.Status)
		return nil
	}

	if err := w.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatusPending,
		StatusReason: ptr(""),
	}); err != nil {
		return err
	}
	publishStatus(w.events, w.now, deployment.ID, domain.StatusPending, "")
	return w.start(ctx, Job{DeploymentID: deployment.ID, Kind: JobStart})
}

// delete tears the container down, releases the server reservation and
// marks the record deleted. Backend failures do not block deletion; the
// record always reaches the terminal status.
func (w *Worker) delete(ctx context.Context, job Job) error {
	deployment, err := w.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	if deployment.Status == domain.StatusDeleted {
		return nil
	}

	if deployment.ContainerID != nil {
		err = w.withRetry(ctx, func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
			defer cancel()
			return w.backend.Destroy(stopCtx, *deployment.ContainerID)
		})
		if err != nil {
			w.logger.Error("failed to destroy container, proceeding with delete", "deployment_id", deployment.ID, "container_id", *deployment.ContainerID, "error", err)
		}
	}

	if deployment.ServerID != nil {
		plan, planErr := w.catalog.GetPlanByID(ctx, deployment.PlanID)
		if planErr != nil {
			w.logger.Error("plan lookup failed, capacity not released", "deployment_id", deployment.ID, "plan_id", deployment.PlanID, "error", planErr)
		} else if releaseErr := w.planner.Release(ctx, *deployment.ServerID, plan.Requirements()); releaseErr != nil {
			w.logger.Error("failed to release capacity", "deployment_id", deployment.ID, "server_id", *deployment.ServerID, "error", releaseErr)
		}
	}

	if err := w.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID:   deployment.ID,
		Status:         domain.StatusDeleted,
		StatusReason:   &job.Reason,
		ClearContainer: true,
	}); err != nil {
		return err
	}
	publishStatus(w.events, w.now, deployment.ID, domain.StatusDeleted, job.Reason)
	w.logger.Info("deployment deleted", "deployment_id", deployment.ID)
	return nil
}

// forceFail lands the deployment on failed with the job's reason. Enqueued
// by the reconciler for drifted or stuck deployments; statuses a user
// action already moved on from are left alone.
func (w *Worker) forceFail(ctx context.Context, job Job) error {
	deployment, err := w.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	switch deployment.Status {
	case domain.StatusRunning, domain.StatusPending:
	default:
		w.logger.Info("skipping stale fail", "deployment_id", job.DeploymentID, "status", deployment.Status)
		return nil
	}
	w.fail(ctx, deployment.ID, job.Reason)
	w.logger.Warn("deployment forced to failed", "deployment_id", deployment.ID, "reason", job.Reason)
	return nil
}

// withRetry runs fn with exponential backoff. Context cancellation stops
// the retries immediately.
func (w *Worker) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(w.cfg.Retries), retry.NewExponential(w.cfg.RetryBaseDelay))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt > 1 {
			jobRetriesTotal.Inc()
		}
		w.logger.Warn("backend call failed, will retry", "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (w *Worker) fail(ctx context.Context, deploymentID, reason string) {
	if err := w.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusFailed,
		StatusReason: &reason,
	}); err != nil {
		w.logger.Error("failed to mark deployment failed", "deployment_id", deploymentID, "error", err)
		return
	}
	publishStatus(w.events, w.now, deploymentID, domain.StatusFailed, reason)
}

// keyedLocks serializes work per deployment. Entries are kept for the
// lifetime of the process; the universe of keys is bounded by the number
// of live deployments.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func containerName(d *domain.Deployment) string {
	return "appfleet-" + d.Name + "-" + shortID(d.ID)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func connectionInfo(hostIP string, ports map[int]int) string {
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	endpoints := make([]string, 0, len(ports))
	for containerPort, hostPort := range ports {
		endpoints = append(endpoints, fmt.Sprintf("%d->%s:%d", containerPort, hostIP, hostPort))
	}
	sort.Strings(endpoints)
	return strings.Join(endpoints, ", ")
}
