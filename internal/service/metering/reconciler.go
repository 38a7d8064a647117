package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/runtime"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
)

const (
	defaultInterval  = time.Minute
	iterationTimeout = 45 * time.Second

	// A deployment is failed once the backend has been unreachable for
	// this many consecutive ticks.
	unreachableFailAfter = 2

	// Pending deployments older than the grace get their start job
	// re-enqueued (the queue is process-local and does not survive a
	// restart); past the deadline they are failed instead.
	stalePendingGrace    = 5 * time.Minute
	stalePendingDeadline = 30 * time.Minute

	reasonInsufficientFunds = "suspended: insufficient balance"
)

// Reconciler bills running deployments and reconciles their recorded
// status against the container backend. Charges are derived from the
// persisted watermark only, so a crash or an immediate re-run of a tick
// never double-charges.
type Reconciler struct {
	deployments repository.DeploymentRepository
	ledger      ledger.Service
	backend     runtime.Adapter
	queue       deployment.Queue
	logger      *slog.Logger

	interval       time.Duration
	inspectTimeout time.Duration

	// unreachableTicks counts consecutive unreachable inspections per
	// deployment. Only the reconciler goroutine touches it.
	unreachableTicks map[string]int

	now func() time.Time
}

// New constructs the reconciler. Status corrections go through the worker
// queue, never directly to the store; the worker publishes the resulting
// events.
func New(deployments repository.DeploymentRepository, ledgerSvc ledger.Service, backend runtime.Adapter, queue deployment.Queue, logger *slog.Logger, interval, inspectTimeout time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if inspectTimeout <= 0 {
		inspectTimeout = 10 * time.Second
	}
	initMetrics()
	return &Reconciler{
		deployments:      deployments,
		ledger:           ledgerSvc,
		backend:          backend,
		queue:            queue,
		logger:           logger.With("component", "metering"),
		interval:         interval,
		inspectTimeout:   inspectTimeout,
		unreachableTicks: make(map[string]int),
		now:              time.Now,
	}
}

// Run executes the metering loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("metering reconciler started", "interval", r.interval)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("metering reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	timeout := iterationTimeout
	if r.interval > 0 && r.interval < timeout {
		timeout = r.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ticksTotal.Inc()
	now := r.now().UTC()

	running, err := r.deployments.ListDeploymentsByStatus(opCtx, domain.StatusRunning)
	if err != nil {
		r.logger.Warn("failed to list running deployments", "error", err)
		return
	}

	for i := range running {
		if err := r.reconcileOne(opCtx, &running[i], now); err != nil {
			r.logger.Warn("reconcile failed", "deployment_id", running[i].ID, "error", err)
		}
	}

	r.sweepPending(opCtx, now)
}

// sweepPending rescues deployments whose start job was lost, e.g. to a
// process restart with jobs still queued. Rows pending past the grace get
// their start re-enqueued; the worker skips the duplicate if the original
// job is still in flight. Past the deadline the deployment is failed.
func (r *Reconciler) sweepPending(ctx context.Context, now time.Time) {
	pending, err := r.deployments.ListDeploymentsByStatus(ctx, domain.StatusPending)
	if err != nil {
		r.logger.Warn("failed to list pending deployments", "error", err)
		return
	}

	for i := range pending {
		dep := &pending[i]
		since := dep.UpdatedAt
		if since.IsZero() {
			since = dep.CreatedAt
		}
		age := now.Sub(since)
		if age < stalePendingGrace {
			continue
		}

		job := deployment.Job{DeploymentID: dep.ID, Kind: deployment.JobStart}
		if age >= stalePendingDeadline {
			job = deployment.Job{DeploymentID: dep.ID, Kind: deployment.JobFail, Reason: "start did not complete in time"}
		}
		if err := r.queue.Enqueue(job); err != nil {
			r.logger.Warn("failed to enqueue rescue job", "deployment_id", dep.ID, "kind", job.Kind, "error", err)
			continue
		}
		r.logger.Info("stale pending deployment rescued", "deployment_id", dep.ID, "kind", job.Kind, "age", age)
	}
}

// reconcileOne runs the billing and drift checks for a single deployment.
// One deployment's failure never blocks the rest of the tick.
func (r *Reconciler) reconcileOne(ctx context.Context, dep *domain.Deployment, now time.Time) error {
	if !dep.Billable() {
		return nil
	}
	if drifted, err := r.checkDrift(ctx, dep); err != nil || drifted {
		return err
	}
	return r.bill(ctx, dep, now)
}

// checkDrift compares the record against the backend. A container that
// exited or disappeared while the record says running fails the deployment
// through the worker queue, so the status write happens under the
// deployment's lock; the allocation is kept for the operator to act on. A
// single unreachable inspection only skips the tick, but persistent
// unreachability escalates to failed too.
func (r *Reconciler) checkDrift(ctx context.Context, dep *domain.Deployment) (bool, error) {
	if dep.ContainerID == nil {
		r.enqueueFail(dep.ID, "container handle missing while running")
		return true, nil
	}

	inspectCtx, cancel := context.WithTimeout(ctx, r.inspectTimeout)
	defer cancel()
	status, err := r.backend.Inspect(inspectCtx, *dep.ContainerID)
	if err != nil {
		return false, err
	}

	switch status.State {
	case runtime.StateRunning:
		delete(r.unreachableTicks, dep.ID)
		return false, nil
	case runtime.StateUnreachable:
		r.unreachableTicks[dep.ID]++
		ticks := r.unreachableTicks[dep.ID]
		r.logger.Warn("container backend unreachable", "deployment_id", dep.ID, "container_id", *dep.ContainerID, "ticks", ticks, "error", status.Error)
		if ticks < unreachableFailAfter {
			// Bill nothing this tick and try again.
			return true, nil
		}
		delete(r.unreachableTicks, dep.ID)
		r.enqueueFail(dep.ID, "container backend unreachable: "+status.Error)
		return true, nil
	default:
		reason := "container exited unexpectedly"
		if status.ExitCode != 0 {
			reason = fmt.Sprintf("%s (exit code %d)", reason, status.ExitCode)
		}
		delete(r.unreachableTicks, dep.ID)
		r.enqueueFail(dep.ID, reason)
		return true, nil
	}
}

func (r *Reconciler) enqueueFail(deploymentID, reason string) {
	driftTotal.Inc()
	if err := r.queue.Enqueue(deployment.Job{DeploymentID: deploymentID, Kind: deployment.JobFail, Reason: reason}); err != nil {
		// The next tick sees the same drift and tries again.
		r.logger.Error("failed to enqueue drift correction", "deployment_id", deploymentID, "error", err)
		return
	}
	r.logger.Info("drift detected, failing deployment", "deployment_id", deploymentID, "reason", reason)
}

// bill charges for elapsed running time since the watermark, then advances
// the watermark by exactly the seconds the debited cents cover.
func (r *Reconciler) bill(ctx context.Context, dep *domain.Deployment, now time.Time) error {
	watermark := dep.LastBilledAt
	if watermark == nil {
		watermark = dep.DeployedAt
	}
	if watermark == nil {
		// No start instant on record; anchor the watermark so the next
		// tick has a base, and charge nothing now.
		return r.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
			DeploymentID: dep.ID,
			LastBilledAt: &now,
		})
	}

	elapsed := now.Sub(*watermark)
	if elapsed <= 0 {
		return nil
	}

	if dep.HourlyRate <= 0 {
		// Free plan: keep the watermark current without touching the ledger.
		return r.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
			DeploymentID: dep.ID,
			LastBilledAt: &now,
		})
	}

	chargeCents, billedSeconds := Charge(dep.HourlyRate, elapsed)
	if chargeCents == 0 {
		// Sub-cent accrual; leave the watermark so the remainder carries.
		return nil
	}

	reference := dep.ID + "@" + now.Format(time.RFC3339)
	_, err := r.ledger.Debit(ctx, dep.UserID, chargeCents, "usage: "+dep.Name, &reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			suspensionsTotal.Inc()
			r.logger.Info("balance exhausted, suspending", "deployment_id", dep.ID, "user_id", dep.UserID, "owed", chargeCents.String())
			if enqueueErr := r.queue.Enqueue(deployment.Job{DeploymentID: dep.ID, Kind: deployment.JobSuspend, Reason: reasonInsufficientFunds}); enqueueErr != nil {
				return enqueueErr
			}
			return nil
		}
		return err
	}

	billedAt := watermark.Add(time.Duration(billedSeconds) * time.Second)
	if err := r.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: dep.ID,
		LastBilledAt: &billedAt,
	}); err != nil {
		// The debit landed but the watermark did not. Surface loudly: the
		// next tick will re-charge this window until the update sticks.
		r.logger.Error("charged but failed to advance watermark", "deployment_id", dep.ID, "amount", chargeCents.String(), "error", err)
		return err
	}

	chargedCentsTotal.Add(float64(chargeCents))
	r.logger.Info("usage charged", "deployment_id", dep.ID, "user_id", dep.UserID, "amount", chargeCents.String(), "seconds", billedSeconds)
	return nil
}

// Charge converts elapsed running time at an hourly rate into whole cents
// and the exact number of seconds those cents pay for. The remainder below
// one cent stays unbilled until it accumulates.
func Charge(rate domain.MicroUSD, elapsed time.Duration) (domain.Cents, int64) {
	elapsedSeconds := int64(elapsed / time.Second)
	if elapsedSeconds <= 0 || rate <= 0 {
		return 0, 0
	}
	chargeMicros := elapsedSeconds * int64(rate) / 3600
	chargeCents := domain.MicroUSD(chargeMicros).Cents()
	if chargeCents == 0 {
		return 0, 0
	}
	billedSeconds := int64(chargeCents.Micros()) * 3600 / int64(rate)
	return chargeCents, billedSeconds
}
