package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
	"github.com/appdotbuilder/appfleet/internal/service/catalog"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
)

// Errors surfaced to callers.
var (
	ErrInvalidName         = errors.New("deployment: name must be 1-63 characters of letters, numbers, hyphens and underscores")
	ErrNameTaken           = errors.New("deployment: name already in use")
	ErrInsufficientBalance = errors.New("deployment: insufficient balance")
	ErrForbidden           = errors.New("deployment: not the owner")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,63}$`)

// Queue accepts asynchronous transition jobs.
type Queue interface {
	Enqueue(job Job) error
}

// CreateInput is the request to provision a new deployment.
type CreateInput struct {
	OwnerID      string
	TemplateID   string
	PlanID       string
	Name         string
	EnvOverrides map[string]string
	CustomDomain string
}

// Service owns deployment lifecycle. All status mutations flow through it
// and its worker; request handlers never block on the container backend.
type Service struct {
	deployments repository.DeploymentRepository
	catalog     catalog.Service
	ledger      ledger.Service
	planner     placement.Planner
	queue       Queue
	events      StatusPublisher
	logger      *slog.Logger

	minBalanceHours int
	pageSize        int
	hostPortMin     int
	hostPortMax     int

	now      func() time.Time
	hostPort func(min, max int) int
}

// New returns a deployment service.
func New(deployments repository.DeploymentRepository, catalogSvc catalog.Service, ledgerSvc ledger.Service, planner placement.Planner, queue Queue, events StatusPublisher, logger *slog.Logger, minBalanceHours, pageSize, hostPortMin, hostPortMax int) *Service {
	if minBalanceHours <= 0 {
		minBalanceHours = 24
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if hostPortMin <= 0 || hostPortMax <= hostPortMin {
		hostPortMin, hostPortMax = 30000, 65535
	}
	return &Service{
		deployments:     deployments,
		catalog:         catalogSvc,
		ledger:          ledgerSvc,
		planner:         planner,
		queue:           queue,
		events:          events,
		logger:          logger.With("component", "deployment"),
		minBalanceHours: minBalanceHours,
		pageSize:        pageSize,
		hostPortMin:     hostPortMin,
		hostPortMax:     hostPortMax,
		now:             time.Now,
		hostPort: func(min, max int) int {
			return min + rand.Intn(max-min+1)
		},
	}
}

// Create provisions a deployment: admission (balance), placement
// (capacity), then a pending record and an asynchronous start. A failure
// after the reservation releases it, so no half-provisioned deployment is
// ever observable.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Deployment, error) {
	if !namePattern.MatchString(input.Name) {
		return nil, ErrInvalidName
	}

	template, err := s.catalog.ActiveTemplate(ctx, input.TemplateID)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.ActivePlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}

	minCost := plan.PricePerHour.CentsForHours(s.minBalanceHours)
	affordable, err := s.ledger.CanAfford(ctx, input.OwnerID, minCost)
	if err != nil {
		return nil, fmt.Errorf("affordability check: %w", err)
	}
	if !affordable {
		return nil, ErrInsufficientBalance
	}

	server, err := s.planner.SelectServer(ctx, plan.Requirements())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		ID:           uuid.NewString(),
		UserID:       input.OwnerID,
		TemplateID:   template.ID,
		PlanID:       plan.ID,
		ServerID:     &server.ID,
		Name:         input.Name,
		Status:       domain.StatusPending,
		HourlyRate:   plan.PricePerHour,
		EnvVars:      resolveEnv(template.EnvVars, input.EnvOverrides),
		PortMappings: s.assignPorts(template.ExposedPorts),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.CustomDomain != "" {
		deployment.CustomDomain = &input.CustomDomain
	}

	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		if releaseErr := s.planner.Release(ctx, server.ID, plan.Requirements()); releaseErr != nil {
			s.logger.Error("failed to release reservation after create failure", "server_id", server.ID, "error", releaseErr)
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("persist deployment: %w", err)
	}

	s.publishStatus(deployment.ID, domain.StatusPending, "")
	if err := s.queue.Enqueue(Job{DeploymentID: deployment.ID, Kind: JobStart}); err != nil {
		s.logger.Error("failed to enqueue start", "deployment_id", deployment.ID, "error", err)
		s.forceStatus(ctx, deployment.ID, domain.StatusFailed, "start could not be scheduled: "+err.Error())
		deployment.Status = domain.StatusFailed
		return deployment, nil
	}

	s.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"user_id", input.OwnerID,
		"template", template.Slug,
		"plan", plan.Slug,
		"server_id", server.ID)
	return deployment, nil
}

// Transition validates and accepts a lifecycle action. The backend work
// happens on the worker; the caller observes the intermediate status and
// polls or subscribes to events.
func (s *Service) Transition(ctx context.Context, userID, deploymentID string, action Action) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if userID != "" && deployment.UserID != userID {
		return ErrForbidden
	}
	if err := CanApply(deployment.Status, action); err != nil {
		return err
	}

	var job Job
	switch action {
	case ActionStart:
		// The worker re-enters the pending leg under the deployment's
		// lock; no status is written here.
		job = Job{DeploymentID: deploymentID, Kind: JobStart}
	case ActionStop:
		job = Job{DeploymentID: deploymentID, Kind: JobStop}
	case ActionRestart:
		job = Job{DeploymentID: deploymentID, Kind: JobRestart}
	case ActionSuspend:
		job = Job{DeploymentID: deploymentID, Kind: JobSuspend}
	case ActionDelete:
		job = Job{DeploymentID: deploymentID, Kind: JobDelete}
	default:
		return &InvalidTransitionError{Current: deployment.Status, Action: action}
	}

	if err := s.queue.Enqueue(job); err != nil {
		return fmt.Errorf("enqueue %s: %w", action, err)
	}
	s.logger.Info("transition accepted", "deployment_id", deploymentID, "action", action, "from", deployment.Status)
	return nil
}

// Get returns a deployment after an ownership check and records the access.
func (s *Service) Get(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if userID != "" && deployment.UserID != userID {
		return nil, ErrForbidden
	}
	if err := s.deployments.TouchLastAccessed(ctx, deploymentID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to record access", "deployment_id", deploymentID, "error", err)
	}
	return deployment, nil
}

// List returns a page of the owner's deployments.
func (s *Service) List(ctx context.Context, userID string, page int) ([]domain.Deployment, error) {
	if page < 1 {
		page = 1
	}
	return s.deployments.ListDeploymentsByOwner(ctx, userID, s.pageSize, (page-1)*s.pageSize)
}

func (s *Service) assignPorts(exposed []int) map[int]int {
	if len(exposed) == 0 {
		exposed = []int{3000}
	}
	ports := make(map[int]int, len(exposed))
	for _, containerPort := range exposed {
		ports[containerPort] = s.hostPort(s.hostPortMin, s.hostPortMax)
	}
	return ports
}

func (s *Service) forceStatus(ctx context.Context, deploymentID, status, reason string) {
	if err := s.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID: deploymentID,
		Status:       status,
		StatusReason: &reason,
	}); err != nil {
		s.logger.Error("failed to update status", "deployment_id", deploymentID, "status", status, "error", err)
		return
	}
	s.publishStatus(deploymentID, status, reason)
}

func (s *Service) publishStatus(deploymentID, status, reason string) {
	publishStatus(s.events, s.now, deploymentID, status, reason)
}

// resolveEnv merges template defaults with user overrides, overrides
// winning.
func resolveEnv(defaults, overrides map[string]string) map[string]string {
	env := make(map[string]string, len(defaults)+len(overrides))
	for key, value := range defaults {
		env[key] = value
	}
	for key, value := range overrides {
		if key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func ptr[T any](v T) *T {
	return &v
}
