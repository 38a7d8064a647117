package repository

import (
	"context"
	"time"

	"github.com/appdotbuilder/appfleet/internal/domain"
)

// BalanceRepository owns balance and transaction-log persistence. Credit and
// Debit are single atomic units: the balance mutation and the log append
// commit together or not at all.
type BalanceRepository interface {
	GetBalance(ctx context.Context, userID string) (*domain.Balance, error)
	Credit(ctx context.Context, tx *domain.Transaction) (domain.Cents, error)
	Debit(ctx context.Context, tx *domain.Transaction) (domain.Cents, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error)
}

// CatalogRepository reads the template and plan catalog.
type CatalogRepository interface {
	GetTemplateByID(ctx context.Context, templateID string) (*domain.Template, error)
	GetPlanByID(ctx context.Context, planID string) (*domain.Plan, error)
	ListActiveTemplates(ctx context.Context) ([]domain.Template, error)
	ListActivePlans(ctx context.Context) ([]domain.Plan, error)
}

// ServerRepository persists placement targets. ReserveCapacity and
// ReleaseCapacity adjust allocation counters with a capacity guard so that
// concurrent reservations can never oversubscribe a server.
type ServerRepository interface {
	GetServerByID(ctx context.Context, serverID string) (*domain.Server, error)
	ListServersByStatus(ctx context.Context, status string) ([]domain.Server, error)
	ReserveCapacity(ctx context.Context, serverID string, req domain.Requirements) error
	ReleaseCapacity(ctx context.Context, serverID string, req domain.Requirements) error
}

// DeploymentRepository stores deployments.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByOwner(ctx context.Context, userID string, limit, offset int) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.Deployment, error)
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	TouchLastAccessed(ctx context.Context, deploymentID string, at time.Time) error
}
