package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

// Errors surfaced to callers.
var (
	ErrInvalidTemplate = errors.New("catalog: template missing or inactive")
	ErrInvalidPlan     = errors.New("catalog: plan missing or inactive")
)

// Service reads the template and plan catalog. The catalog itself is
// maintained externally; deployments only consume it.
type Service struct {
	catalog repository.CatalogRepository
}

// New returns a catalog service.
func New(catalog repository.CatalogRepository) Service {
	return Service{catalog: catalog}
}

// ActiveTemplate fetches a template that must be active at deployment
// creation time.
func (s Service) ActiveTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	template, err := s.catalog.GetTemplateByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidTemplate
		}
		return nil, fmt.Errorf("fetch template %s: %w", templateID, err)
	}
	if !template.Active {
		return nil, ErrInvalidTemplate
	}
	return template, nil
}

// ActivePlan fetches a plan that must be active at deployment creation time.
func (s Service) ActivePlan(ctx context.Context, planID string) (*domain.Plan, error) {
	plan, err := s.catalog.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidPlan
		}
		return nil, fmt.Errorf("fetch plan %s: %w", planID, err)
	}
	if !plan.Active {
		return nil, ErrInvalidPlan
	}
	return plan, nil
}

// ListTemplates returns templates available for new deployments.
func (s Service) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	return s.catalog.ListActiveTemplates(ctx)
}

// ListPlans returns plans available for new deployments.
func (s Service) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return s.catalog.ListActivePlans(ctx)
}
