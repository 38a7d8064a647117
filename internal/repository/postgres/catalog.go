package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

const templateColumns = `id, name, slug, description, image, kind, env_vars, exposed_ports, icon, is_active, created_at, updated_at`

// GetTemplateByID fetches a template.
func (r *Repository) GetTemplateByID(ctx context.Context, templateID string) (*domain.Template, error) {
	const query = `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, templateID)
	template, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return template, nil
}

// ListActiveTemplates returns templates available for new deployments.
func (r *Repository) ListActiveTemplates(ctx context.Context) ([]domain.Template, error) {
	const query = `SELECT ` + templateColumns + ` FROM templates WHERE is_active ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := make([]domain.Template, 0)
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *template)
	}
	return templates, rows.Err()
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var (
		t            domain.Template
		envVars      []byte
		exposedPorts []byte
		icon         sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.Image, &t.Kind, &envVars, &exposedPorts, &icon, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if icon.Valid {
		t.Icon = icon.String
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &t.EnvVars); err != nil {
			return nil, err
		}
	}
	if len(exposedPorts) > 0 {
		if err := json.Unmarshal(exposedPorts, &t.ExposedPorts); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

const planColumns = `id, name, slug, description, price_per_hour_micros, cpu_cores, memory_mb, disk_gb, bandwidth_gb, is_active, created_at, updated_at`

// GetPlanByID fetches a plan.
func (r *Repository) GetPlanByID(ctx context.Context, planID string) (*domain.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, planID)
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return plan, nil
}

// ListActivePlans returns plans available for new deployments.
func (r *Repository) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM plans WHERE is_active ORDER BY price_per_hour_micros`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]domain.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		p         domain.Plan
		bandwidth sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.PricePerHour, &p.CPUCores, &p.MemoryMB, &p.DiskGB, &bandwidth, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if bandwidth.Valid {
		value := int(bandwidth.Int64)
		p.BandwidthGB = &value
	}
	return &p, nil
}
