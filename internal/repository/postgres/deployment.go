package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

const deploymentColumns = `id, user_id, template_id, plan_id, server_id, name, status, status_reason,
	hourly_rate_micros, container_id, env_vars, port_mappings, custom_domain, connection_info,
	created_at, updated_at, deployed_at, last_accessed_at, last_billed_at`

// CreateDeployment inserts a deployment record. A live deployment name is
// unique per owner; violations map to ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	envVars, err := marshalEnvVars(deployment.EnvVars)
	if err != nil {
		return err
	}
	portMappings, err := marshalPortMappings(deployment.PortMappings)
	if err != nil {
		return err
	}
	const insert = `INSERT INTO deployments (id, user_id, template_id, plan_id, server_id, name, status, status_reason,
			hourly_rate_micros, container_id, env_vars, port_mappings, custom_domain, connection_info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, insert,
		deployment.ID,
		deployment.UserID,
		deployment.TemplateID,
		deployment.PlanID,
		stringPtrToNil(deployment.ServerID),
		deployment.Name,
		deployment.Status,
		deployment.StatusReason,
		deployment.HourlyRate,
		stringPtrToNil(deployment.ContainerID),
		bytesToNil(envVars),
		bytesToNil(portMappings),
		stringPtrToNil(deployment.CustomDomain),
		stringPtrToNil(deployment.ConnectionInfo),
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	deployment, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// ListDeploymentsByOwner returns a user's deployments, newest first, with
// deleted ones excluded.
func (r *Repository) ListDeploymentsByOwner(ctx context.Context, userID string, limit, offset int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE user_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsByStatus returns all deployments in a status, used by the
// metering loop.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// UpdateDeployment applies a partial update; nil fields keep current values.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	var portMappings []byte
	if update.PortMappings != nil {
		data, err := marshalPortMappings(update.PortMappings)
		if err != nil {
			return err
		}
		portMappings = data
	}
	const query = `UPDATE deployments SET
			status = COALESCE($2, status),
			status_reason = COALESCE($3, status_reason),
			container_id = CASE WHEN $4 THEN NULL ELSE COALESCE($5, container_id) END,
			connection_info = COALESCE($6, connection_info),
			port_mappings = COALESCE($7, port_mappings),
			deployed_at = COALESCE($8, deployed_at),
			last_billed_at = COALESCE($9, last_billed_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(update.Status),
		update.StatusReason,
		update.ClearContainer,
		stringPtrToNil(update.ContainerID),
		stringPtrToNil(update.ConnectionInfo),
		bytesToNil(portMappings),
		timePtrToNil(update.DeployedAt),
		timePtrToNil(update.LastBilledAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TouchLastAccessed records when a deployment was last read.
func (r *Repository) TouchLastAccessed(ctx context.Context, deploymentID string, at time.Time) error {
	const query = `UPDATE deployments SET last_accessed_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d              domain.Deployment
		serverID       sql.NullString
		containerID    sql.NullString
		envVars        []byte
		portMappings   []byte
		customDomain   sql.NullString
		connectionInfo sql.NullString
		deployedAt     sql.NullTime
		lastAccessedAt sql.NullTime
		lastBilledAt   sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.TemplateID,
		&d.PlanID,
		&serverID,
		&d.Name,
		&d.Status,
		&d.StatusReason,
		&d.HourlyRate,
		&containerID,
		&envVars,
		&portMappings,
		&customDomain,
		&connectionInfo,
		&d.CreatedAt,
		&d.UpdatedAt,
		&deployedAt,
		&lastAccessedAt,
		&lastBilledAt,
	); err != nil {
		return nil, err
	}
	if serverID.Valid {
		value := serverID.String
		d.ServerID = &value
	}
	if containerID.Valid {
		value := containerID.String
		d.ContainerID = &value
	}
	if customDomain.Valid {
		value := customDomain.String
		d.CustomDomain = &value
	}
	if connectionInfo.Valid {
		value := connectionInfo.String
		d.ConnectionInfo = &value
	}
	if deployedAt.Valid {
		value := deployedAt.Time.UTC()
		d.DeployedAt = &value
	}
	if lastAccessedAt.Valid {
		value := lastAccessedAt.Time.UTC()
		d.LastAccessedAt = &value
	}
	if lastBilledAt.Valid {
		value := lastBilledAt.Time.UTC()
		d.LastBilledAt = &value
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &d.EnvVars); err != nil {
			return nil, err
		}
	}
	if len(portMappings) > 0 {
		raw := map[string]int{}
		if err := json.Unmarshal(portMappings, &raw); err != nil {
			return nil, err
		}
		d.PortMappings = make(map[int]int, len(raw))
		for key, hostPort := range raw {
			containerPort, err := strconv.Atoi(key)
			if err != nil {
				return nil, err
			}
			d.PortMappings[containerPort] = hostPort
		}
	}
	return &d, nil
}

func marshalEnvVars(envVars map[string]string) ([]byte, error) {
	if len(envVars) == 0 {
		return nil, nil
	}
	return json.Marshal(envVars)
}

// marshalPortMappings stores container→host port pairs as a JSON object with
// string keys.
func marshalPortMappings(portMappings map[int]int) ([]byte, error) {
	if len(portMappings) == 0 {
		return nil, nil
	}
	raw := make(map[string]int, len(portMappings))
	for containerPort, hostPort := range portMappings {
		raw[strconv.Itoa(containerPort)] = hostPort
	}
	return json.Marshal(raw)
}
