package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

const serverColumns = `id, name, hostname, ip_address, port, status, location,
	cpu_cores, memory_mb, disk_gb, allocated_cpu, allocated_memory_mb, allocated_disk_gb,
	created_at, updated_at`

// GetServerByID fetches a server with its allocation counters.
func (r *Repository) GetServerByID(ctx context.Context, serverID string) (*domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, serverID)
	server, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return server, nil
}

// ListServersByStatus returns servers in the given status ordered by id, so
// placement tie-breaking is reproducible.
func (r *Repository) ListServersByStatus(ctx context.Context, status string) ([]domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE status = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

// ReserveCapacity adds the requirements to a server's allocation. The guard
// in the WHERE clause makes concurrent reservations safe: a reservation that
// would exceed capacity matches no row and fails with ErrCapacityExceeded.
func (r *Repository) ReserveCapacity(ctx context.Context, serverID string, req domain.Requirements) error {
	const update = `UPDATE servers SET
			allocated_cpu = allocated_cpu + $2,
			allocated_memory_mb = allocated_memory_mb + $3,
			allocated_disk_gb = allocated_disk_gb + $4,
			updated_at = NOW()
		WHERE id = $1
			AND status = 'active'
			AND allocated_cpu + $2 <= cpu_cores
			AND allocated_memory_mb + $3 <= memory_mb
			AND allocated_disk_gb + $4 <= disk_gb`
	tag, err := r.pool.Exec(ctx, update, serverID, req.CPUCores, req.MemoryMB, req.DiskGB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM servers WHERE id = $1)`, serverID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrCapacityExceeded
	}
	return nil
}

// ReleaseCapacity subtracts the requirements from a server's allocation,
// clamping at zero.
func (r *Repository) ReleaseCapacity(ctx context.Context, serverID string, req domain.Requirements) error {
	const update = `UPDATE servers SET
			allocated_cpu = GREATEST(allocated_cpu - $2, 0),
			allocated_memory_mb = GREATEST(allocated_memory_mb - $3, 0),
			allocated_disk_gb = GREATEST(allocated_disk_gb - $4, 0),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, update, serverID, req.CPUCores, req.MemoryMB, req.DiskGB)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanServer(row pgx.Row) (*domain.Server, error) {
	var (
		s        domain.Server
		location sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Hostname,
		&s.IPAddress,
		&s.Port,
		&s.Status,
		&location,
		&s.CPUCores,
		&s.MemoryMB,
		&s.DiskGB,
		&s.AllocatedCPU,
		&s.AllocatedMemoryMB,
		&s.AllocatedDiskGB,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if location.Valid {
		s.Location = location.String
	}
	return &s, nil
}
