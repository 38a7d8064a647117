package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

// ErrNoCapacity indicates no active server can fit the requirements.
var ErrNoCapacity = errors.New("placement: no server with sufficient capacity")

// Planner selects placement targets under capacity constraints.
type Planner struct {
	servers repository.ServerRepository
	logger  *slog.Logger
}

// New returns a placement planner.
func New(servers repository.ServerRepository, logger *slog.Logger) Planner {
	return Planner{
		servers: servers,
		logger:  logger.With("component", "placement"),
	}
}

// SelectServer picks the least-loaded active server that fits the
// requirements on every dimension, breaking ties by lowest server id. The
// reservation is applied before returning; a concurrent placement that wins
// the capacity race simply moves selection to the next candidate.
func (p Planner) SelectServer(ctx context.Context, req domain.Requirements) (*domain.Server, error) {
	servers, err := p.servers.ListServersByStatus(ctx, domain.ServerActive)
	if err != nil {
		return nil, fmt.Errorf("list active servers: %w", err)
	}

	for {
		candidate := pickCandidate(servers, req)
		if candidate < 0 {
			return nil, ErrNoCapacity
		}
		server := servers[candidate]
		err := p.servers.ReserveCapacity(ctx, server.ID, req)
		if err == nil {
			server.AllocatedCPU += req.CPUCores
			server.AllocatedMemoryMB += req.MemoryMB
			server.AllocatedDiskGB += req.DiskGB
			p.logger.Info("server reserved",
				"server_id", server.ID,
				"cpu", req.CPUCores,
				"memory_mb", req.MemoryMB,
				"disk_gb", req.DiskGB)
			return &server, nil
		}
		if errors.Is(err, repository.ErrCapacityExceeded) || errors.Is(err, repository.ErrNotFound) {
			// Lost the race or the server went away; drop it and retry.
			servers = append(servers[:candidate], servers[candidate+1:]...)
			continue
		}
		return nil, fmt.Errorf("reserve capacity on %s: %w", server.ID, err)
	}
}

// Release returns a deployment's reserved capacity to its server.
func (p Planner) Release(ctx context.Context, serverID string, req domain.Requirements) error {
	if err := p.servers.ReleaseCapacity(ctx, serverID, req); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("release on unknown server", "server_id", serverID)
			return nil
		}
		return fmt.Errorf("release capacity on %s: %w", serverID, err)
	}
	p.logger.Info("server released",
		"server_id", serverID,
		"cpu", req.CPUCores,
		"memory_mb", req.MemoryMB,
		"disk_gb", req.DiskGB)
	return nil
}

// pickCandidate returns the index of the best-fitting server or -1. Servers
// arrive ordered by id, so the strict less-than keeps the lowest id on ties.
func pickCandidate(servers []domain.Server, req domain.Requirements) int {
	best := -1
	bestLoad := 0.0
	for i, server := range servers {
		if !server.Fits(req) {
			continue
		}
		load := server.LoadFraction(req)
		if best < 0 || load < bestLoad {
			best = i
			bestLoad = load
		}
	}
	return best
}
