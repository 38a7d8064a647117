package placement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/repository"
)

type fakeServerRepo struct {
	mu      sync.Mutex
	servers map[string]*domain.Server
}

func newFakeServerRepo(servers ...domain.Server) *fakeServerRepo {
	repo := &fakeServerRepo{servers: make(map[string]*domain.Server)}
	for i := range servers {
		s := servers[i]
		repo.servers[s.ID] = &s
	}
	return repo
}

func (f *fakeServerRepo) GetServerByID(_ context.Context, serverID string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *server
	return &copied, nil
}

func (f *fakeServerRepo) ListServersByStatus(_ context.Context, status string) ([]domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Server
	for _, server := range f.servers {
		if server.Status == status {
			out = append(out, *server)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeServerRepo) ReserveCapacity(_ context.Context, serverID string, req domain.Requirements) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	if !server.Fits(req) {
		return repository.ErrCapacityExceeded
	}
	server.AllocatedCPU += req.CPUCores
	server.AllocatedMemoryMB += req.MemoryMB
	server.AllocatedDiskGB += req.DiskGB
	return nil
}

func (f *fakeServerRepo) ReleaseCapacity(_ context.Context, serverID string, req domain.Requirements) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	server.AllocatedCPU -= req.CPUCores
	server.AllocatedMemoryMB -= req.MemoryMB
	server.AllocatedDiskGB -= req.DiskGB
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func activeServer(id string, cpu, memoryMB, diskGB, usedCPU, usedMemoryMB, usedDiskGB int) domain.Server {
	return domain.Server{
		ID:                id,
		Status:            domain.ServerActive,
		CPUCores:          cpu,
		MemoryMB:          memoryMB,
		DiskGB:            diskGB,
		AllocatedCPU:      usedCPU,
		AllocatedMemoryMB: usedMemoryMB,
		AllocatedDiskGB:   usedDiskGB,
	}
}

func TestSelectServerPicksLeastLoaded(t *testing.T) {
	repo := newFakeServerRepo(
		activeServer("server-a", 8, 16000, 500, 6, 8000, 100),
		activeServer("server-b", 8, 16000, 500, 1, 2000, 50),
	)
	planner := New(repo, testLogger())

	server, err := planner.SelectServer(context.Background(), domain.Requirements{CPUCores: 1, MemoryMB: 1000, DiskGB: 10})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if server.ID != "server-b" {
		t.Fatalf("expected least-loaded server-b, got %s", server.ID)
	}
}

func TestSelectServerTieBreaksByLowestID(t *testing.T) {
	repo := newFakeServerRepo(
		activeServer("server-b", 8, 16000, 500, 0, 0, 0),
		activeServer("server-a", 8, 16000, 500, 0, 0, 0),
	)
	planner := New(repo, testLogger())

	server, err := planner.SelectServer(context.Background(), domain.Requirements{CPUCores: 1, MemoryMB: 1000, DiskGB: 10})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if server.ID != "server-a" {
		t.Fatalf("expected lowest-id server-a on tie, got %s", server.ID)
	}
}

func TestSelectServerRequiresEveryDimension(t *testing.T) {
	// Plenty of CPU but not enough memory anywhere.
	repo := newFakeServerRepo(
		activeServer("server-a", 32, 1000, 500, 0, 900, 0),
	)
	planner := New(repo, testLogger())

	_, err := planner.SelectServer(context.Background(), domain.Requirements{CPUCores: 1, MemoryMB: 512, DiskGB: 10})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestSelectServerSkipsInactive(t *testing.T) {
	idle := activeServer("server-a", 8, 16000, 500, 0, 0, 0)
	idle.Status = domain.ServerMaintenance
	repo := newFakeServerRepo(idle)
	planner := New(repo, testLogger())

	_, err := planner.SelectServer(context.Background(), domain.Requirements{CPUCores: 1, MemoryMB: 100, DiskGB: 1})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity with only maintenance servers, got %v", err)
	}
}

func TestSelectServerReservesCapacity(t *testing.T) {
	repo := newFakeServerRepo(activeServer("server-a", 4, 8000, 100, 0, 0, 0))
	planner := New(repo, testLogger())
	req := domain.Requirements{CPUCores: 2, MemoryMB: 4000, DiskGB: 50}

	if _, err := planner.SelectServer(context.Background(), req); err != nil {
		t.Fatalf("first select failed: %v", err)
	}
	if _, err := planner.SelectServer(context.Background(), req); err != nil {
		t.Fatalf("second select failed: %v", err)
	}
	if _, err := planner.SelectServer(context.Background(), req); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity once full, got %v", err)
	}

	server, _ := repo.GetServerByID(context.Background(), "server-a")
	if server.AllocatedCPU != 4 || server.AllocatedMemoryMB != 8000 || server.AllocatedDiskGB != 100 {
		t.Fatalf("unexpected allocation %d/%d/%d", server.AllocatedCPU, server.AllocatedMemoryMB, server.AllocatedDiskGB)
	}
}

func TestConcurrentSelectNeverOversubscribes(t *testing.T) {
	// 8 slots on a single server, 32 contenders.
	repo := newFakeServerRepo(activeServer("server-a", 8, 64000, 800, 0, 0, 0))
	planner := New(repo, testLogger())
	req := domain.Requirements{CPUCores: 1, MemoryMB: 8000, DiskGB: 100}

	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := planner.SelectServer(context.Background(), req); err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if placed != 8 {
		t.Fatalf("expected exactly 8 placements, got %d", placed)
	}
	server, _ := repo.GetServerByID(context.Background(), "server-a")
	if server.AllocatedCPU > server.CPUCores {
		t.Fatalf("server oversubscribed: %d/%d", server.AllocatedCPU, server.CPUCores)
	}
}

func TestReleaseUnknownServerTolerated(t *testing.T) {
	planner := New(newFakeServerRepo(), testLogger())
	if err := planner.Release(context.Background(), "ghost", domain.Requirements{CPUCores: 1}); err != nil {
		t.Fatalf("release on unknown server should be tolerated, got %v", err)
	}
}
