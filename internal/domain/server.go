package domain

import "time"

// Server statuses.
const (
	ServerActive      = "active"
	ServerInactive    = "inactive"
	ServerMaintenance = "maintenance"
)

// Server is a placement target. Allocation counters are mutated only by the
// placement planner's reserve/release operations.
type Server struct {
	ID        string
	Name      string
	Hostname  string
	IPAddress string
	Port      int
	Status    string
	Location  string

	CPUCores int
	MemoryMB int
	DiskGB   int

	AllocatedCPU      int
	AllocatedMemoryMB int
	AllocatedDiskGB   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fits reports whether the server's remaining capacity covers the
// requirements on every dimension.
func (s Server) Fits(req Requirements) bool {
	return s.CPUCores-s.AllocatedCPU >= req.CPUCores &&
		s.MemoryMB-s.AllocatedMemoryMB >= req.MemoryMB &&
		s.DiskGB-s.AllocatedDiskGB >= req.DiskGB
}

// LoadFraction is the highest allocation fraction across dimensions after a
// hypothetical reservation of req. Lower means less loaded.
func (s Server) LoadFraction(req Requirements) float64 {
	load := fraction(s.AllocatedCPU+req.CPUCores, s.CPUCores)
	if f := fraction(s.AllocatedMemoryMB+req.MemoryMB, s.MemoryMB); f > load {
		load = f
	}
	if f := fraction(s.AllocatedDiskGB+req.DiskGB, s.DiskGB); f > load {
		load = f
	}
	return load
}

func fraction(used, capacity int) float64 {
	if capacity <= 0 {
		return 1
	}
	return float64(used) / float64(capacity)
}
