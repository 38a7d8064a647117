package domain

import "time"

// Plan is a resource and price tier. Once a deployment references a plan the
// deployment keeps its own copy of the committed hourly rate, so editing a
// plan never reprices running workloads.
type Plan struct {
	ID           string
	Name         string
	Slug         string
	Description  string
	PricePerHour MicroUSD
	CPUCores     int
	MemoryMB     int
	DiskGB       int
	BandwidthGB  *int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Requirements captures the capacity a plan demands from a server.
type Requirements struct {
	CPUCores int
	MemoryMB int
	DiskGB   int
}

// Requirements returns the placement requirements for the plan.
func (p Plan) Requirements() Requirements {
	return Requirements{CPUCores: p.CPUCores, MemoryMB: p.MemoryMB, DiskGB: p.DiskGB}
}
