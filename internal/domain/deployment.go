package domain

import "time"

// Deployment statuses. The set is closed; transitions between statuses are
// owned by the deployment state machine.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
	StatusDeleted   = "deleted"
)

// Deployment is a user's instance of a template on a plan, placed on a
// server. HourlyRate is the rate committed at creation time.
type Deployment struct {
	ID         string
	UserID     string
	TemplateID string
	PlanID     string
	ServerID   *string
	Name       string
	Status     string
	// StatusReason records the cause of the most recent failure or forced
	// transition, empty otherwise.
	StatusReason string

	HourlyRate   MicroUSD
	ContainerID  *string
	EnvVars      map[string]string
	PortMappings map[int]int
	CustomDomain *string
	// ConnectionInfo is the user-facing endpoint, set once running.
	ConnectionInfo *string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeployedAt     *time.Time
	LastAccessedAt *time.Time
	// LastBilledAt is the metering watermark. Charges are derived from the
	// persisted watermark, never from in-memory accumulators.
	LastBilledAt *time.Time
}

// Billable reports whether the deployment accrues usage charges.
func (d Deployment) Billable() bool {
	return d.Status == StatusRunning
}

// Terminal reports whether the deployment has reached its final status.
func (d Deployment) Terminal() bool {
	return d.Status == StatusDeleted
}

// DeploymentUpdate is a partial mutation applied by the state machine.
// Nil fields are left unchanged.
type DeploymentUpdate struct {
	DeploymentID   string
	Status         string
	StatusReason   *string
	ContainerID    *string
	ClearContainer bool
	ConnectionInfo *string
	PortMappings   map[int]int
	DeployedAt     *time.Time
	LastBilledAt   *time.Time
}
