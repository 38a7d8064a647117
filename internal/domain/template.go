package domain

import "time"

// Template kinds.
const (
	TemplateService  = "service"
	TemplateDatabase = "database"
)

// Template describes a launchable container image and its defaults.
type Template struct {
	ID           string
	Name         string
	Slug         string
	Description  string
	Image        string
	Kind         string
	EnvVars      map[string]string
	ExposedPorts []int
	Icon         string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
