package model

import "time"

// Script is a user-authored program with its own package environment.
// The CRUD layer owns everything here except IsActive, which may only be
// flipped on through the engine's eligibility gate.
type Script struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Dependencies []Dependency `json:"dependencies,omitempty"`
	Schedules    []Schedule   `json:"schedules,omitempty"`
}

// Dependency is a declared (package, version constraint) pair for a script.
// InstalledVersion is a cache of what the environment actually holds; the
// environment inspection is the source of truth, never this field.
type Dependency struct {
	ID               string `json:"id"`
	ScriptID         string `json:"script_id"`
	PackageName      string `json:"package_name"`
	VersionSpec      string `json:"version_spec"`
	InstalledVersion string `json:"installed_version,omitempty"`
}

// Requirement renders the dependency as a pip requirement string.
// A version spec of "" or "*" means "latest".
func (d Dependency) Requirement() string {
	if d.VersionSpec == "" || d.VersionSpec == "*" {
		return d.PackageName
	}
	return d.PackageName + d.VersionSpec
}

// Schedule attaches a cron expression to a script. Purely declarative;
// the scheduler only reads it.
type Schedule struct {
	ID             string    `json:"id"`
	ScriptID       string    `json:"script_id"`
	CronExpression string    `json:"cron_expression"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
