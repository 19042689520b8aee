package types

import (
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

// Project status constants
const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// IsValid checks if the project status is known.
func (s ProjectStatus) IsValid() bool {
	return s == ProjectActive || s == ProjectArchived
}

// Project is a named container for epics and entities.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description *string       `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Validate checks the project's required fields.
func (p *Project) Validate() error {
	if len(p.Name) == 0 {
		return fmt.Errorf("name is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid project status: %s", p.Status)
	}
	return nil
}

// SetDefaults marks a new project active when no status was given.
func (p *Project) SetDefaults() {
	if p.Status == "" {
		p.Status = ProjectActive
	}
}

// EpicCreator records whether an epic was made by a user or proposed by the
// organization stage and accepted through review.
type EpicCreator string

// Epic creator constants
const (
	CreatorUser EpicCreator = "user"
	CreatorAI   EpicCreator = "ai"
)

// IsValid checks if the creator label is known.
func (c EpicCreator) IsValid() bool {
	return c == CreatorUser || c == CreatorAI
}

// Epic is a sub-container within exactly one project.
type Epic struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"projectId"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	CreatedBy   EpicCreator `json:"createdBy"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Validate checks the epic's required fields.
func (e *Epic) Validate() error {
	if len(e.Name) == 0 {
		return fmt.Errorf("name is required")
	}
	if e.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if !e.CreatedBy.IsValid() {
		return fmt.Errorf("invalid createdBy: %s", e.CreatedBy)
	}
	return nil
}

// EpicProgress is one epic's task completion summary on a project dashboard.
type EpicProgress struct {
	Epic      *Epic   `json:"epic"`
	TaskCount int     `json:"taskCount"`
	DoneCount int     `json:"doneCount"`
	Progress  float64 `json:"progress"` // DoneCount/TaskCount, 0 when no tasks
}

// ProjectDashboard aggregates a project's current state for display.
type ProjectDashboard struct {
	Project        *Project             `json:"project"`
	TasksByStatus  map[EntityStatus]int `json:"tasksByStatus"`
	OpenDecisions  []*Entity            `json:"openDecisions"`
	RecentInsights []*Entity            `json:"recentInsights"`
	Epics          []EpicProgress       `json:"epics"`
}
