package types

import "time"

// Pagination limits. Every list operation defaults to DefaultPageLimit rows
// and never returns more than MaxPageLimit.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Page describes one window of a cursor-paginated list. Limit 0 means the
// default; callers that reject an explicit zero do so before building a Page.
type Page struct {
	Limit  int
	Cursor string
}

// Normalized returns the effective limit and whether the requested limit was
// clamped to the maximum.
func (p Page) Normalized() (limit int, clamped bool) {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit, false
	case p.Limit > MaxPageLimit:
		return MaxPageLimit, true
	default:
		return p.Limit, false
	}
}

// EntityFilter selects entities for list queries. Nil pointer fields match
// anything; soft-deleted rows are excluded unless IncludeDeleted is set.
type EntityFilter struct {
	ProjectID      *string
	EpicID         *string
	Type           *EntityType
	Status         *EntityStatus
	AssigneeID     *string
	TagID          *string
	ParentTaskID   *string
	RawNoteID      *string // entities derived from this note
	IDs            []string
	ContentSearch  string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeDeleted bool
}

// NoteFilter selects raw notes for list queries.
type NoteFilter struct {
	Source     *NoteSource
	Processed  *bool
	CapturedBy *string
	Since      *time.Time
	Until      *time.Time
}

// ReviewFilter selects review items for list and count queries.
type ReviewFilter struct {
	Status     *ReviewStatus
	ReviewType *ReviewType
	ProjectID  *string
	EntityID   *string
}

// ProjectFilter selects projects. The default list shows active,
// not-deleted projects.
type ProjectFilter struct {
	Status         *ProjectStatus
	IncludeDeleted bool
}

// EpicFilter selects epics within one project.
type EpicFilter struct {
	ProjectID      string
	IncludeDeleted bool
}
