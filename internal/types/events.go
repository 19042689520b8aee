package types

import (
	"fmt"
	"time"
)

// EventType classifies entries in an entity's append-only event log.
type EventType string

// Entity event type constants
const (
	EventCreated          EventType = "created"
	EventComment          EventType = "comment"
	EventStatusChange     EventType = "status_change"
	EventAssignmentChange EventType = "assignment_change"
	EventFieldUpdate      EventType = "field_update"
	EventReviewResolved   EventType = "review_resolved"
)

// IsValid checks if the event type is one of the known kinds.
func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventComment, EventStatusChange, EventAssignmentChange,
		EventFieldUpdate, EventReviewResolved:
		return true
	}
	return false
}

// EntityEvent is one row in an entity's audit log. Rows are strictly ordered
// by (createdAt, id) and are never deleted.
type EntityEvent struct {
	ID          string         `json:"id"`
	EntityID    string         `json:"entityId"`
	Type        EventType      `json:"type"`
	ActorUserID *string        `json:"actorUserId,omitempty"` // nil for AI-driven writes
	RawNoteID   *string        `json:"rawNoteId,omitempty"`
	Body        *string        `json:"body,omitempty"`
	OldStatus   *EntityStatus  `json:"oldStatus,omitempty"`
	NewStatus   *EntityStatus  `json:"newStatus,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Validate checks the event's structural invariants.
func (e *EntityEvent) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	if e.Type == EventStatusChange {
		if e.OldStatus == nil || e.NewStatus == nil {
			return fmt.Errorf("status_change events require oldStatus and newStatus")
		}
		if *e.OldStatus == *e.NewStatus {
			return fmt.Errorf("status_change events require oldStatus != newStatus")
		}
	}
	if e.Type == EventComment && (e.Body == nil || *e.Body == "") {
		return fmt.Errorf("comment events require a body")
	}
	return nil
}

// SortOrder selects ascending or descending iteration for list queries.
type SortOrder string

// Sort order constants
const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// IsValid checks if the order is asc or desc.
func (o SortOrder) IsValid() bool {
	return o == OrderAsc || o == OrderDesc
}
