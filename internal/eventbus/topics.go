package eventbus

import "github.com/inkwell-pm/inkwell/internal/types"

// Topic names an event stream. Each topic carries a fixed payload shape.
type Topic string

// Topic constants
const (
	TopicEntityCreated    Topic = "entity:created"
	TopicEntityUpdated    Topic = "entity:updated"
	TopicEntityEventAdded Topic = "entity:event_added"
	TopicNoteProcessed    Topic = "raw_note:processed"
	TopicReviewCreated    Topic = "review_queue:created"
	TopicReviewResolved   Topic = "review_queue:resolved"
	TopicProjectStats     Topic = "project:stats_updated"
)

// IsValid checks if the topic is one of the known streams.
func (t Topic) IsValid() bool {
	switch t {
	case TopicEntityCreated, TopicEntityUpdated, TopicEntityEventAdded,
		TopicNoteProcessed, TopicReviewCreated, TopicReviewResolved, TopicProjectStats:
		return true
	}
	return false
}

// Event is one published record. Payload is one of the payload structs below
// for locally published events, or raw JSON for events injected from another
// process by the bridge. Origin is empty for local events.
type Event struct {
	Topic   Topic  `json:"topic"`
	Payload any    `json:"payload"`
	Origin  string `json:"origin,omitempty"`
}

// EntityCreated is the payload for entity:created.
type EntityCreated struct {
	ID   string           `json:"id"`
	Type types.EntityType `json:"type"`
}

// EntityUpdated is the payload for entity:updated.
type EntityUpdated struct {
	ID string `json:"id"`
}

// EntityEventAdded is the payload for entity:event_added.
type EntityEventAdded struct {
	EntityID string          `json:"entityId"`
	EventID  string          `json:"eventId"`
	Type     types.EventType `json:"type"`
}

// NoteProcessed is the payload for raw_note:processed.
type NoteProcessed struct {
	RawNoteID string   `json:"rawNoteId"`
	EntityIDs []string `json:"entityIds"`
}

// ReviewCreated is the payload for review_queue:created.
type ReviewCreated struct {
	ID         string           `json:"id"`
	ReviewType types.ReviewType `json:"reviewType"`
	EntityID   *string          `json:"entityId,omitempty"`
	ProjectID  *string          `json:"projectId,omitempty"`
}

// ReviewResolved is the payload for review_queue:resolved.
type ReviewResolved struct {
	ID     string             `json:"id"`
	Status types.ReviewStatus `json:"status"`
}

// ProjectStatsUpdated is the payload for project:stats_updated.
type ProjectStatsUpdated struct {
	ProjectID string `json:"projectId"`
}
