// Package types defines core data structures for the inkwell engine.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// EntityType discriminates the structured units extracted from notes.
type EntityType string

// Entity type constants
const (
	TypeTask     EntityType = "task"
	TypeDecision EntityType = "decision"
	TypeInsight  EntityType = "insight"
)

// IsValid checks if the entity type is one of the known kinds.
func (t EntityType) IsValid() bool {
	switch t {
	case TypeTask, TypeDecision, TypeInsight:
		return true
	}
	return false
}

// EntityStatus is the per-type lifecycle state of an entity.
type EntityStatus string

// Entity status constants. Validity depends on the entity type:
// tasks move captured -> needs_action -> in_progress -> done,
// decisions move pending -> decided, insights captured -> acknowledged.
const (
	StatusCaptured     EntityStatus = "captured"
	StatusNeedsAction  EntityStatus = "needs_action"
	StatusInProgress   EntityStatus = "in_progress"
	StatusDone         EntityStatus = "done"
	StatusPending      EntityStatus = "pending"
	StatusDecided      EntityStatus = "decided"
	StatusAcknowledged EntityStatus = "acknowledged"
)

// statusSets maps each entity type to its permitted statuses.
var statusSets = map[EntityType][]EntityStatus{
	TypeTask:     {StatusCaptured, StatusNeedsAction, StatusInProgress, StatusDone},
	TypeDecision: {StatusPending, StatusDecided},
	TypeInsight:  {StatusCaptured, StatusAcknowledged},
}

// ValidFor checks if the status is permitted for the given entity type.
func (s EntityStatus) ValidFor(t EntityType) bool {
	for _, v := range statusSets[t] {
		if s == v {
			return true
		}
	}
	return false
}

// StatusesFor returns the permitted status set for an entity type.
func StatusesFor(t EntityType) []EntityStatus {
	out := make([]EntityStatus, len(statusSets[t]))
	copy(out, statusSets[t])
	return out
}

// DefaultStatus returns the initial status for a newly created entity of type t.
func DefaultStatus(t EntityType) EntityStatus {
	switch t {
	case TypeDecision:
		return StatusPending
	default:
		return StatusCaptured
	}
}

// Evidence is a literal quote from a raw note supporting an extracted field.
type Evidence struct {
	RawNoteID   string `json:"rawNoteId"`
	Quote       string `json:"quote"`
	StartOffset *int   `json:"startOffset,omitempty"`
	EndOffset   *int   `json:"endOffset,omitempty"`
	Permalink   string `json:"permalink,omitempty"`
}

// FieldConfidence carries one extracted field value with its confidence score
// and the indexes of the evidence items that support it.
type FieldConfidence struct {
	Value        json.RawMessage `json:"value"`
	Confidence   float64         `json:"confidence"`
	EvidenceRefs []int           `json:"evidenceRefs,omitempty"`
}

// FieldConfidences maps a field path ("type", "projectId", "attributes.dueDate")
// to its extracted value and score. Materialization walks this table once.
type FieldConfidences map[string]FieldConfidence

// Min returns the smallest confidence in the table, or 1 when empty.
func (fc FieldConfidences) Min() float64 {
	min := 1.0
	for _, f := range fc {
		if f.Confidence < min {
			min = f.Confidence
		}
	}
	return min
}

// AIMeta records per-entity provenance for AI-produced fields.
type AIMeta struct {
	Model            string           `json:"model"`
	PromptVersion    string           `json:"promptVersion"`
	RunID            string           `json:"runId"`
	FieldConfidences FieldConfidences `json:"fieldConfidences,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// Attributes is the type-dependent structured payload of an entity.
// Shapes are validated on write against the per-type schema; readers
// discriminate on the entity type.
type Attributes map[string]any

// Entity is the central unit: a task, decision, or insight extracted from a
// note or created directly by a user.
type Entity struct {
	ID            string       `json:"id"`
	Type          EntityType   `json:"type"`
	Content       string       `json:"content"`
	Status        EntityStatus `json:"status"`
	ProjectID     *string      `json:"projectId,omitempty"`
	EpicID        *string      `json:"epicId,omitempty"`
	ParentTaskID  *string      `json:"parentTaskId,omitempty"` // only valid when Type == task
	AssigneeID    *string      `json:"assigneeId,omitempty"`
	Confidence    float64      `json:"confidence"` // 1.0 for user-created entities
	Attributes    Attributes   `json:"attributes,omitempty"`
	AIMeta        *AIMeta      `json:"aiMeta,omitempty"`
	Evidence      []Evidence   `json:"evidence,omitempty"`
	Tags          []string     `json:"tags,omitempty"`          // populated on read
	SourceNoteIDs []string     `json:"sourceNoteIds,omitempty"` // populated on read
	DeletedAt     *time.Time   `json:"deletedAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Validate checks the entity's structural invariants.
func (e *Entity) Validate() error {
	if len(e.Content) == 0 {
		return fmt.Errorf("content is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid entity type: %s", e.Type)
	}
	if !e.Status.ValidFor(e.Type) {
		return fmt.Errorf("status %q is not valid for type %q", e.Status, e.Type)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1] (got %v)", e.Confidence)
	}
	if e.ParentTaskID != nil && e.Type != TypeTask {
		return fmt.Errorf("parentTaskId is only valid for tasks")
	}
	if e.EpicID != nil && e.ProjectID == nil {
		return fmt.Errorf("epicId requires projectId")
	}
	for i, ev := range e.Evidence {
		if ev.RawNoteID == "" {
			return fmt.Errorf("evidence[%d]: rawNoteId is required", i)
		}
		if ev.Quote == "" {
			return fmt.Errorf("evidence[%d]: quote is required", i)
		}
	}
	return nil
}

// SetDefaults fills zero-value fields for a new entity: the type-specific
// initial status and full confidence for user-created rows.
func (e *Entity) SetDefaults() {
	if e.Status == "" {
		e.Status = DefaultStatus(e.Type)
	}
	if e.Confidence == 0 && e.AIMeta == nil {
		e.Confidence = 1.0
	}
}

// IsDeleted reports whether the entity is soft-deleted.
func (e *Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// NoteSource identifies where a raw note was captured.
type NoteSource string

// Note source constants
const (
	SourceCLI               NoteSource = "cli"
	SourceSlack             NoteSource = "slack"
	SourceVoiceMemo         NoteSource = "voice_memo"
	SourceMeetingTranscript NoteSource = "meeting_transcript"
	SourceObsidian          NoteSource = "obsidian"
	SourceMCP               NoteSource = "mcp"
	SourceAPI               NoteSource = "api"
)

// IsValid checks if the note source is one of the known sources.
func (s NoteSource) IsValid() bool {
	switch s {
	case SourceCLI, SourceSlack, SourceVoiceMemo, SourceMeetingTranscript, SourceObsidian, SourceMCP, SourceAPI:
		return true
	}
	return false
}

// RawNote is the append-only record of ingested text.
type RawNote struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Source      NoteSource     `json:"source"`
	SourceMeta  map[string]any `json:"sourceMeta,omitempty"`
	ExternalID  *string        `json:"externalId,omitempty"`
	DedupeHash  string         `json:"-"` // internal idempotency key when ExternalID is absent
	CapturedAt  time.Time      `json:"capturedAt"`
	CapturedBy  *string        `json:"capturedBy,omitempty"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Validate checks the note's required fields.
func (n *RawNote) Validate() error {
	if len(n.Content) == 0 {
		return fmt.Errorf("content is required")
	}
	if !n.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", n.Source)
	}
	return nil
}

// ComputeDedupeHash derives the idempotency key for notes captured without an
// external id. Identical (source, content, capturedBy) tuples collapse to one
// note regardless of when they arrive.
func (n *RawNote) ComputeDedupeHash() string {
	h := sha256.New()
	h.Write([]byte(n.Source))
	h.Write([]byte{0})
	h.Write([]byte(n.Content))
	h.Write([]byte{0})
	if n.CapturedBy != nil {
		h.Write([]byte(*n.CapturedBy))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RelationshipType labels a directed edge between two entities.
type RelationshipType string

// Relationship type constants
const (
	RelDerivedFrom RelationshipType = "derived_from"
	RelRelatedTo   RelationshipType = "related_to"
	RelDuplicateOf RelationshipType = "duplicate_of"
	RelBlocks      RelationshipType = "blocks"
)

// IsValid checks if the relationship type is one of the known labels.
func (r RelationshipType) IsValid() bool {
	switch r {
	case RelDerivedFrom, RelRelatedTo, RelDuplicateOf, RelBlocks:
		return true
	}
	return false
}

// Relationship is a directed labelled edge between two entities.
// Self-loops are permitted only for related_to.
type Relationship struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"sourceId"`
	TargetID  string           `json:"targetId"`
	Type      RelationshipType `json:"type"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Validate checks the edge's structural invariants.
func (r *Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("sourceId and targetId are required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid relationship type: %s", r.Type)
	}
	if r.SourceID == r.TargetID && r.Type != RelRelatedTo {
		return fmt.Errorf("self-loops are only permitted for %s", RelRelatedTo)
	}
	return nil
}

// LineageDirection selects which way a lineage walk traverses edges.
type LineageDirection string

// Lineage direction constants
const (
	LineageUp   LineageDirection = "up"
	LineageDown LineageDirection = "down"
	LineageBoth LineageDirection = "both"
)

// IsValid checks if the direction is one of up, down, or both.
func (d LineageDirection) IsValid() bool {
	switch d {
	case LineageUp, LineageDown, LineageBoth:
		return true
	}
	return false
}

// LineageNode is one entity in a lineage walk, annotated with the depth at
// which it was reached and the edge that led there. Edge is a relationship
// type or "parent_task" for parent edges.
type LineageNode struct {
	Entity *Entity `json:"entity"`
	Depth  int     `json:"depth"`
	Edge   string  `json:"edge,omitempty"`
	FromID string  `json:"fromId,omitempty"`
}

// DefaultLineageDepth caps lineage walks that do not specify one.
const DefaultLineageDepth = 10

// Tag is a lowercase label attachable to entities.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
