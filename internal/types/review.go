package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReviewType classifies what a review item asks a human to confirm.
type ReviewType string

// Review type constants
const (
	ReviewTypeClassification ReviewType = "type_classification"
	ReviewProjectAssignment  ReviewType = "project_assignment"
	ReviewProjectCreation    ReviewType = "project_creation"
	ReviewEpicAssignment     ReviewType = "epic_assignment"
	ReviewEpicCreation       ReviewType = "epic_creation"
	ReviewDuplicateDetection ReviewType = "duplicate_detection"
	ReviewLowConfidence      ReviewType = "low_confidence"
	ReviewAssigneeSuggestion ReviewType = "assignee_suggestion"
)

// IsValid checks if the review type is one of the known kinds.
func (t ReviewType) IsValid() bool {
	switch t {
	case ReviewTypeClassification, ReviewProjectAssignment, ReviewProjectCreation,
		ReviewEpicAssignment, ReviewEpicCreation, ReviewDuplicateDetection,
		ReviewLowConfidence, ReviewAssigneeSuggestion:
		return true
	}
	return false
}

// ReviewStatus is the state of a review item. pending is the only
// non-terminal state.
type ReviewStatus string

// Review status constants
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
	ReviewModified ReviewStatus = "modified"
)

// IsValid checks if the review status is known.
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewPending, ReviewAccepted, ReviewRejected, ReviewModified:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the item's lifecycle.
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewAccepted || s == ReviewRejected || s == ReviewModified
}

// ReviewItem is one entry in the review queue. At least one of EntityID and
// ProjectID is set. AISuggestion and UserResolution are review-type-shaped
// JSON bodies; see the suggestion structs below.
type ReviewItem struct {
	ID              string          `json:"id"`
	EntityID        *string         `json:"entityId,omitempty"`
	ProjectID       *string         `json:"projectId,omitempty"`
	ReviewType      ReviewType      `json:"reviewType"`
	Status          ReviewStatus    `json:"status"`
	AISuggestion    json.RawMessage `json:"aiSuggestion,omitempty"`
	AIConfidence    float64         `json:"aiConfidence"`
	ResolvedBy      *string         `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	UserResolution  json.RawMessage `json:"userResolution,omitempty"`
	TrainingComment *string         `json:"trainingComment,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Validate checks the review item's structural invariants.
func (r *ReviewItem) Validate() error {
	if r.EntityID == nil && r.ProjectID == nil {
		return fmt.Errorf("at least one of entityId and projectId is required")
	}
	if !r.ReviewType.IsValid() {
		return fmt.Errorf("invalid review type: %s", r.ReviewType)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid review status: %s", r.Status)
	}
	if r.AIConfidence < 0 || r.AIConfidence > 1 {
		return fmt.Errorf("aiConfidence must be in [0,1] (got %v)", r.AIConfidence)
	}
	return nil
}

// Suggestion bodies, one shape per review type. The same shapes are accepted
// as userResolution on modify.

// TypeSuggestion is the body for type_classification reviews.
type TypeSuggestion struct {
	SuggestedType EntityType `json:"suggestedType"`
}

// ProjectSuggestion is the body for project_assignment reviews.
type ProjectSuggestion struct {
	SuggestedProjectID string `json:"suggestedProjectId"`
}

// ProjectProposal is the body for project_creation reviews.
type ProjectProposal struct {
	ProposedProjectName string `json:"proposedProjectName"`
	ProposedDescription string `json:"proposedDescription,omitempty"`
}

// EpicSuggestion is the body for epic_assignment reviews.
type EpicSuggestion struct {
	SuggestedEpicID string `json:"suggestedEpicId"`
}

// EpicProposal is the body for epic_creation reviews.
type EpicProposal struct {
	ProposedEpicName        string   `json:"proposedEpicName"`
	ProposedEpicDescription string   `json:"proposedEpicDescription,omitempty"`
	ProposedEpicProjectID   string   `json:"proposedEpicProjectId"`
	CandidateEntityIDs      []string `json:"candidateEntityIds"`
}

// DuplicateSuggestion is the body for duplicate_detection reviews.
type DuplicateSuggestion struct {
	DuplicateEntityID string  `json:"duplicateEntityId"`
	SimilarityScore   float64 `json:"similarityScore,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// AssigneeSuggestion is the body for assignee_suggestion reviews.
type AssigneeSuggestion struct {
	SuggestedAssigneeID string `json:"suggestedAssigneeId"`
}

// FieldSuggestion is the body for low_confidence reviews: the raw field table
// entry that fell below the threshold.
type FieldSuggestion struct {
	FieldPath string          `json:"fieldPath"`
	Value     json.RawMessage `json:"value"`
}

// Resolution is one requested state change for a review item.
type Resolution struct {
	ID              string          `json:"id"`
	Status          ReviewStatus    `json:"status"`
	UserResolution  json.RawMessage `json:"userResolution,omitempty"`
	TrainingComment *string         `json:"trainingComment,omitempty"`
}

// Validate checks that the requested resolution is well-formed: only terminal
// target states are permitted, and modify requires a replacement body.
func (r *Resolution) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("resolution status must be accepted, rejected, or modified (got %q)", r.Status)
	}
	if r.Status == ReviewModified && len(r.UserResolution) == 0 {
		return fmt.Errorf("modified resolutions require userResolution")
	}
	return nil
}

// BatchOutcomeStatus is the per-item result of a batch resolve.
type BatchOutcomeStatus string

// Batch outcome constants
const (
	BatchApplied BatchOutcomeStatus = "applied"
	BatchFailed  BatchOutcomeStatus = "failed"
	BatchSkipped BatchOutcomeStatus = "skipped"
)

// BatchOutcome reports what happened to one resolution in a batch. Items
// after the first failure are skipped.
type BatchOutcome struct {
	ID     string             `json:"id"`
	Status BatchOutcomeStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}
