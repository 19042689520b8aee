package review

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// applyResolution dispatches the per-type effect for one resolution. Accept
// applies the stored AI suggestion, modify applies the user's body in the
// same shape, reject applies the clear action.
func applyResolution(ctx context.Context, tx storage.Tx, item *types.ReviewItem, res types.Resolution, actor *string) error {
	if res.Status == types.ReviewRejected {
		return applyClear(ctx, tx, item, actor)
	}

	body := item.AISuggestion
	if res.Status == types.ReviewModified {
		body = res.UserResolution
	}

	switch item.ReviewType {
	case types.ReviewTypeClassification:
		var s types.TypeSuggestion
		if err := decodeSuggestion(body, &s); err != nil {
			return err
		}
		if !s.SuggestedType.IsValid() {
			return fault.Validation(fmt.Sprintf("invalid suggested type %q", s.SuggestedType),
				fault.Issue{Path: "suggestedType", Message: "must be task, decision, or insight"})
		}
		id, err := targetEntity(item)
		if err != nil {
			return err
		}
		// PatchEntity resets the status to the new type's default when the
		// type changes without an explicit status.
		_, err = tx.PatchEntity(ctx, id, map[string]any{"type": string(s.SuggestedType)}, actor)
		return err

	case types.ReviewProjectAssignment:
		var s types.ProjectSuggestion
		if err := decodeSuggestion(body, &s); err != nil {
			return err
		}
		if s.SuggestedProjectID == "" {
			return requiredField("suggestedProjectId")
		}
		id, err := targetEntity(item)
		if err != nil {
			return err
		}
		_, err = tx.PatchEntity(ctx, id, map[string]any{"projectId": s.SuggestedProjectID}, actor)
		return err

	case types.ReviewProjectCreation:
		var p types.ProjectProposal
		if err := decodeSuggestion(body, &p); err != nil {
			return err
		}
		project, err := CreateProposedProject(ctx, tx, p)
		if err != nil {
			return err
		}
		if item.EntityID == nil {
			return nil
		}
		_, err = tx.PatchEntity(ctx, *item.EntityID, map[string]any{"projectId": project.ID}, actor)
		return err

	case types.ReviewEpicAssignment:
		var s types.EpicSuggestion
		if err := decodeSuggestion(body, &s); err != nil {
			return err
		}
		if s.SuggestedEpicID == "" {
			return requiredField("suggestedEpicId")
		}
		id, err := targetEntity(item)
		if err != nil {
			return err
		}
		_, err = tx.PatchEntity(ctx, id, map[string]any{"epicId": s.SuggestedEpicID}, actor)
		return err

	case types.ReviewEpicCreation:
		var p types.EpicProposal
		if err := decodeSuggestion(body, &p); err != nil {
			return err
		}
		_, err := CreateProposedEpic(ctx, tx, p, item.AIConfidence)
		return err

	case types.ReviewDuplicateDetection:
		var s types.DuplicateSuggestion
		if err := decodeSuggestion(body, &s); err != nil {
			return err
		}
		id, err := targetEntity(item)
		if err != nil {
			return err
		}
		return SetDuplicate(ctx, tx, id, s, actor)

	case types.ReviewAssigneeSuggestion:
		var s types.AssigneeSuggestion
		if err := decodeSuggestion(body, &s); err != nil {
			return err
		}
		if s.SuggestedAssigneeID == "" {
			return requiredField("suggestedAssigneeId")
		}
		id, err := targetEntity(item)
		if err != nil {
			return err
		}
		_, err = tx.PatchEntity(ctx, id, map[string]any{"assigneeId": s.SuggestedAssigneeID}, actor)
		return err

	case types.ReviewLowConfidence:
		// Training signal only; there is nothing to apply.
		if res.Status == types.ReviewModified {
			return fault.Validation("low_confidence reviews carry no applicable action; accept or reject them")
		}
		return nil
	}
	return fault.Internal(fmt.Errorf("unhandled review type %q", item.ReviewType))
}

// applyClear is the reject action: assignment suggestions clear their field,
// every other type leaves the graph untouched.
func applyClear(ctx context.Context, tx storage.Tx, item *types.ReviewItem, actor *string) error {
	var field string
	switch item.ReviewType {
	case types.ReviewProjectAssignment:
		field = "projectId"
	case types.ReviewEpicAssignment:
		field = "epicId"
	case types.ReviewAssigneeSuggestion:
		field = "assigneeId"
	default:
		return nil
	}
	id, err := targetEntity(item)
	if err != nil {
		return err
	}
	_, err = tx.PatchEntity(ctx, id, map[string]any{field: nil}, actor)
	return err
}

// SetDuplicate records entityID as a duplicate of the suggested canonical
// entity: a duplicate_of edge plus a soft delete of the duplicate. Lineage
// keeps the deleted entity reachable from the canonical one.
func SetDuplicate(ctx context.Context, tx storage.Tx, entityID string, s types.DuplicateSuggestion, actor *string) error {
	if s.DuplicateEntityID == "" {
		return requiredField("duplicateEntityId")
	}
	if s.DuplicateEntityID == entityID {
		return fault.Validation("an entity cannot duplicate itself",
			fault.Issue{Path: "duplicateEntityId", Message: "self-reference"})
	}

	rel := &types.Relationship{
		SourceID: entityID,
		TargetID: s.DuplicateEntityID,
		Type:     types.RelDuplicateOf,
	}
	meta := map[string]any{}
	if s.SimilarityScore > 0 {
		meta["similarityScore"] = s.SimilarityScore
	}
	if s.Reason != "" {
		meta["reason"] = s.Reason
	}
	if len(meta) > 0 {
		rel.Metadata = meta
	}

	if _, err := tx.AddRelationship(ctx, rel); err != nil {
		return err
	}
	return tx.SoftDeleteEntity(ctx, entityID, actor)
}

// CreateProposedEpic creates the epic an organization run proposed and queues
// one pending epic_assignment review per candidate entity pointing at it.
// The pending-uniqueness index makes requeuing the same candidates a no-op.
func CreateProposedEpic(ctx context.Context, tx storage.Tx, p types.EpicProposal, confidence float64) (*types.Epic, error) {
	if p.ProposedEpicName == "" {
		return nil, requiredField("proposedEpicName")
	}
	if p.ProposedEpicProjectID == "" {
		return nil, requiredField("proposedEpicProjectId")
	}

	epic := &types.Epic{
		ProjectID: p.ProposedEpicProjectID,
		Name:      p.ProposedEpicName,
		CreatedBy: types.CreatorAI,
	}
	if p.ProposedEpicDescription != "" {
		epic.Description = &p.ProposedEpicDescription
	}
	created, err := tx.CreateEpic(ctx, epic)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(types.EpicSuggestion{SuggestedEpicID: created.ID})
	if err != nil {
		return nil, fault.Internal(err)
	}
	for _, entityID := range p.CandidateEntityIDs {
		item := &types.ReviewItem{
			EntityID:     &entityID,
			ProjectID:    &created.ProjectID,
			ReviewType:   types.ReviewEpicAssignment,
			AISuggestion: body,
			AIConfidence: confidence,
		}
		if _, _, err := tx.CreateReviewItem(ctx, item); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// CreateProposedProject creates the project a project_creation review
// proposed. The project starts active.
func CreateProposedProject(ctx context.Context, tx storage.Tx, p types.ProjectProposal) (*types.Project, error) {
	if p.ProposedProjectName == "" {
		return nil, requiredField("proposedProjectName")
	}
	project := &types.Project{Name: p.ProposedProjectName}
	if p.ProposedDescription != "" {
		project.Description = &p.ProposedDescription
	}
	return tx.CreateProject(ctx, project)
}

func decodeSuggestion(body json.RawMessage, v any) error {
	if len(body) == 0 || string(body) == "{}" || string(body) == "null" {
		return fault.Validation("suggestion body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Validation(fmt.Sprintf("malformed suggestion body: %v", err))
	}
	return nil
}

func targetEntity(item *types.ReviewItem) (string, error) {
	if item.EntityID == nil {
		return "", fault.Internal(fmt.Errorf("%s review %s has no entity", item.ReviewType, item.ID))
	}
	return *item.EntityID, nil
}

func requiredField(path string) error {
	return fault.Validation(path+" is required", fault.Issue{Path: path, Message: "required"})
}
