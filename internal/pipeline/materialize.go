package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/extract"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/organize"
	"github.com/inkwell-pm/inkwell/internal/review"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// extractionResult reports what one extraction materialization wrote.
type extractionResult struct {
	entityIDs []string
	reviews   int
}

// materializeExtraction persists one extraction under a single transaction:
// the entities with provenance and evidence, their source links and
// relationships, one review per sub-threshold field, and the processed flag
// on the note. Staged events reach the bus only on commit, so a failed run
// leaves nothing behind for the retry to trip over. A run with zero entities
// still marks the note processed.
func (p *Pipeline) materializeExtraction(ctx context.Context, note *types.RawNote, out *extract.Output) (*extractionResult, error) {
	res := &extractionResult{}
	err := p.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		ids := make([]string, 0, len(out.Entities))
		for i := range out.Entities {
			candidate := &out.Entities[i]
			created, err := tx.CreateEntity(ctx, buildEntity(note, out, candidate), nil)
			if err != nil {
				return err
			}
			if err := tx.LinkEntitySource(ctx, created.ID, note.ID); err != nil {
				return err
			}
			queued, err := p.queueFieldReviews(ctx, tx, created, candidate)
			if err != nil {
				return err
			}
			res.reviews += queued
			ids = append(ids, created.ID)
		}
		for _, rel := range out.Relationships {
			_, err := tx.AddRelationship(ctx, &types.Relationship{
				SourceID: ids[rel.SourceIndex],
				TargetID: ids[rel.TargetIndex],
				Type:     rel.Type,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.MarkNoteProcessed(ctx, note.ID); err != nil {
			return err
		}
		tx.Publish(eventbus.TopicNoteProcessed, eventbus.NoteProcessed{
			RawNoteID: note.ID,
			EntityIDs: ids,
		})
		res.entityIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// buildEntity maps one extracted candidate onto a storable entity, stamping
// run provenance and deriving evidence permalinks where the capture metadata
// allows it.
func buildEntity(note *types.RawNote, out *extract.Output, candidate *extract.ExtractedEntity) *types.Entity {
	evidence := make([]types.Evidence, len(candidate.Evidence))
	copy(evidence, candidate.Evidence)
	for i := range evidence {
		evidence[i].Permalink = permalink(note, evidence[i])
	}
	return &types.Entity{
		Type:       candidate.Type,
		Content:    candidate.Content,
		Confidence: candidate.Confidence,
		Attributes: candidate.Attributes,
		AIMeta: &types.AIMeta{
			Model:            out.Model,
			PromptVersion:    out.PromptVersion,
			RunID:            out.RunID,
			FieldConfidences: candidate.Fields,
			Warnings:         candidate.Warnings,
		},
		Evidence: evidence,
	}
}

// permalink points evidence back at its origin. Slack messages carry one in
// the capture metadata; Obsidian notes get a file url anchored at the span
// start. Other sources have no stable address.
func permalink(note *types.RawNote, ev types.Evidence) string {
	switch note.Source {
	case types.SourceSlack:
		if link, ok := note.SourceMeta["permalink"].(string); ok {
			return link
		}
	case types.SourceObsidian:
		path, _ := note.SourceMeta["filePath"].(string)
		if path == "" {
			return ""
		}
		if ev.StartOffset != nil {
			return fmt.Sprintf("file://%s#%d", path, *ev.StartOffset)
		}
		return "file://" + path
	}
	return ""
}

// queueFieldReviews files one pending review per sub-threshold extracted
// field: the type field as a type_classification, anything else as a
// low_confidence item carrying the raw field entry. The entity keeps the
// extracted values either way; accepting the review is what changes them.
func (p *Pipeline) queueFieldReviews(ctx context.Context, tx storage.Tx, entity *types.Entity, candidate *extract.ExtractedEntity) (int, error) {
	paths := make([]string, 0, len(candidate.Fields))
	for path := range candidate.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	queued := 0
	for _, path := range paths {
		field := candidate.Fields[path]
		if field.Confidence >= p.threshold {
			continue
		}
		item := &types.ReviewItem{
			EntityID:     &entity.ID,
			ReviewType:   types.ReviewLowConfidence,
			AIConfidence: field.Confidence,
		}
		var body any = types.FieldSuggestion{FieldPath: path, Value: field.Value}
		if path == "type" {
			item.ReviewType = types.ReviewTypeClassification
			body = types.TypeSuggestion{SuggestedType: entity.Type}
		}
		inserted, err := queueReview(ctx, tx, item, body)
		if err != nil {
			return 0, err
		}
		if inserted {
			queued++
		}
	}
	return queued, nil
}

// organizationResult reports what one organization materialization wrote.
type organizationResult struct {
	applied       []string
	reviews       int
	duplicateOf   string
	createdEpicID string
}

// materializeOrganization applies one organization run under a single
// transaction. Assignments at or above the threshold land in one batched
// patch together with the refreshed aiMeta, so the entity emits a single
// entity:updated for the run. Everything below the threshold queues a
// review. Only the top duplicate candidate and the top epic proposal are
// considered; lower-ranked ones are dropped rather than piling onto the
// queue.
func (p *Pipeline) materializeOrganization(ctx context.Context, entityID string, out *organize.Output) (*organizationResult, error) {
	res := &organizationResult{}
	err := p.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		entity, err := tx.GetEntity(ctx, entityID)
		if err != nil {
			return err
		}
		if entity.IsDeleted() {
			return nil
		}

		updates := map[string]any{}
		scored := types.FieldConfidences{}

		if s := out.Project; s != nil {
			scored["projectId"] = scoreOf(s)
			if s.Confidence >= p.threshold {
				updates["projectId"] = s.ID
				res.applied = append(res.applied, "projectId")
			} else {
				inserted, err := queueReview(ctx, tx, &types.ReviewItem{
					EntityID:     &entity.ID,
					ProjectID:    &s.ID,
					ReviewType:   types.ReviewProjectAssignment,
					AIConfidence: s.Confidence,
				}, types.ProjectSuggestion{SuggestedProjectID: s.ID})
				if err != nil {
					return err
				}
				if inserted {
					res.reviews++
				}
			}
		}

		if s := out.Epic; s != nil {
			scored["epicId"] = scoreOf(s)
			// The epic applies only when its project is the one the entity
			// will actually have after this patch.
			apply := false
			if s.Confidence >= p.threshold {
				epic, err := tx.GetEpic(ctx, s.ID)
				if err != nil {
					return err
				}
				project := entity.ProjectID
				if chosen, ok := updates["projectId"].(string); ok {
					project = &chosen
				}
				apply = project != nil && epic.ProjectID == *project
			}
			if apply {
				updates["epicId"] = s.ID
				res.applied = append(res.applied, "epicId")
			} else {
				inserted, err := queueReview(ctx, tx, &types.ReviewItem{
					EntityID:     &entity.ID,
					ProjectID:    entity.ProjectID,
					ReviewType:   types.ReviewEpicAssignment,
					AIConfidence: s.Confidence,
				}, types.EpicSuggestion{SuggestedEpicID: s.ID})
				if err != nil {
					return err
				}
				if inserted {
					res.reviews++
				}
			}
		}

		if s := out.Assignee; s != nil {
			scored["assigneeId"] = scoreOf(s)
			if s.Confidence >= p.threshold {
				updates["assigneeId"] = s.ID
				res.applied = append(res.applied, "assigneeId")
			} else {
				inserted, err := queueReview(ctx, tx, &types.ReviewItem{
					EntityID:     &entity.ID,
					ProjectID:    entity.ProjectID,
					ReviewType:   types.ReviewAssigneeSuggestion,
					AIConfidence: s.Confidence,
				}, types.AssigneeSuggestion{SuggestedAssigneeID: s.ID})
				if err != nil {
					return err
				}
				if inserted {
					res.reviews++
				}
			}
		}

		updates["aiMeta"] = mergeAIMeta(entity.AIMeta, out, scored)
		if _, err := tx.PatchEntity(ctx, entity.ID, updates, nil); err != nil {
			return err
		}

		if top := topDuplicate(out.Duplicates); top != nil {
			suggestion := types.DuplicateSuggestion{
				DuplicateEntityID: top.EntityID,
				SimilarityScore:   top.SimilarityScore,
				Reason:            top.Reason,
			}
			if top.Confidence >= p.threshold {
				if err := review.SetDuplicate(ctx, tx, entity.ID, suggestion, nil); err != nil {
					return err
				}
				res.duplicateOf = top.EntityID
			} else {
				inserted, err := queueReview(ctx, tx, &types.ReviewItem{
					EntityID:     &entity.ID,
					ProjectID:    entity.ProjectID,
					ReviewType:   types.ReviewDuplicateDetection,
					AIConfidence: top.Confidence,
				}, suggestion)
				if err != nil {
					return err
				}
				if inserted {
					res.reviews++
				}
			}
		}

		if top := topEpicProposal(out.EpicProposals); top != nil {
			proposal := types.EpicProposal{
				ProposedEpicName:        top.Name,
				ProposedEpicDescription: top.Description,
				ProposedEpicProjectID:   top.ProjectID,
				CandidateEntityIDs:      top.CandidateEntityIDs,
			}
			if top.Confidence >= p.threshold {
				epic, err := review.CreateProposedEpic(ctx, tx, proposal, top.Confidence)
				if err != nil {
					return err
				}
				res.createdEpicID = epic.ID
			} else {
				inserted, err := queueReview(ctx, tx, &types.ReviewItem{
					EntityID:     &entity.ID,
					ProjectID:    &top.ProjectID,
					ReviewType:   types.ReviewEpicCreation,
					AIConfidence: top.Confidence,
				}, proposal)
				if err != nil {
					return err
				}
				if inserted {
					res.reviews++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// queueReview files a pending review with the given suggestion body. It
// reports whether a row was actually inserted; the partial unique index
// collapses repeat insertions for everything except low_confidence.
func queueReview(ctx context.Context, tx storage.Tx, item *types.ReviewItem, body any) (bool, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return false, fault.Internal(err)
	}
	item.AISuggestion = raw
	_, existing, err := tx.CreateReviewItem(ctx, item)
	if err != nil {
		return false, err
	}
	return !existing, nil
}

// scoreOf renders an id suggestion as a field-confidence entry for aiMeta.
func scoreOf(s *organize.Suggestion) types.FieldConfidence {
	value, _ := json.Marshal(s.ID)
	return types.FieldConfidence{Value: value, Confidence: s.Confidence}
}

// mergeAIMeta folds an organization run's provenance into the entity's
// existing aiMeta. The run identity moves to the newest pass; extraction-era
// field scores survive unless this run rescored the field.
func mergeAIMeta(prev *types.AIMeta, out *organize.Output, scored types.FieldConfidences) *types.AIMeta {
	merged := &types.AIMeta{
		Model:            out.Model,
		PromptVersion:    out.PromptVersion,
		RunID:            out.RunID,
		FieldConfidences: make(types.FieldConfidences, len(scored)),
	}
	if prev != nil {
		merged.Warnings = prev.Warnings
		for path, field := range prev.FieldConfidences {
			merged.FieldConfidences[path] = field
		}
	}
	for path, field := range scored {
		merged.FieldConfidences[path] = field
	}
	return merged
}

// topDuplicate picks the highest-confidence candidate. Ties keep the first,
// which preserves the model's own ordering.
func topDuplicate(candidates []organize.DuplicateCandidate) *organize.DuplicateCandidate {
	var top *organize.DuplicateCandidate
	for i := range candidates {
		if top == nil || candidates[i].Confidence > top.Confidence {
			top = &candidates[i]
		}
	}
	return top
}

func topEpicProposal(proposals []organize.EpicProposalCandidate) *organize.EpicProposalCandidate {
	var top *organize.EpicProposalCandidate
	for i := range proposals {
		if top == nil || proposals[i].Confidence > top.Confidence {
			top = &proposals[i]
		}
	}
	return top
}
