package pipeline

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/extract"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/organize"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// HandleExtract runs the extraction pass for one captured note. Re-delivery
// of an already processed note skips straight to re-enqueueing the follow-up
// jobs, so a crash between commit and enqueue converges instead of
// duplicating entities.
func (p *Pipeline) HandleExtract(ctx context.Context, job *jobs.Job) error {
	var payload ExtractPayload
	if err := job.Unmarshal(&payload); err != nil {
		return jobs.Fatal(err)
	}
	note, err := p.store.GetNote(ctx, payload.NoteID)
	if err != nil {
		return err
	}
	if note.Processed {
		ids, err := p.noteEntityIDs(ctx, note.ID)
		if err != nil {
			return err
		}
		p.logger.Info("note already processed, re-enqueueing follow-ups",
			zap.String("noteId", note.ID),
			zap.Int("entities", len(ids)))
		return p.enqueueFollowUps(ctx, ids)
	}

	out, err := p.extract.Run(ctx, extract.FromNote(note))
	if err != nil {
		return err
	}
	res, err := p.materializeExtraction(ctx, note, out)
	if err != nil {
		return err
	}
	p.logger.Info("note extracted",
		zap.String("noteId", note.ID),
		zap.String("runId", out.RunID),
		zap.Int("entities", len(res.entityIDs)),
		zap.Int("reviews", res.reviews))
	return p.enqueueFollowUps(ctx, res.entityIDs)
}

// noteEntityIDs lists the live entities previously derived from a note.
func (p *Pipeline) noteEntityIDs(ctx context.Context, noteID string) ([]string, error) {
	entities, _, err := p.store.ListEntities(ctx,
		types.EntityFilter{RawNoteID: &noteID},
		types.Page{Limit: types.MaxPageLimit})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// enqueueFollowUps schedules organization and embeddings for each entity.
// The entity id doubles as the job key, so the retry after a partial enqueue
// failure dedups against whatever the first pass managed to book.
func (p *Pipeline) enqueueFollowUps(ctx context.Context, entityIDs []string) error {
	for _, id := range entityIDs {
		if _, _, err := p.queue.Enqueue(ctx, jobs.QueueOrganize, id, OrganizePayload{EntityID: id}); err != nil {
			return err
		}
		if _, _, err := p.queue.Enqueue(ctx, jobs.QueueEmbeddings, id, EmbeddingsPayload{EntityID: id}); err != nil {
			return err
		}
	}
	return nil
}

// HandleOrganize runs the placement pass for one entity and materializes the
// proposals. Deleted entities are skipped: they were folded into a duplicate
// or removed while the job waited.
func (p *Pipeline) HandleOrganize(ctx context.Context, job *jobs.Job) error {
	var payload OrganizePayload
	if err := job.Unmarshal(&payload); err != nil {
		return jobs.Fatal(err)
	}
	entity, err := p.store.GetEntity(ctx, payload.EntityID)
	if err != nil {
		return err
	}
	if entity.IsDeleted() {
		p.logger.Info("skipping organization of deleted entity",
			zap.String("entityId", entity.ID))
		return nil
	}
	in, err := p.organizeInput(ctx, entity)
	if err != nil {
		return err
	}
	out, err := p.organize.Run(ctx, *in)
	if err != nil {
		return err
	}
	res, err := p.materializeOrganization(ctx, entity.ID, out)
	if err != nil {
		return err
	}
	p.logger.Info("entity organized",
		zap.String("entityId", entity.ID),
		zap.String("runId", out.RunID),
		zap.Strings("applied", res.applied),
		zap.Int("reviews", res.reviews),
		zap.String("duplicateOf", res.duplicateOf),
		zap.String("createdEpicId", res.createdEpicID))
	return nil
}

// organizeInput assembles the context batches for one entity: active
// projects, their epics, recent entities and the user directory. The stage
// validates every proposed id against exactly these lists.
func (p *Pipeline) organizeInput(ctx context.Context, entity *types.Entity) (*organize.Input, error) {
	active := types.ProjectActive
	projects, _, err := p.store.ListProjects(ctx,
		types.ProjectFilter{Status: &active},
		types.Page{Limit: types.MaxPageLimit})
	if err != nil {
		return nil, err
	}
	var epics []*types.Epic
	for _, project := range projects {
		batch, _, err := p.store.ListEpics(ctx,
			types.EpicFilter{ProjectID: project.ID},
			types.Page{Limit: types.MaxPageLimit})
		if err != nil {
			return nil, err
		}
		epics = append(epics, batch...)
	}
	batch, _, err := p.store.ListEntities(ctx,
		types.EntityFilter{},
		types.Page{Limit: p.recent + 1})
	if err != nil {
		return nil, err
	}
	recent := make([]*types.Entity, 0, p.recent)
	for _, e := range batch {
		if e.ID == entity.ID {
			continue
		}
		recent = append(recent, e)
		if len(recent) == p.recent {
			break
		}
	}
	users, err := p.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return &organize.Input{
		Entity:   entity,
		Projects: projects,
		Epics:    epics,
		Recent:   recent,
		Users:    users,
	}, nil
}

// HandleReprocess returns a note to the unprocessed state, clears the prior
// run's aiMeta from its entities, and queues a fresh extraction. The entities
// themselves survive: reprocessing layers a new pass on top, it does not
// undo reviews or user edits.
func (p *Pipeline) HandleReprocess(ctx context.Context, job *jobs.Job) error {
	var payload ReprocessPayload
	if err := job.Unmarshal(&payload); err != nil {
		return jobs.Fatal(err)
	}
	entities, _, err := p.store.ListEntities(ctx,
		types.EntityFilter{RawNoteID: &payload.NoteID},
		types.Page{Limit: types.MaxPageLimit})
	if err != nil {
		return err
	}
	err = p.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.ResetNoteProcessing(ctx, payload.NoteID); err != nil {
			return err
		}
		for _, e := range entities {
			if e.AIMeta == nil {
				continue
			}
			if _, err := tx.PatchEntity(ctx, e.ID, map[string]any{"aiMeta": nil}, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// No job key: the capture-time dedup entry for this note may still be
	// live, and the fresh extraction must not collapse into it.
	if _, _, err := p.queue.Enqueue(ctx, jobs.QueueExtract, "", ExtractPayload{NoteID: payload.NoteID}); err != nil {
		return err
	}
	p.logger.Info("note queued for reprocessing",
		zap.String("noteId", payload.NoteID),
		zap.Int("entities", len(entities)))
	return nil
}

// HandleEmbeddings computes and stores the embedding vector for one entity.
func (p *Pipeline) HandleEmbeddings(ctx context.Context, job *jobs.Job) error {
	var payload EmbeddingsPayload
	if err := job.Unmarshal(&payload); err != nil {
		return jobs.Fatal(err)
	}
	entity, err := p.store.GetEntity(ctx, payload.EntityID)
	if err != nil {
		return err
	}
	if entity.IsDeleted() {
		return nil
	}
	return p.store.UpsertEntityEmbedding(ctx, entity.ID, embeddingModel, embedText(entity.Content))
}

// HandleTrainingExport writes the window's resolved reviews to a JSONL file
// under the export directory. A zero window defaults to the 24 hours ending
// now.
func (p *Pipeline) HandleTrainingExport(ctx context.Context, job *jobs.Job) error {
	var payload TrainingExportPayload
	if err := job.Unmarshal(&payload); err != nil {
		return jobs.Fatal(err)
	}
	until := payload.Until
	if until.IsZero() {
		until = time.Now().UTC()
	}
	since := payload.Since
	if since.IsZero() {
		since = until.Add(-24 * time.Hour)
	}
	if err := os.MkdirAll(p.exportDir, 0o755); err != nil {
		return jobs.Fatal(err)
	}
	_, _, err := p.reviews.ExportTrainingData(ctx, p.exportDir, since, until)
	return err
}
