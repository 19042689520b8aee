// Package pipeline owns the note-to-structure flow. It registers the queue
// handlers (extraction, organization, reprocessing, embeddings, training
// export) and the materializer that turns stage output into rows under one
// transaction. The confidence threshold partitions every AI-produced field:
// at or above it the field lands on the entity directly, below it the field
// becomes a pending review.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/extract"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/organize"
	"github.com/inkwell-pm/inkwell/internal/review"
	"github.com/inkwell-pm/inkwell/internal/storage"
)

const (
	defaultThreshold      = 0.9
	defaultRecentEntities = 20
	defaultExportDir      = "training-exports"
)

// Enqueuer is the slice of the job runner the handlers need to schedule
// follow-up work. *jobs.Runner satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, key string, payload any) (id string, deduped bool, err error)
}

// Extractor runs the first AI pass. *extract.Stage satisfies it.
type Extractor interface {
	Run(ctx context.Context, in extract.Input) (*extract.Output, error)
}

// Organizer runs the second AI pass. *organize.Stage satisfies it.
type Organizer interface {
	Run(ctx context.Context, in organize.Input) (*organize.Output, error)
}

// Config tunes the pipeline. Zero values mean defaults.
type Config struct {
	// ConfidenceThreshold gates direct application of AI-produced fields.
	ConfidenceThreshold float64
	// ExportDir receives training-export files.
	ExportDir string
	// RecentEntities is the size of the recent-entities context batch shown
	// to the organization stage.
	RecentEntities int
	// WorkerConcurrency overrides the extract and organize queue concurrency
	// when positive.
	WorkerConcurrency int
}

// Pipeline wires the queues together: capture enqueues extraction, extraction
// fans out organization and embeddings, and the materializer decides per
// field between applying and reviewing.
type Pipeline struct {
	store     storage.Storage
	queue     Enqueuer
	extract   Extractor
	organize  Organizer
	reviews   *review.Engine
	threshold float64
	exportDir string
	recent    int
	workers   int
	logger    *zap.Logger
}

// New builds the pipeline. The logger may be nil.
func New(store storage.Storage, queue Enqueuer, ext Extractor, org Organizer, reviews *review.Engine, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultThreshold
	}
	if cfg.RecentEntities <= 0 {
		cfg.RecentEntities = defaultRecentEntities
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = defaultExportDir
	}
	return &Pipeline{
		store:     store,
		queue:     queue,
		extract:   ext,
		organize:  org,
		reviews:   reviews,
		threshold: cfg.ConfidenceThreshold,
		exportDir: cfg.ExportDir,
		recent:    cfg.RecentEntities,
		workers:   cfg.WorkerConcurrency,
		logger:    logger,
	}
}

// ExtractPayload is the notes:extract job body.
type ExtractPayload struct {
	NoteID string `json:"noteId"`
}

// OrganizePayload is the entities:organize job body.
type OrganizePayload struct {
	EntityID string `json:"entityId"`
}

// ReprocessPayload is the notes:reprocess job body.
type ReprocessPayload struct {
	NoteID string `json:"noteId"`
}

// EmbeddingsPayload is the entities:compute-embeddings job body.
type EmbeddingsPayload struct {
	EntityID string `json:"entityId"`
}

// TrainingExportPayload is the review-queue:export-training-data job body.
// Zero times default to the 24 hours ending now.
type TrainingExportPayload struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// Register binds every pipeline queue on the runner with its default policy.
func (p *Pipeline) Register(r *jobs.Runner) error {
	handlers := map[string]jobs.Handler{
		jobs.QueueExtract:        p.HandleExtract,
		jobs.QueueOrganize:       p.HandleOrganize,
		jobs.QueueReprocess:      p.HandleReprocess,
		jobs.QueueEmbeddings:     p.HandleEmbeddings,
		jobs.QueueTrainingExport: p.HandleTrainingExport,
	}
	for name, h := range handlers {
		cfg := jobs.DefaultConfig(name)
		if p.workers > 0 && (name == jobs.QueueExtract || name == jobs.QueueOrganize) {
			cfg.Concurrency = p.workers
		}
		if err := r.Register(name, cfg, h); err != nil {
			return err
		}
	}
	return nil
}
