// Package storage defines the persistence interface for the inkwell engine.
//
// The concrete implementation lives in the postgres sub-package. This package
// holds the interface and the cursor codec referenced by both the
// implementation and its consumers (httpapi, pipeline, review, cmd/pmd).
package storage

import (
	"context"
	"time"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// Storage is the interface satisfied by *postgres.Store. Consumers depend on
// this interface rather than the concrete type so tests can substitute fakes.
//
// List operations take a types.Page and return the window plus the cursor for
// the next one; an empty next cursor means the list is exhausted. Mutating
// operations return the post-image. Failures are fault-kinded: missing rows
// are NOT_FOUND, uniqueness races are CONFLICT, constraint breaches are
// VALIDATION_ERROR.
type Storage interface {
	// Raw notes
	CaptureNote(ctx context.Context, note *types.RawNote) (created *types.RawNote, deduped bool, err error)
	GetNote(ctx context.Context, id string) (*types.RawNote, error)
	ListNotes(ctx context.Context, filter types.NoteFilter, page types.Page) ([]*types.RawNote, string, error)

	// Entities
	CreateEntity(ctx context.Context, e *types.Entity, actorUserID *string) (*types.Entity, error)
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	ListEntities(ctx context.Context, filter types.EntityFilter, page types.Page) ([]*types.Entity, string, error)
	PatchEntity(ctx context.Context, id string, updates map[string]any, actorUserID *string) (*types.Entity, error)
	TransitionEntityStatus(ctx context.Context, id string, newStatus types.EntityStatus, actorUserID *string) (*types.Entity, error)
	SoftDeleteEntity(ctx context.Context, id string, actorUserID *string) error
	AddEntityEvent(ctx context.Context, ev *types.EntityEvent) (*types.EntityEvent, error)
	ListEntityEvents(ctx context.Context, entityID string, order types.SortOrder, page types.Page) ([]*types.EntityEvent, string, error)
	Lineage(ctx context.Context, entityID string, direction types.LineageDirection, maxDepth int) ([]types.LineageNode, error)
	AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error)
	ListRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error)
	SetEntityTags(ctx context.Context, entityID string, tagIDs []string) error

	// Projects and epics
	CreateProject(ctx context.Context, p *types.Project) (*types.Project, error)
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context, filter types.ProjectFilter, page types.Page) ([]*types.Project, string, error)
	PatchProject(ctx context.Context, id string, updates map[string]any) (*types.Project, error)
	ProjectDashboard(ctx context.Context, id string) (*types.ProjectDashboard, error)
	CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error)
	GetEpic(ctx context.Context, id string) (*types.Epic, error)
	ListEpics(ctx context.Context, filter types.EpicFilter, page types.Page) ([]*types.Epic, string, error)
	PatchEpic(ctx context.Context, id string, updates map[string]any) (*types.Epic, error)

	// Tags
	CreateTag(ctx context.Context, name string) (*types.Tag, error)
	ListTags(ctx context.Context, q string) ([]*types.Tag, error)

	// Review queue
	GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error)
	ListReviewItems(ctx context.Context, filter types.ReviewFilter, page types.Page) ([]*types.ReviewItem, string, error)
	CountReviewItems(ctx context.Context, filter types.ReviewFilter) (int, error)
	ListResolvedReviewsForExport(ctx context.Context, since, until time.Time) ([]*types.ReviewItem, error)

	// Users and API keys
	CreateUser(ctx context.Context, u *types.User) (*types.User, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)
	CreateAPIKey(ctx context.Context, key *types.APIKey) (*types.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	RevokeAPIKey(ctx context.Context, id string) error

	// Embeddings
	UpsertEntityEmbedding(ctx context.Context, entityID, model string, vector []float32) error

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the mutating subset of Storage inside one database transaction,
// plus the reads needed for read-your-writes. Events published through the
// transaction are staged and reach the bus only if the transaction commits.
//
// If the callback returns an error or panics, the transaction is rolled back
// and the staged events are discarded.
type Tx interface {
	// Entities
	CreateEntity(ctx context.Context, e *types.Entity, actorUserID *string) (*types.Entity, error)
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	PatchEntity(ctx context.Context, id string, updates map[string]any, actorUserID *string) (*types.Entity, error)
	TransitionEntityStatus(ctx context.Context, id string, newStatus types.EntityStatus, actorUserID *string) (*types.Entity, error)
	SoftDeleteEntity(ctx context.Context, id string, actorUserID *string) error
	AddEntityEvent(ctx context.Context, ev *types.EntityEvent) (*types.EntityEvent, error)
	AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error)
	LinkEntitySource(ctx context.Context, entityID, rawNoteID string) error
	SetEntityTags(ctx context.Context, entityID string, tagIDs []string) error

	// Notes
	GetNote(ctx context.Context, id string) (*types.RawNote, error)
	MarkNoteProcessed(ctx context.Context, id string) error
	ResetNoteProcessing(ctx context.Context, id string) error

	// Projects and epics
	GetProject(ctx context.Context, id string) (*types.Project, error)
	CreateProject(ctx context.Context, p *types.Project) (*types.Project, error)
	GetEpic(ctx context.Context, id string) (*types.Epic, error)
	CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error)

	// Review queue. GetReviewItemForUpdate takes the row lock that serializes
	// concurrent resolutions of the same item.
	CreateReviewItem(ctx context.Context, item *types.ReviewItem) (created *types.ReviewItem, existing bool, err error)
	GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error)
	GetReviewItemForUpdate(ctx context.Context, id string) (*types.ReviewItem, error)
	UpdateReviewItem(ctx context.Context, item *types.ReviewItem) error
	AutoRejectPendingReviews(ctx context.Context, entityID, exceptID string) ([]string, error)

	// Publish stages an event for delivery after commit.
	Publish(topic eventbus.Topic, payload any)
}
