// Package inkwell provides a minimal public API for extending the engine
// with custom orchestration.
//
// Most integrations should talk to the HTTP API. This package exports only
// the essential types and an Open function for Go programs that want to use
// the storage layer directly, for example backfill scripts or batch jobs
// running next to the server.
package inkwell

import (
	"context"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/storage/postgres"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// Core types for working with captured notes and extracted entities
type (
	Entity       = types.Entity
	EntityType   = types.EntityType
	EntityStatus = types.EntityStatus
	RawNote      = types.RawNote
	NoteSource   = types.NoteSource
	Project      = types.Project
	Epic         = types.Epic
	ReviewItem   = types.ReviewItem
	ReviewStatus = types.ReviewStatus
	ReviewType   = types.ReviewType
)

// EntityType constants
const (
	TypeTask     = types.TypeTask
	TypeDecision = types.TypeDecision
	TypeInsight  = types.TypeInsight
)

// EntityStatus constants
const (
	StatusCaptured     = types.StatusCaptured
	StatusNeedsAction  = types.StatusNeedsAction
	StatusInProgress   = types.StatusInProgress
	StatusDone         = types.StatusDone
	StatusPending      = types.StatusPending
	StatusDecided      = types.StatusDecided
	StatusAcknowledged = types.StatusAcknowledged
)

// ReviewStatus constants
const (
	ReviewPending  = types.ReviewPending
	ReviewAccepted = types.ReviewAccepted
	ReviewRejected = types.ReviewRejected
	ReviewModified = types.ReviewModified
)

// Storage provides the minimal interface for extension orchestration
type Storage = storage.Storage

// Open connects to the engine's database for programmatic access. Pending
// migrations are applied on connect, same as the server does at startup.
func Open(ctx context.Context, databaseURL string) (Storage, error) {
	return postgres.New(ctx, databaseURL, eventbus.New(), 4)
}
