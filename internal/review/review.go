// Package review implements the review queue state machine: single
// resolution of pending items, per-type side effects on the entity graph,
// the type-change cascade, and the training-data export.
//
// Effects run in the same transaction as the row mutation, so a resolution
// either fully applies or leaves no trace. The effect functions are shared
// with pipeline materialization: a suggestion that clears the confidence
// threshold during processing and the same suggestion accepted through
// review produce identical state.
package review

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// Engine resolves review items against the store.
type Engine struct {
	store  storage.Storage
	logger *zap.Logger
}

// NewEngine returns an engine writing through store. A nil logger disables
// logging.
func NewEngine(store storage.Storage, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Resolve moves one pending item to a terminal status and applies the
// matching effect: the stored AI suggestion on accept, the user's
// replacement body on modify, the clear action on reject. Graph effects, the
// row mutation, the audit row, and the type-change cascade share one
// transaction.
//
// Resolving an already-terminal item (including one auto-rejected by a
// concurrent cascade) fails with a conflict; resolving an unknown id fails
// with not-found.
func (e *Engine) Resolve(ctx context.Context, res types.Resolution, resolvedBy *string) (*types.ReviewItem, error) {
	if err := res.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}

	var out *types.ReviewItem
	err := e.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		item, err := tx.GetReviewItemForUpdate(ctx, res.ID)
		if err != nil {
			return err
		}
		if item.Status != types.ReviewPending {
			return fault.Conflict("review item %s is already %s", item.ID, item.Status)
		}

		if err := applyResolution(ctx, tx, item, res, resolvedBy); err != nil {
			return err
		}

		now := time.Now().UTC()
		item.Status = res.Status
		item.ResolvedBy = resolvedBy
		item.ResolvedAt = &now
		item.UserResolution = res.UserResolution
		item.TrainingComment = res.TrainingComment
		if err := tx.UpdateReviewItem(ctx, item); err != nil {
			return err
		}

		// A type change invalidates pending suggestions made against the old
		// type; reject them in the same transaction.
		if item.ReviewType == types.ReviewTypeClassification &&
			res.Status != types.ReviewRejected && item.EntityID != nil {
			rejected, err := tx.AutoRejectPendingReviews(ctx, *item.EntityID, item.ID)
			if err != nil {
				return err
			}
			if len(rejected) > 0 {
				e.logger.Info("type change cascade rejected pending reviews",
					zap.String("entityId", *item.EntityID),
					zap.String("reviewId", item.ID),
					zap.Int("rejected", len(rejected)))
			}
		}

		if item.EntityID != nil {
			_, err := tx.AddEntityEvent(ctx, &types.EntityEvent{
				EntityID:    *item.EntityID,
				Type:        types.EventReviewResolved,
				ActorUserID: resolvedBy,
				Meta: map[string]any{
					"reviewId":   item.ID,
					"reviewType": item.ReviewType,
					"resolution": item.Status,
				},
			})
			if err != nil {
				return err
			}
		}

		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveBatch applies resolutions in order, one transaction per item.
// Effects of items resolved before a failure stay applied, the failing item
// reports its error, and the rest are skipped. The batch itself never fails.
func (e *Engine) ResolveBatch(ctx context.Context, resolutions []types.Resolution, resolvedBy *string) []types.BatchOutcome {
	outcomes := make([]types.BatchOutcome, 0, len(resolutions))
	failed := false
	for _, res := range resolutions {
		if failed {
			outcomes = append(outcomes, types.BatchOutcome{ID: res.ID, Status: types.BatchSkipped})
			continue
		}
		if _, err := e.Resolve(ctx, res, resolvedBy); err != nil {
			failed = true
			outcomes = append(outcomes, types.BatchOutcome{
				ID:     res.ID,
				Status: types.BatchFailed,
				Error:  err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, types.BatchOutcome{ID: res.ID, Status: types.BatchApplied})
	}
	return outcomes
}
