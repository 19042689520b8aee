package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// ExportRecord is one JSONL line of the training export: the model's
// suggestion next to the human's call.
type ExportRecord struct {
	ID              string             `json:"id"`
	EntityID        *string            `json:"entityId,omitempty"`
	ProjectID       *string            `json:"projectId,omitempty"`
	ReviewType      types.ReviewType   `json:"reviewType"`
	Status          types.ReviewStatus `json:"status"`
	AISuggestion    json.RawMessage    `json:"aiSuggestion,omitempty"`
	AIConfidence    float64            `json:"aiConfidence"`
	UserResolution  json.RawMessage    `json:"userResolution,omitempty"`
	TrainingComment string             `json:"trainingComment"`
	ResolvedBy      *string            `json:"resolvedBy,omitempty"`
	ResolvedAt      time.Time          `json:"resolvedAt"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// ExportTrainingData writes every resolved review carrying a training
// comment in [since, until) to a JSONL file under dir and returns the file
// path and row count. Rows come out ordered by (resolvedAt, id), so
// exporting the same window twice yields byte-identical files. The write
// goes through a temp file and a rename; a failed export leaves nothing
// under the final name.
func (e *Engine) ExportTrainingData(ctx context.Context, dir string, since, until time.Time) (string, int, error) {
	items, err := e.store.ListResolvedReviewsForExport(ctx, since, until)
	if err != nil {
		return "", 0, err
	}

	name := fmt.Sprintf("reviews-%s-%s.jsonl", exportStamp(since), exportStamp(until))
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", 0, fault.Internal(err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	enc := json.NewEncoder(tmp)
	for _, item := range items {
		rec := ExportRecord{
			ID:             item.ID,
			EntityID:       item.EntityID,
			ProjectID:      item.ProjectID,
			ReviewType:     item.ReviewType,
			Status:         item.Status,
			AISuggestion:   item.AISuggestion,
			AIConfidence:   item.AIConfidence,
			UserResolution: item.UserResolution,
			ResolvedBy:     item.ResolvedBy,
			CreatedAt:      item.CreatedAt,
		}
		if item.TrainingComment != nil {
			rec.TrainingComment = *item.TrainingComment
		}
		if item.ResolvedAt != nil {
			rec.ResolvedAt = *item.ResolvedAt
		}
		if err := enc.Encode(&rec); err != nil {
			return "", 0, fault.Internal(err)
		}
	}

	if err := tmp.Close(); err != nil {
		return "", 0, fault.Internal(err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", 0, fault.Internal(err)
	}

	e.logger.Info("training data exported",
		zap.String("path", final),
		zap.Int("reviews", len(items)))
	return final, len(items), nil
}

func exportStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
