package review

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inkwell-pm/inkwell/internal/types"
)

func resolvedItem(id string, resolvedAt time.Time, comment string) *types.ReviewItem {
	entityID := "ent-" + id
	return &types.ReviewItem{
		ID:              id,
		EntityID:        &entityID,
		ReviewType:      types.ReviewProjectAssignment,
		Status:          types.ReviewAccepted,
		AISuggestion:    json.RawMessage(`{"suggestedProjectId":"proj-1"}`),
		AIConfidence:    0.7,
		ResolvedBy:      sp("user-7"),
		ResolvedAt:      &resolvedAt,
		TrainingComment: &comment,
		CreatedAt:       resolvedAt.Add(-time.Hour),
	}
}

func TestExportWritesDeterministicJSONL(t *testing.T) {
	engine, _, store := newTestEngine()
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	store.exported = []*types.ReviewItem{
		resolvedItem("rev-1", since.Add(26*time.Hour), "model picked the wrong project"),
		resolvedItem("rev-2", since.Add(50*time.Hour), "good call"),
	}

	dir := t.TempDir()
	path, n, err := engine.ExportTrainingData(context.Background(), dir, since, until)
	if err != nil {
		t.Fatalf("ExportTrainingData() error = %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if want := filepath.Join(dir, "reviews-20250601T000000Z-20250608T000000Z.jsonl"); path != want {
		t.Errorf("path = %s, want %s", path, want)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(first), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var rec ExportRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if rec.ID != "rev-1" || rec.TrainingComment != "model picked the wrong project" {
		t.Errorf("line 0 = %+v, want rev-1 with its comment", rec)
	}
	if rec.Status != types.ReviewAccepted || rec.ReviewType != types.ReviewProjectAssignment {
		t.Errorf("line 0 status/type = %s/%s", rec.Status, rec.ReviewType)
	}

	// Re-exporting the same window replaces the file with identical bytes.
	if _, _, err := engine.ExportTrainingData(context.Background(), dir, since, until); err != nil {
		t.Fatalf("second export error = %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading second export: %v", err)
	}
	if string(first) != string(second) {
		t.Error("re-export produced different bytes")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading export dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("export dir has %d entries, want only the final file (no temp leftovers)", len(entries))
	}
}

func TestExportEmptyWindow(t *testing.T) {
	engine, _, store := newTestEngine()
	store.exported = nil

	dir := t.TempDir()
	path, n, err := engine.ExportTrainingData(context.Background(), dir,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExportTrainingData() error = %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("export file missing: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("empty window produced %d bytes", info.Size())
	}
}
