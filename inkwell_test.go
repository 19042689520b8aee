package inkwell_test

import (
	"testing"

	"github.com/inkwell-pm/inkwell"
)

// Test that exported constants have correct wire values
func TestConstants(t *testing.T) {
	// EntityType constants
	if inkwell.TypeTask != "task" {
		t.Errorf("TypeTask = %q, want %q", inkwell.TypeTask, "task")
	}
	if inkwell.TypeDecision != "decision" {
		t.Errorf("TypeDecision = %q, want %q", inkwell.TypeDecision, "decision")
	}
	if inkwell.TypeInsight != "insight" {
		t.Errorf("TypeInsight = %q, want %q", inkwell.TypeInsight, "insight")
	}

	// EntityStatus constants
	if inkwell.StatusCaptured != "captured" {
		t.Errorf("StatusCaptured = %q, want %q", inkwell.StatusCaptured, "captured")
	}
	if inkwell.StatusNeedsAction != "needs_action" {
		t.Errorf("StatusNeedsAction = %q, want %q", inkwell.StatusNeedsAction, "needs_action")
	}
	if inkwell.StatusInProgress != "in_progress" {
		t.Errorf("StatusInProgress = %q, want %q", inkwell.StatusInProgress, "in_progress")
	}
	if inkwell.StatusDone != "done" {
		t.Errorf("StatusDone = %q, want %q", inkwell.StatusDone, "done")
	}
	if inkwell.StatusPending != "pending" {
		t.Errorf("StatusPending = %q, want %q", inkwell.StatusPending, "pending")
	}
	if inkwell.StatusDecided != "decided" {
		t.Errorf("StatusDecided = %q, want %q", inkwell.StatusDecided, "decided")
	}
	if inkwell.StatusAcknowledged != "acknowledged" {
		t.Errorf("StatusAcknowledged = %q, want %q", inkwell.StatusAcknowledged, "acknowledged")
	}

	// ReviewStatus constants
	if inkwell.ReviewPending != "pending" {
		t.Errorf("ReviewPending = %q, want %q", inkwell.ReviewPending, "pending")
	}
	if inkwell.ReviewAccepted != "accepted" {
		t.Errorf("ReviewAccepted = %q, want %q", inkwell.ReviewAccepted, "accepted")
	}
	if inkwell.ReviewRejected != "rejected" {
		t.Errorf("ReviewRejected = %q, want %q", inkwell.ReviewRejected, "rejected")
	}
	if inkwell.ReviewModified != "modified" {
		t.Errorf("ReviewModified = %q, want %q", inkwell.ReviewModified, "modified")
	}
}

// Test that the aliased types interoperate with values built from the
// public surface alone.
func TestAliasedTypes(t *testing.T) {
	e := inkwell.Entity{
		Type:    inkwell.TypeTask,
		Content: "ship the fix",
		Status:  inkwell.StatusCaptured,
	}
	if !e.Status.ValidFor(e.Type) {
		t.Errorf("status %q should be valid for type %q", e.Status, e.Type)
	}

	var s inkwell.Storage
	_ = s
}
