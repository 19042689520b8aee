package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/ai"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type stubCaller struct {
	requests  []ai.Request
	responses []stubResponse
}

type stubResponse struct {
	res *ai.Result
	err error
}

func (s *stubCaller) ForceTool(_ context.Context, req ai.Request) (*ai.Result, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	r := s.responses[i]
	return r.res, r.err
}

func newStage(stub *stubCaller) *Stage {
	return NewStage(stub, Config{Model: "claude-sonnet-4-20250514", PromptVersion: "v3"}, zap.NewNop())
}

func toolResult(t *testing.T, doc string) *ai.Result {
	t.Helper()
	if !json.Valid([]byte(doc)) {
		t.Fatalf("fixture is not valid JSON: %s", doc)
	}
	return &ai.Result{Input: json.RawMessage(doc), StopReason: "tool_use", InputTokens: 420, OutputTokens: 99}
}

func testInput() Input {
	return Input{
		NoteID:     "note-1",
		Content:    "Need to fix the login redirect loop before Friday. High priority, QA is blocked.",
		Source:     types.SourceCLI,
		CapturedAt: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		SourceMeta: map[string]any{"workingDirectory": "/home/dev/app"},
	}
}

const goodExtraction = `{
  "entities": [{
    "type": "task",
    "content": "Fix the login redirect loop",
    "confidence": 0.8,
    "attributes": {"dueDate": "2025-06-06", "priority": "high"},
    "fields": {
      "type": {"value": "task", "confidence": 0.97, "evidenceRefs": [0]},
      "content": {"value": "Fix the login redirect loop", "confidence": 0.95, "evidenceRefs": [0]},
      "attributes.dueDate": {"value": "2025-06-06", "confidence": 0.85, "evidenceRefs": [1]},
      "attributes.priority": {"value": "high", "confidence": 0.8, "evidenceRefs": [2]}
    },
    "evidence": [
      {"quote": "fix the login redirect loop", "startOffset": 8, "endOffset": 35},
      {"quote": "before Friday"},
      {"quote": "High priority, QA is blocked."}
    ]
  }],
  "relationships": []
}`

// editJSON decodes a fixture, applies a mutation and re-encodes it.
func editJSON(t *testing.T, doc string, edit func(m map[string]any)) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("fixture does not parse: %v", err)
	}
	edit(m)
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("re-encode fixture: %v", err)
	}
	return string(out)
}

func entity0(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	ents, ok := m["entities"].([]any)
	if !ok || len(ents) == 0 {
		t.Fatal("fixture has no entities")
	}
	e, ok := ents[0].(map[string]any)
	if !ok {
		t.Fatal("entities[0] is not an object")
	}
	return e
}

func TestRunMapsToolInput(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, goodExtraction)}}}
	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("expected a single call, got %d", len(stub.requests))
	}

	req := stub.requests[0]
	if req.Operation != "extract" {
		t.Errorf("operation = %q", req.Operation)
	}
	if req.Tool.Name != "record_extraction" {
		t.Errorf("tool name = %q", req.Tool.Name)
	}
	for _, want := range []string{"Source: cli", "Captured at: 2025-06-02T09:00:00Z", "workingDirectory", "fix the login redirect loop"} {
		if !strings.Contains(req.User, want) {
			t.Errorf("user message missing %q:\n%s", want, req.User)
		}
	}

	if out.RunID == "" {
		t.Error("runId not stamped")
	}
	if out.Model != "claude-sonnet-4-20250514" || out.PromptVersion != "v3" {
		t.Errorf("provenance = %q / %q", out.Model, out.PromptVersion)
	}
	if out.InputTokens != 420 || out.OutputTokens != 99 {
		t.Errorf("token usage = %d / %d", out.InputTokens, out.OutputTokens)
	}
	if len(out.Entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(out.Entities))
	}

	e := out.Entities[0]
	if e.Type != types.TypeTask {
		t.Errorf("type = %q", e.Type)
	}
	if e.Content != "Fix the login redirect loop" {
		t.Errorf("content = %q", e.Content)
	}
	if e.Confidence != 0.8 {
		t.Errorf("confidence = %v", e.Confidence)
	}
	if len(e.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", e.Warnings)
	}

	due, ok := e.Fields["attributes.dueDate"]
	if !ok {
		t.Fatal("attributes.dueDate field missing")
	}
	if due.Confidence != 0.85 {
		t.Errorf("dueDate confidence = %v", due.Confidence)
	}
	var dueVal string
	if err := json.Unmarshal(due.Value, &dueVal); err != nil || dueVal != "2025-06-06" {
		t.Errorf("dueDate value = %s (%v)", due.Value, err)
	}

	if len(e.Evidence) != 3 {
		t.Fatalf("expected 3 evidence spans, got %d", len(e.Evidence))
	}
	for i, ev := range e.Evidence {
		if ev.RawNoteID != "note-1" {
			t.Errorf("evidence[%d] rawNoteId = %q", i, ev.RawNoteID)
		}
	}
	if e.Evidence[0].StartOffset == nil || *e.Evidence[0].StartOffset != 8 {
		t.Errorf("evidence[0] startOffset = %v", e.Evidence[0].StartOffset)
	}
	if e.Evidence[0].EndOffset == nil || *e.Evidence[0].EndOffset != 35 {
		t.Errorf("evidence[0] endOffset = %v", e.Evidence[0].EndOffset)
	}
	if e.Evidence[1].StartOffset != nil {
		t.Errorf("evidence[1] startOffset should be unset, got %v", *e.Evidence[1].StartOffset)
	}
	if len(out.Relationships) != 0 {
		t.Errorf("unexpected relationships: %v", out.Relationships)
	}
}

func TestRunAcceptsEmptyExtraction(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, `{"entities": []}`)}}}
	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Entities) != 0 || len(out.Relationships) != 0 {
		t.Errorf("expected an empty extraction, got %d entities / %d relationships", len(out.Entities), len(out.Relationships))
	}
	if out.RunID == "" {
		t.Error("runId not stamped")
	}
}

func TestRunRetriesOnConfidenceMismatch(t *testing.T) {
	// Entity claims 0.95 but the minimum field confidence is 0.8.
	bad := editJSON(t, goodExtraction, func(m map[string]any) {
		entity0(t, m)["confidence"] = 0.95
	})
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, goodExtraction)},
	}}

	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	retry := stub.requests[1].User
	for _, want := range []string{"rejected", "entities[0].confidence", "minimum field confidence"} {
		if !strings.Contains(retry, want) {
			t.Errorf("retry message missing %q:\n%s", want, retry)
		}
	}
	if len(out.Entities) != 1 || out.Entities[0].Confidence != 0.8 {
		t.Errorf("corrected extraction not used: %+v", out.Entities)
	}
}

func TestRunFailsAfterSecondInvalidResponse(t *testing.T) {
	bad := editJSON(t, goodExtraction, func(m map[string]any) {
		entity0(t, m)["type"] = "meeting"
	})
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, bad)}}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected a validation failure")
	}
	if !fault.IsValidation(err) {
		t.Fatalf("expected a validation fault, got %v", err)
	}
	if len(stub.requests) != 2 {
		t.Errorf("expected exactly one corrective attempt, got %d requests", len(stub.requests))
	}

	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		t.Fatalf("error is not a fault: %v", err)
	}
	issues := ferr.Issues()
	if len(issues) == 0 {
		t.Fatal("validation fault carries no issues")
	}
	if issues[0].Path != "entities[0].type" {
		t.Errorf("issue path = %q", issues[0].Path)
	}
	if !strings.Contains(issues[0].Message, "task decision insight") {
		t.Errorf("issue message = %q", issues[0].Message)
	}
}

func TestRunRejectsOrganizeOwnedFields(t *testing.T) {
	bad := editJSON(t, goodExtraction, func(m map[string]any) {
		fields := entity0(t, m)["fields"].(map[string]any)
		fields["assigneeId"] = map[string]any{"value": "dana", "confidence": 0.9, "evidenceRefs": []int{2}}
	})
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, goodExtraction)},
	}}

	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	retry := stub.requests[1].User
	if !strings.Contains(retry, "entities[0].fields.assigneeId") || !strings.Contains(retry, "organize pass") {
		t.Errorf("retry message does not flag the assignee field:\n%s", retry)
	}
	if _, ok := out.Entities[0].Fields["assigneeId"]; ok {
		t.Error("rejected field survived into the output")
	}
}

func TestRunRejectsRelationshipIndexOutOfRange(t *testing.T) {
	bad := editJSON(t, goodExtraction, func(m map[string]any) {
		m["relationships"] = []any{
			map[string]any{"sourceIndex": 0, "targetIndex": 2, "type": "blocks"},
		}
	})
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, goodExtraction)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	retry := stub.requests[1].User
	if !strings.Contains(retry, "relationships[0]") || !strings.Contains(retry, "below 1") {
		t.Errorf("retry message does not flag the bad index:\n%s", retry)
	}
}

func TestParaphrasedQuoteWarnsWithoutRejection(t *testing.T) {
	doc := editJSON(t, goodExtraction, func(m map[string]any) {
		evidence := entity0(t, m)["evidence"].([]any)
		// Reflowed whitespace still counts as verbatim.
		evidence[0].(map[string]any)["quote"] = "fix the   login\nredirect loop"
		delete(evidence[0].(map[string]any), "startOffset")
		delete(evidence[0].(map[string]any), "endOffset")
		// A paraphrase does not.
		evidence[1].(map[string]any)["quote"] = "deadline is Friday"
	})
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, doc)}}}

	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("paraphrased evidence must not reject the extraction: %v", err)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("expected no corrective call, got %d requests", len(stub.requests))
	}
	warnings := out.Entities[0].Warnings
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
	if !strings.Contains(warnings[0], "evidence[1]") || !strings.Contains(warnings[0], "verbatim") {
		t.Errorf("warning = %q", warnings[0])
	}
	// The paraphrased quote is kept as-is; the reviewer sees what the model saw.
	if out.Entities[0].Evidence[1].Quote != "deadline is Friday" {
		t.Errorf("quote = %q", out.Entities[0].Evidence[1].Quote)
	}
}

func TestRunRecoversFromProseAnswer(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{
		{err: fmt.Errorf("%w (stop_reason=end_turn)", ai.ErrNoToolUse)},
		{res: toolResult(t, goodExtraction)},
	}}

	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	if !strings.Contains(stub.requests[1].User, "record_extraction") {
		t.Errorf("retry message does not restate the tool requirement:\n%s", stub.requests[1].User)
	}
	if len(out.Entities) != 1 {
		t.Errorf("expected the corrected extraction, got %+v", out)
	}
}

func TestRunFailsWhenModelNeverCallsTool(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{
		{err: fmt.Errorf("%w (stop_reason=end_turn)", ai.ErrNoToolUse)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if !fault.IsValidation(err) {
		t.Fatalf("expected a validation fault, got %v", err)
	}
	if len(stub.requests) != 2 {
		t.Errorf("expected exactly two attempts, got %d", len(stub.requests))
	}
}

func TestRunPropagatesTransportErrors(t *testing.T) {
	upstream := fault.Upstream(errors.New("api overloaded"), "anthropic call failed")
	stub := &stubCaller{responses: []stubResponse{{err: upstream}}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if !errors.Is(err, upstream) {
		t.Fatalf("expected the upstream error unchanged, got %v", err)
	}
	if fault.KindOf(err) != fault.KindUpstream {
		t.Errorf("kind = %v", fault.KindOf(err))
	}
	if len(stub.requests) != 1 {
		t.Errorf("transport failures must not trigger the corrective attempt, got %d requests", len(stub.requests))
	}
}
