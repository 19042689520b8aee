package organize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

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
	return &ai.Result{Input: json.RawMessage(doc), StopReason: "tool_use", InputTokens: 900, OutputTokens: 55}
}

func sp(s string) *string { return &s }

func testInput() Input {
	return Input{
		Entity: &types.Entity{
			ID:      "ent-9",
			Type:    types.TypeTask,
			Status:  types.StatusCaptured,
			Content: "Login redirect loops after the OAuth callback",
		},
		Projects: []*types.Project{
			{ID: "proj-1", Name: "Mobile App", Status: types.ProjectActive, Description: sp("iOS and Android clients")},
			{ID: "proj-2", Name: "Platform", Status: types.ProjectActive},
		},
		Epics: []*types.Epic{
			{ID: "epic-1", ProjectID: "proj-1", Name: "Auth revamp", CreatedBy: types.CreatorUser},
		},
		Recent: []*types.Entity{
			{ID: "ent-1", Type: types.TypeTask, Content: "Fix login redirect loop on mobile", ProjectID: sp("proj-1")},
			{ID: "ent-2", Type: types.TypeDecision, Content: "Use OAuth for all client logins"},
		},
		Users: []*types.User{
			{ID: "user-1", Name: "Dana Torres", Email: "dana@example.com"},
			{ID: "user-2", Name: "Sam Okafor", Email: "sam@example.com"},
		},
	}
}

const goodOrganization = `{
  "suggestedProject": {"projectId": "proj-1", "aiConfidence": 0.85},
  "suggestedEpic": {"epicId": "epic-1", "aiConfidence": 0.6},
  "suggestedAssignee": {"userId": "user-1", "aiConfidence": 0.7},
  "duplicateCandidates": [
    {"entityId": "ent-1", "similarityScore": 0.82, "reason": "same login redirect bug", "aiConfidence": 0.75}
  ],
  "epicProposals": []
}`

func TestRunMapsProposals(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, goodOrganization)}}}
	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("expected a single call, got %d", len(stub.requests))
	}

	req := stub.requests[0]
	if req.Operation != "organize" || req.Tool.Name != "record_organization" {
		t.Errorf("request = %q / %q", req.Operation, req.Tool.Name)
	}
	for _, want := range []string{
		"Entity to organize:",
		"ent-9",
		"Active projects:",
		"proj-1: Mobile App (iOS and Android clients)",
		"epic-1 (project proj-1): Auth revamp",
		"ent-1 [task] Fix login redirect loop on mobile (project proj-1)",
		"user-1: Dana Torres <dana@example.com>",
	} {
		if !strings.Contains(req.User, want) {
			t.Errorf("user message missing %q:\n%s", want, req.User)
		}
	}

	if out.RunID == "" || out.Model != "claude-sonnet-4-20250514" || out.PromptVersion != "v3" {
		t.Errorf("provenance = %q / %q / %q", out.RunID, out.Model, out.PromptVersion)
	}
	if out.Project == nil || out.Project.ID != "proj-1" || out.Project.Confidence != 0.85 {
		t.Errorf("project = %+v", out.Project)
	}
	if out.Epic == nil || out.Epic.ID != "epic-1" || out.Epic.Confidence != 0.6 {
		t.Errorf("epic = %+v", out.Epic)
	}
	if out.Assignee == nil || out.Assignee.ID != "user-1" || out.Assignee.Confidence != 0.7 {
		t.Errorf("assignee = %+v", out.Assignee)
	}
	if len(out.Duplicates) != 1 {
		t.Fatalf("duplicates = %+v", out.Duplicates)
	}
	d := out.Duplicates[0]
	if d.EntityID != "ent-1" || d.SimilarityScore != 0.82 || d.Reason == "" || d.Confidence != 0.75 {
		t.Errorf("duplicate = %+v", d)
	}
	if out.InputTokens != 900 || out.OutputTokens != 55 {
		t.Errorf("token usage = %d / %d", out.InputTokens, out.OutputTokens)
	}
}

func TestRunAcceptsEmptyOrganization(t *testing.T) {
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, `{}`)}}}
	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Project != nil || out.Epic != nil || out.Assignee != nil ||
		len(out.Duplicates) != 0 || len(out.EpicProposals) != 0 {
		t.Errorf("expected no proposals, got %+v", out)
	}
	if out.RunID == "" {
		t.Error("runId not stamped")
	}
}

func TestRunRejectsUnknownProjectID(t *testing.T) {
	bad := `{"suggestedProject": {"projectId": "proj-9", "aiConfidence": 0.9}}`
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, goodOrganization)},
	}}

	out, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	retry := stub.requests[1].User
	if !strings.Contains(retry, "suggestedProject.projectId") || !strings.Contains(retry, "proj-9") {
		t.Errorf("retry message does not flag the unknown project:\n%s", retry)
	}
	if out.Project == nil || out.Project.ID != "proj-1" {
		t.Errorf("corrected proposal not used: %+v", out.Project)
	}
}

func TestRunRejectsEpicOutsideProject(t *testing.T) {
	// epic-1 belongs to proj-1, so pairing it with proj-2 is inconsistent.
	bad := `{
	  "suggestedProject": {"projectId": "proj-2", "aiConfidence": 0.8},
	  "suggestedEpic": {"epicId": "epic-1", "aiConfidence": 0.8}
	}`
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, goodOrganization)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	retry := stub.requests[1].User
	if !strings.Contains(retry, `belongs to project "proj-1"`) {
		t.Errorf("retry message does not explain the mismatch:\n%s", retry)
	}
}

func TestRunRejectsEpicWithoutAnyProject(t *testing.T) {
	// The entity has no current project and the call suggests none.
	bad := `{"suggestedEpic": {"epicId": "epic-1", "aiConfidence": 0.8}}`
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, `{}`)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	if !strings.Contains(stub.requests[1].User, "needs a project") {
		t.Errorf("retry message does not flag the missing project:\n%s", stub.requests[1].User)
	}
}

func TestRunAcceptsEpicAgainstEntityCurrentProject(t *testing.T) {
	in := testInput()
	in.Entity.ProjectID = sp("proj-1")
	doc := `{"suggestedEpic": {"epicId": "epic-1", "aiConfidence": 0.8}}`
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, doc)}}}

	out, err := newStage(stub).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("expected no corrective call, got %d requests", len(stub.requests))
	}
	if out.Epic == nil || out.Epic.ID != "epic-1" {
		t.Errorf("epic = %+v", out.Epic)
	}
}

func TestRunRejectsSelfDuplicate(t *testing.T) {
	bad := `{"duplicateCandidates": [
	  {"entityId": "ent-9", "similarityScore": 1, "reason": "same item", "aiConfidence": 0.9}
	]}`
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, `{}`)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("expected a corrective call, got %d requests", len(stub.requests))
	}
	if !strings.Contains(stub.requests[1].User, "cannot duplicate itself") {
		t.Errorf("retry message does not flag the self duplicate:\n%s", stub.requests[1].User)
	}
}

func TestRunRejectsUnknownEpicProposalCandidates(t *testing.T) {
	bad := `{"epicProposals": [{
	  "name": "Login hardening",
	  "projectId": "proj-1",
	  "candidateEntityIds": ["ent-1", "ent-404"],
	  "aiConfidence": 0.7
	}]}`
	stub := &stubCaller{responses: []stubResponse{
		{res: toolResult(t, bad)},
		{res: toolResult(t, `{}`)},
	}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	retry := stub.requests[1].User
	if !strings.Contains(retry, "epicProposals[0].candidateEntityIds[1]") || !strings.Contains(retry, "ent-404") {
		t.Errorf("retry message does not flag the unknown candidate:\n%s", retry)
	}
}

func TestRunFailsAfterSecondInvalidResponse(t *testing.T) {
	bad := `{"suggestedAssignee": {"userId": "user-404", "aiConfidence": 0.9}}`
	stub := &stubCaller{responses: []stubResponse{{res: toolResult(t, bad)}}}

	_, err := newStage(stub).Run(context.Background(), testInput())
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
	if len(issues) != 1 || issues[0].Path != "suggestedAssignee.userId" {
		t.Errorf("issues = %+v", issues)
	}
}

func TestRunPropagatesTransportErrors(t *testing.T) {
	upstream := fault.Upstream(errors.New("api overloaded"), "anthropic call failed")
	stub := &stubCaller{responses: []stubResponse{{err: upstream}}}

	_, err := newStage(stub).Run(context.Background(), testInput())
	if !errors.Is(err, upstream) {
		t.Fatalf("expected the upstream error unchanged, got %v", err)
	}
	if len(stub.requests) != 1 {
		t.Errorf("transport failures must not trigger the corrective attempt, got %d requests", len(stub.requests))
	}
}
