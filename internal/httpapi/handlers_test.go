package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/pipeline"
	"github.com/inkwell-pm/inkwell/internal/types"
)

func TestCaptureNoteBooksExtraction(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/notes/capture", map[string]any{
		"content": "Talked to Dana about the retry bug",
		"source":  "slack",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", resp.StatusCode, body)
	}

	var got struct {
		ID         string `json:"id"`
		Deduped    bool   `json:"deduped"`
		CapturedBy string `json:"capturedBy"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "note-1" || got.Deduped {
		t.Fatalf("got id=%q deduped=%v", got.ID, got.Deduped)
	}
	if got.CapturedBy != "user-1" {
		t.Fatalf("capturedBy = %q, want the authenticated user", got.CapturedBy)
	}

	if len(env.queue.calls) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(env.queue.calls))
	}
	call := env.queue.calls[0]
	if call.queue != jobs.QueueExtract || call.key != "note-1" {
		t.Fatalf("enqueued %s/%s, want %s/note-1", call.queue, call.key, jobs.QueueExtract)
	}
	payload, ok := call.payload.(pipeline.ExtractPayload)
	if !ok || payload.NoteID != "note-1" {
		t.Fatalf("payload = %#v", call.payload)
	}
}

func TestCaptureDedupSkipsQueue(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.captureDedup = true

	resp, body := env.do(t, http.MethodPost, "/notes/capture", map[string]any{
		"content": "Talked to Dana about the retry bug",
		"source":  "slack",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a dedup (body %s)", resp.StatusCode, body)
	}
	var got struct {
		Deduped bool `json:"deduped"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Deduped {
		t.Fatal("deduped = false, want true")
	}
	if len(env.queue.calls) != 0 {
		t.Fatalf("enqueue calls = %d, want none for a dedup", len(env.queue.calls))
	}
}

func TestCaptureSurvivesQueueFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.queue.fail = true

	resp, body := env.do(t, http.MethodPost, "/notes/capture", map[string]any{
		"content": "Queue is down but the note must land",
		"source":  "cli",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 despite the queue failure (body %s)", resp.StatusCode, body)
	}
}

func TestCaptureRejectsUnknownSource(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/notes/capture", map[string]any{
		"content": "x",
		"source":  "postcard",
	})
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestCaptureRejectsUnknownField(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/notes/capture",
		`{"content":"x","source":"cli","bogus":true}`)
	e := wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
	issues, _ := e["issues"].([]any)
	if len(issues) != 1 {
		t.Fatalf("issues = %v", e["issues"])
	}
	if issue, _ := issues[0].(map[string]any); issue["path"] != "bogus" {
		t.Fatalf("issue path = %v, want bogus", issue["path"])
	}
}

func TestReprocessBooksRun(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.notes["note-7"] = &types.RawNote{ID: "note-7", Content: "x", Source: types.SourceCLI}

	resp, body := env.do(t, http.MethodPost, "/notes/note-7/reprocess", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", resp.StatusCode, body)
	}
	var got struct {
		JobID   string `json:"jobId"`
		Deduped bool   `json:"deduped"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.JobID == "" {
		t.Fatal("jobId is empty")
	}

	call := env.queue.calls[0]
	if call.queue != jobs.QueueReprocess || call.key != "note-7" {
		t.Fatalf("enqueued %s/%s, want %s/note-7", call.queue, call.key, jobs.QueueReprocess)
	}
	payload, ok := call.payload.(pipeline.ReprocessPayload)
	if !ok || payload.NoteID != "note-7" {
		t.Fatalf("payload = %#v", call.payload)
	}
}

func TestReprocessUnknownNote(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/notes/note-404/reprocess", nil)
	wantFault(t, resp, body, http.StatusNotFound, fault.KindNotFound)
}

func TestReprocessQueueFailureIsUpstream(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.notes["note-7"] = &types.RawNote{ID: "note-7", Content: "x", Source: types.SourceCLI}
	env.queue.fail = true

	resp, body := env.do(t, http.MethodPost, "/notes/note-7/reprocess", nil)
	e := wantFault(t, resp, body, http.StatusBadGateway, fault.KindUpstream)
	if msg, _ := e["message"].(string); msg == "" {
		t.Fatal("message is empty")
	}
}

func TestListNotesClampsLimit(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.noteCursor = "cur-2"

	resp, body := env.do(t, http.MethodGet, "/notes?limit=250", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.notePage.Limit != 250 {
		t.Fatalf("store saw limit %d, want the raw 250", env.store.notePage.Limit)
	}
	var got struct {
		NextCursor   string `json:"nextCursor"`
		LimitClamped bool   `json:"limitClamped"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.LimitClamped {
		t.Fatal("limitClamped = false, want true for limit 250")
	}
	if got.NextCursor != "cur-2" {
		t.Fatalf("nextCursor = %q, want cur-2", got.NextCursor)
	}
}

func TestListNotesParsesFilter(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodGet,
		"/notes?source=slack&processed=false&since=2026-01-02T15:04:05Z&until=2026-02-02T15:04:05Z", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	f := env.store.noteFilter
	if f.Source == nil || *f.Source != types.SourceSlack {
		t.Fatalf("source filter = %v", f.Source)
	}
	if f.Processed == nil || *f.Processed {
		t.Fatalf("processed filter = %v, want false", f.Processed)
	}
	since, _ := time.Parse(time.RFC3339, "2026-01-02T15:04:05Z")
	if f.Since == nil || !f.Since.Equal(since) {
		t.Fatalf("since filter = %v", f.Since)
	}
	if f.Until == nil {
		t.Fatal("until filter missing")
	}

	resp, body = env.do(t, http.MethodGet, "/notes?since=yesterday", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestCreateEntityAppliesDefaults(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/entities", map[string]any{
		"type":    "task",
		"content": "Ship the importer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	var got types.Entity
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != types.StatusCaptured {
		t.Fatalf("status = %q, want the task default", got.Status)
	}
	if got.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0 for a user-created entity", got.Confidence)
	}
	if env.store.createActor == nil || *env.store.createActor != "user-1" {
		t.Fatalf("create actor = %v, want user-1", env.store.createActor)
	}
}

func TestCreateEntityRejectsForeignStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/entities", map[string]any{
		"type":    "task",
		"content": "x",
		"status":  "decided",
	})
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestGetEntityNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodGet, "/entities/ent-404", nil)
	wantFault(t, resp, body, http.StatusNotFound, fault.KindNotFound)
}

func TestListEntitiesParsesFilter(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodGet,
		"/entities?type=task&status=in_progress&projectId=proj-1&q=retry&includeDeleted=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	f := env.store.entityFilter
	if f.Type == nil || *f.Type != types.TypeTask {
		t.Fatalf("type filter = %v", f.Type)
	}
	if f.Status == nil || *f.Status != types.StatusInProgress {
		t.Fatalf("status filter = %v", f.Status)
	}
	if f.ProjectID == nil || *f.ProjectID != "proj-1" {
		t.Fatalf("project filter = %v", f.ProjectID)
	}
	if f.ContentSearch != "retry" {
		t.Fatalf("content search = %q", f.ContentSearch)
	}
	if !f.IncludeDeleted {
		t.Fatal("includeDeleted not set")
	}
}

func TestListEntitiesRejectsBadTypeAndStatus(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/entities?type=reminder", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)

	resp, body = env.do(t, http.MethodGet, "/entities?type=decision&status=in_progress", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestPatchEntityKeepsTriState(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.entities["ent-9"] = &types.Entity{
		ID: "ent-9", Type: types.TypeTask, Content: "x",
		Status: types.StatusCaptured, Confidence: 1,
	}

	resp, body := env.do(t, http.MethodPatch, "/entities/ent-9",
		`{"projectId":null,"content":"rewritten"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	if len(env.store.patches) != 1 {
		t.Fatalf("patch calls = %d", len(env.store.patches))
	}
	p := env.store.patches[0]
	if p.id != "ent-9" {
		t.Fatalf("patched id = %q", p.id)
	}
	v, present := p.updates["projectId"]
	if !present || v != nil {
		t.Fatalf("projectId key: present=%v value=%v, want an explicit null", present, v)
	}
	if p.updates["content"] != "rewritten" {
		t.Fatalf("content update = %v", p.updates["content"])
	}
	if p.actor == nil || *p.actor != "user-1" {
		t.Fatalf("patch actor = %v", p.actor)
	}
}

func TestTransitionStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.entities["ent-9"] = &types.Entity{
		ID: "ent-9", Type: types.TypeTask, Content: "x",
		Status: types.StatusCaptured, Confidence: 1,
	}

	resp, body := env.do(t, http.MethodPost, "/entities/ent-9/status",
		map[string]any{"newStatus": "in_progress"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	tr := env.store.transitions[0]
	if tr.id != "ent-9" || tr.status != types.StatusInProgress {
		t.Fatalf("transition = %+v", tr)
	}

	resp, body = env.do(t, http.MethodPost, "/entities/ent-9/status", map[string]any{})
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestAddCommentOnlyAcceptsComments(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.entities["ent-9"] = &types.Entity{
		ID: "ent-9", Type: types.TypeTask, Content: "x",
		Status: types.StatusCaptured, Confidence: 1,
	}

	resp, body := env.do(t, http.MethodPost, "/entities/ent-9/events",
		map[string]any{"type": "status_change"})
	e := wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
	if e["message"] != "only comment events can be posted" {
		t.Fatalf("message = %v", e["message"])
	}

	resp, body = env.do(t, http.MethodPost, "/entities/ent-9/events",
		map[string]any{"type": "comment", "body": "Double-checked the logs"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	ev := env.store.addedEvents[0]
	if ev.EntityID != "ent-9" || ev.Type != types.EventComment {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Body == nil || *ev.Body != "Double-checked the logs" {
		t.Fatalf("comment body = %v", ev.Body)
	}
	if ev.ActorUserID == nil || *ev.ActorUserID != "user-1" {
		t.Fatalf("comment actor = %v", ev.ActorUserID)
	}
}

func TestListEntityEventsOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodGet, "/entities/ent-9/events?order=desc", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.eventEntity != "ent-9" || env.store.eventOrder != types.OrderDesc {
		t.Fatalf("store saw entity=%q order=%q", env.store.eventEntity, env.store.eventOrder)
	}
}

func TestSetEntityTags(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.entities["ent-9"] = &types.Entity{
		ID: "ent-9", Type: types.TypeTask, Content: "x",
		Status: types.StatusCaptured, Confidence: 1,
	}

	resp, body := env.do(t, http.MethodPut, "/entities/ent-9/tags",
		map[string]any{"tagIds": []string{"tag-1", "tag-2"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	set := env.store.tagSets["ent-9"]
	if len(set) != 2 || set[0] != "tag-1" || set[1] != "tag-2" {
		t.Fatalf("tag set = %v", set)
	}
	var got types.Entity
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "ent-9" {
		t.Fatalf("response entity = %q, want the post-image of ent-9", got.ID)
	}
}

func TestListProjectsDefaultsToActive(t *testing.T) {
	env := newTestEnv(t, Config{})

	if resp, body := env.do(t, http.MethodGet, "/projects", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if f := env.store.projectFilter; f.Status == nil || *f.Status != types.ProjectActive {
		t.Fatalf("default filter = %v, want active", f.Status)
	}

	if resp, body := env.do(t, http.MethodGet, "/projects?status=all", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if f := env.store.projectFilter; f.Status != nil {
		t.Fatalf("status=all filter = %v, want nil", f.Status)
	}

	resp, body := env.do(t, http.MethodGet, "/projects?status=paused", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/projects", map[string]any{"name": "Atlas"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	var got types.Project
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != types.ProjectActive {
		t.Fatalf("status = %q, want active by default", got.Status)
	}
}

func TestProjectDashboard(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.dashboard = &types.ProjectDashboard{
		Project:       &types.Project{ID: "proj-1", Name: "Atlas", Status: types.ProjectActive},
		TasksByStatus: map[types.EntityStatus]int{types.StatusDone: 3},
	}

	resp, body := env.do(t, http.MethodGet, "/projects/proj-1/dashboard", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	var got types.ProjectDashboard
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Project == nil || got.Project.ID != "proj-1" {
		t.Fatalf("dashboard project = %+v", got.Project)
	}
	if got.TasksByStatus[types.StatusDone] != 3 {
		t.Fatalf("tasksByStatus = %v", got.TasksByStatus)
	}
}

func TestListEpicsRequiresProject(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/epics", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)

	if resp, body := env.do(t, http.MethodGet, "/epics?projectId=proj-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.epicFilter.ProjectID != "proj-1" {
		t.Fatalf("epic filter = %+v", env.store.epicFilter)
	}
}

func TestCreateEpicMarksUserCreator(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/epics",
		map[string]any{"projectId": "proj-1", "name": "Migration"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.createdEpic.CreatedBy != types.CreatorUser {
		t.Fatalf("createdBy = %q, want user", env.store.createdEpic.CreatedBy)
	}
}

func TestPatchProjectAndEpicPassThrough(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodPatch, "/projects/proj-1", `{"status":"archived"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("project patch status = %d (body %s)", resp.StatusCode, body)
	}
	if p := env.store.projectPatches[0]; p.id != "proj-1" || p.updates["status"] != "archived" {
		t.Fatalf("project patch = %+v", p)
	}

	resp, body = env.do(t, http.MethodPatch, "/epics/epic-1", `{"description":null}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("epic patch status = %d (body %s)", resp.StatusCode, body)
	}
	v, present := env.store.epicPatches[0].updates["description"]
	if !present || v != nil {
		t.Fatalf("epic patch lost the null: present=%v value=%v", present, v)
	}
}

func TestCreateTagPassesNameThrough(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/tags", map[string]any{"name": "Infra"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.createdTag != "Infra" {
		t.Fatalf("store saw %q", env.store.createdTag)
	}
	var got types.Tag
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "infra" {
		t.Fatalf("tag name = %q, want the lowercased form", got.Name)
	}
}

func TestListTagsQuery(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.tags = []*types.Tag{{ID: "tag-1", Name: "infra"}}

	resp, body := env.do(t, http.MethodGet, "/tags?q=in", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	if env.store.tagQuery != "in" {
		t.Fatalf("query = %q", env.store.tagQuery)
	}
	var got struct {
		Items []*types.Tag `json:"items"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Name != "infra" {
		t.Fatalf("items = %v", got.Items)
	}
}

func TestListReviewsParsesFilter(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet,
		"/review-queue?status=pending&reviewType=project_assignment&entityId=ent-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	f := env.store.reviewFilter
	if f.Status == nil || *f.Status != types.ReviewPending {
		t.Fatalf("status filter = %v", f.Status)
	}
	if f.ReviewType == nil || *f.ReviewType != types.ReviewProjectAssignment {
		t.Fatalf("reviewType filter = %v", f.ReviewType)
	}
	if f.EntityID == nil || *f.EntityID != "ent-1" {
		t.Fatalf("entityId filter = %v", f.EntityID)
	}

	resp, body = env.do(t, http.MethodGet, "/review-queue?status=snoozed", nil)
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}

func TestCountReviews(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.reviewCount = 7

	resp, body := env.do(t, http.MethodGet, "/review-queue/count?status=pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	var got map[string]int
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["count"] != 7 {
		t.Fatalf("count = %d", got["count"])
	}
}

func seedReview(env *testEnv, id string, rt types.ReviewType, entityID, suggestion string) {
	env.store.tx.items[id] = &types.ReviewItem{
		ID:           id,
		EntityID:     &entityID,
		ReviewType:   rt,
		Status:       types.ReviewPending,
		AISuggestion: json.RawMessage(suggestion),
		AIConfidence: 0.7,
	}
}

func TestResolveAcceptAppliesSuggestion(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedReview(env, "rev-1", types.ReviewProjectAssignment, "ent-1",
		`{"suggestedProjectId":"proj-9"}`)

	// The body carries a different id; the path must win.
	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-1/resolve",
		map[string]any{"id": "rev-999", "status": "accepted"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	var got types.ReviewItem
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "rev-1" || got.Status != types.ReviewAccepted {
		t.Fatalf("resolved item = %s/%s", got.ID, got.Status)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != "user-1" {
		t.Fatalf("resolvedBy = %v", got.ResolvedBy)
	}

	tx := env.store.tx
	if len(tx.patches) != 1 {
		t.Fatalf("patches = %d, want the assignment effect", len(tx.patches))
	}
	p := tx.patches[0]
	if p.id != "ent-1" || p.updates["projectId"] != "proj-9" {
		t.Fatalf("effect patch = %+v", p)
	}
	if len(tx.events) != 1 || tx.events[0].Type != types.EventReviewResolved {
		t.Fatalf("audit events = %+v", tx.events)
	}
	if _, ok := tx.items["rev-999"]; ok {
		t.Fatal("body id was resolved instead of the path id")
	}
}

func TestResolveRejectClearsAssignment(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedReview(env, "rev-2", types.ReviewProjectAssignment, "ent-1",
		`{"suggestedProjectId":"proj-9"}`)

	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-2/resolve",
		map[string]any{"status": "rejected"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	p := env.store.tx.patches[0]
	v, present := p.updates["projectId"]
	if p.id != "ent-1" || !present || v != nil {
		t.Fatalf("clear patch = %+v, want projectId set to null", p)
	}
}

func TestResolveModifiedAppliesUserBody(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedReview(env, "rev-5", types.ReviewProjectAssignment, "ent-1",
		`{"suggestedProjectId":"proj-9"}`)

	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-5/resolve",
		map[string]any{
			"status":         "modified",
			"userResolution": map[string]any{"suggestedProjectId": "proj-42"},
		})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	p := env.store.tx.patches[0]
	if p.updates["projectId"] != "proj-42" {
		t.Fatalf("patch = %+v, want the user's replacement project", p)
	}
	final := env.store.tx.items["rev-5"]
	if final.Status != types.ReviewModified || len(final.UserResolution) == 0 {
		t.Fatalf("final item = %+v", final)
	}
}

func TestResolveTypeChangeCascades(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedReview(env, "rev-6", types.ReviewTypeClassification, "ent-2",
		`{"suggestedType":"decision"}`)

	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-6/resolve",
		map[string]any{"status": "accepted"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	tx := env.store.tx
	if tx.patches[0].updates["type"] != "decision" {
		t.Fatalf("type patch = %+v", tx.patches[0])
	}
	if len(tx.cascades) != 1 || tx.cascades[0] != [2]string{"ent-2", "rev-6"} {
		t.Fatalf("cascade calls = %v, want one scoped to ent-2 excluding rev-6", tx.cascades)
	}
}

func TestResolveTerminalItemConflicts(t *testing.T) {
	env := newTestEnv(t, Config{})
	ent := "ent-1"
	env.store.tx.items["rev-3"] = &types.ReviewItem{
		ID: "rev-3", EntityID: &ent,
		ReviewType: types.ReviewProjectAssignment, Status: types.ReviewAccepted,
	}

	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-3/resolve",
		map[string]any{"status": "rejected"})
	wantFault(t, resp, body, http.StatusConflict, fault.KindConflict)
}

func TestResolveUnknownItem(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/review-queue/rev-404/resolve",
		map[string]any{"status": "accepted"})
	wantFault(t, resp, body, http.StatusNotFound, fault.KindNotFound)
}

func TestResolveBatchStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedReview(env, "rev-1", types.ReviewProjectAssignment, "ent-1",
		`{"suggestedProjectId":"proj-9"}`)
	seedReview(env, "rev-3", types.ReviewProjectAssignment, "ent-3",
		`{"suggestedProjectId":"proj-9"}`)

	resp, body := env.do(t, http.MethodPost, "/review-queue/resolve-batch",
		map[string]any{"resolutions": []map[string]any{
			{"id": "rev-1", "status": "accepted"},
			{"id": "rev-404", "status": "accepted"},
			{"id": "rev-3", "status": "accepted"},
		}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}

	var outcomes []types.BatchOutcome
	if err := json.Unmarshal(body, &outcomes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []types.BatchOutcomeStatus{types.BatchApplied, types.BatchFailed, types.BatchSkipped}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	for i, w := range want {
		if outcomes[i].Status != w {
			t.Fatalf("outcome[%d] = %s, want %s", i, outcomes[i].Status, w)
		}
	}
	if outcomes[1].Error == "" {
		t.Fatal("failed outcome carries no error text")
	}
	if env.store.tx.items["rev-3"].Status != types.ReviewPending {
		t.Fatal("skipped item was resolved")
	}
}

func TestResolveBatchRejectsEmpty(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, body := env.do(t, http.MethodPost, "/review-queue/resolve-batch",
		map[string]any{"resolutions": []map[string]any{}})
	wantFault(t, resp, body, http.StatusUnprocessableEntity, fault.KindValidation)
}
