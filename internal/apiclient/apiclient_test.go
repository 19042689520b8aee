package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL, APIKey: "k-123"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://localhost:8080"}, nil); err == nil {
		t.Error("want error for missing API key")
	}
	if _, err := New(Config{BaseURL: "not a url", APIKey: "k"}, nil); err == nil {
		t.Error("want error for invalid base URL")
	}
	if _, err := New(Config{BaseURL: "http://localhost:8080/", APIKey: "k"}, nil); err != nil {
		t.Errorf("trailing slash should be accepted: %v", err)
	}
}

func TestCaptureNotePostsAndDecodes(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"note-9","content":"ship it","source":"cli","deduped":false}`)
	})

	res, err := c.CaptureNote(context.Background(), CaptureRequest{
		Content:    "ship it",
		Source:     types.SourceCLI,
		SourceMeta: map[string]any{"workingDirectory": "/repo"},
	})
	if err != nil {
		t.Fatalf("CaptureNote: %v", err)
	}
	if gotPath != "POST /notes/capture" {
		t.Errorf("request = %q", gotPath)
	}
	if gotAuth != "Bearer k-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["content"] != "ship it" || gotBody["source"] != "cli" {
		t.Errorf("body = %v", gotBody)
	}
	if _, present := gotBody["externalId"]; present {
		t.Error("absent externalId should not be sent")
	}
	if res.ID != "note-9" || res.Deduped {
		t.Errorf("result = %+v", res)
	}
}

func TestCaptureNoteReportsDedup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"note-1","content":"again","source":"cli","deduped":true}`)
	})
	res, err := c.CaptureNote(context.Background(), CaptureRequest{Content: "again", Source: types.SourceCLI})
	if err != nil {
		t.Fatalf("CaptureNote: %v", err)
	}
	if !res.Deduped {
		t.Error("deduped flag not carried")
	}
}

func TestErrorEnvelopeDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"code":"VALIDATION_ERROR","status":422,"message":"content is required","requestId":"req-7","issues":[{"path":"content","message":"required"}]}}`)
	})

	_, err := c.CaptureNote(context.Background(), CaptureRequest{Source: types.SourceCLI})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.Code != fault.KindValidation || apiErr.Status != 422 || apiErr.RequestID != "req-7" {
		t.Errorf("decoded = %+v", apiErr)
	}
	if len(apiErr.Issues) != 1 || apiErr.Issues[0].Path != "content" {
		t.Errorf("issues = %+v", apiErr.Issues)
	}
	want := "VALIDATION_ERROR: content is required (request req-7)"
	if apiErr.Error() != want {
		t.Errorf("Error() = %q, want %q", apiErr.Error(), want)
	}
}

func TestForeignErrorBodyBecomesUpstream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "Bad Gateway")
	})

	_, err := c.GetEntity(context.Background(), "ent-1")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.Code != fault.KindUpstream || apiErr.Status != 502 || apiErr.Message != "Bad Gateway" {
		t.Errorf("decoded = %+v", apiErr)
	}
}

func TestListEntitiesBuildsQuery(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[{"id":"ent-1","type":"task","content":"x","status":"captured"}],"nextCursor":"cur-2"}`)
	})

	items, next, err := c.ListEntities(context.Background(), EntityQuery{
		Type:           "task",
		Status:         "in_progress",
		ProjectID:      "proj-1",
		AssigneeID:     "user-2",
		Search:         "deploy",
		IncludeDeleted: true,
		ListOptions:    ListOptions{Limit: 50, Cursor: "cur-1"},
	})
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	want := map[string]string{
		"type": "task", "status": "in_progress", "projectId": "proj-1",
		"assigneeId": "user-2", "q": "deploy", "includeDeleted": "true",
		"limit": "50", "cursor": "cur-1",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("query %s = %q, want %q", k, got[k], v)
		}
	}
	if len(items) != 1 || items[0].ID != "ent-1" || next != "cur-2" {
		t.Errorf("items = %v, next = %q", items, next)
	}
}

func TestTransitionStatusPostsNewStatus(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ent-1","type":"task","content":"x","status":"done"}`)
	})

	entity, err := c.TransitionStatus(context.Background(), "ent-1", types.StatusDone)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if gotPath != "/entities/ent-1/status" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["newStatus"] != "done" {
		t.Errorf("body = %v", gotBody)
	}
	if entity.Status != types.StatusDone {
		t.Errorf("entity = %+v", entity)
	}
}

func TestResolveReviewHitsPathID(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"rev-1","reviewType":"project_assignment","status":"accepted","aiConfidence":0.7}`)
	})

	item, err := c.ResolveReview(context.Background(), "rev-1", types.Resolution{Status: types.ReviewAccepted})
	if err != nil {
		t.Fatalf("ResolveReview: %v", err)
	}
	if gotPath != "/review-queue/rev-1/resolve" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["status"] != "accepted" {
		t.Errorf("body = %v", gotBody)
	}
	if item.Status != types.ReviewAccepted {
		t.Errorf("item = %+v", item)
	}
}

func TestCountReviews(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/review-queue/count" || r.URL.Query().Get("status") != "pending" {
			t.Errorf("request = %s %s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count":7}`)
	})

	n, err := c.CountReviews(context.Background(), ReviewQuery{Status: "pending"})
	if err != nil {
		t.Fatalf("CountReviews: %v", err)
	}
	if n != 7 {
		t.Errorf("count = %d", n)
	}
}

func TestPing(t *testing.T) {
	ready := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if ready {
			fmt.Fprint(w, `{"status":"ready"}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"not ready","reason":"database unreachable"}`)
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping when ready: %v", err)
	}
	ready = false
	err := c.Ping(context.Background())
	if err == nil || err.Error() != "server not ready: database unreachable" {
		t.Fatalf("Ping when down = %v", err)
	}
}

func sseHandler(conns *int32, frames func(conn int32, w http.ResponseWriter, f http.Flusher) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn := atomic.AddInt32(conns, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		if frames(conn, w, f) {
			<-r.Context().Done()
		}
	}
}

func collectEvents(t *testing.T, events <-chan StreamEvent, n int) []StreamEvent {
	t.Helper()
	var got []StreamEvent
	for len(got) < n {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestStreamDeliversFrames(t *testing.T) {
	var conns int32
	c := newTestClient(t, sseHandler(&conns, func(_ int32, w http.ResponseWriter, f http.Flusher) bool {
		fmt.Fprint(w, ":ping\n\n")
		fmt.Fprint(w, "event: entity:updated\ndata: {\"id\":\"e-1\"}\n\n")
		fmt.Fprint(w, "event: review_queue:created\ndata: {\"id\":\"rev-1\",\"reviewType\":\"project_assignment\"}\n\n")
		f.Flush()
		return true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan StreamEvent, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, []string{"entity:updated", "review_queue:created"}, func(ev StreamEvent) {
			events <- ev
		})
	}()

	got := collectEvents(t, events, 2)
	if got[0].Topic != "entity:updated" || string(got[0].Data) != `{"id":"e-1"}` {
		t.Errorf("first frame = %+v", got[0])
	}
	if got[1].Topic != "review_queue:created" {
		t.Errorf("second frame = %+v", got[1])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stream returned %v on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not stop on cancel")
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var conns int32
	c := newTestClient(t, sseHandler(&conns, func(conn int32, w http.ResponseWriter, f http.Flusher) bool {
		fmt.Fprintf(w, "event: entity:updated\ndata: {\"id\":\"conn-%d\"}\n\n", conn)
		f.Flush()
		// First connection drops after one frame; the second stays up.
		return conn > 1
	}))
	c.streamBase = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan StreamEvent, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, nil, func(ev StreamEvent) { events <- ev })
	}()

	got := collectEvents(t, events, 2)
	if string(got[0].Data) != `{"id":"conn-1"}` || string(got[1].Data) != `{"id":"conn-2"}` {
		t.Errorf("frames = %v %v", string(got[0].Data), string(got[1].Data))
	}
	if n := atomic.LoadInt32(&conns); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}

	cancel()
	<-done
}

func TestStreamAuthFailureDoesNotRetry(t *testing.T) {
	var conns int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&conns, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"UNAUTHORIZED","status":401,"message":"invalid API key","requestId":"req-1"}}`)
	})
	c.streamBase = 10 * time.Millisecond

	err := c.Stream(context.Background(), nil, func(StreamEvent) {})
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != fault.KindUnauthorized {
		t.Fatalf("err = %T %v, want UNAUTHORIZED APIError", err, err)
	}
	if n := atomic.LoadInt32(&conns); n != 1 {
		t.Errorf("connections = %d, want 1 (no retry)", n)
	}
}
