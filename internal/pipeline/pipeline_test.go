package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/extract"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/organize"
	"github.com/inkwell-pm/inkwell/internal/review"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// fakeTx records the writes the materializer performs. Methods not overridden
// here panic through the embedded nil interface, which keeps the fake honest
// about what the code under test actually touches.
type fakeTx struct {
	storage.Tx

	entities   map[string]*types.Entity
	epics      map[string]*types.Epic
	nextEntity int

	created       []*types.Entity
	links         [][2]string
	relationships []*types.Relationship
	reviews       []*types.ReviewItem
	patches       []patchCall
	softDeleted   []string
	processed     []string
	resets        []string
	createdEpics  []*types.Epic
	published     []eventbus.Event
}

type patchCall struct {
	id      string
	updates map[string]any
	actor   *string
}

func (f *fakeTx) CreateEntity(ctx context.Context, e *types.Entity, actor *string) (*types.Entity, error) {
	clone := *e
	if clone.Status == "" {
		clone.Status = types.DefaultStatus(clone.Type)
	}
	if err := clone.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	f.nextEntity++
	clone.ID = fmt.Sprintf("ent-%d", f.nextEntity)
	if f.entities == nil {
		f.entities = map[string]*types.Entity{}
	}
	f.entities[clone.ID] = &clone
	f.created = append(f.created, &clone)
	return &clone, nil
}

func (f *fakeTx) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, fault.NotFound("entity", id)
	}
	clone := *e
	return &clone, nil
}

func (f *fakeTx) PatchEntity(ctx context.Context, id string, updates map[string]any, actor *string) (*types.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, fault.NotFound("entity", id)
	}
	f.patches = append(f.patches, patchCall{id: id, updates: updates, actor: actor})
	return e, nil
}

func (f *fakeTx) SoftDeleteEntity(ctx context.Context, id string, actor *string) error {
	f.softDeleted = append(f.softDeleted, id)
	return nil
}

func (f *fakeTx) LinkEntitySource(ctx context.Context, entityID, rawNoteID string) error {
	f.links = append(f.links, [2]string{entityID, rawNoteID})
	return nil
}

func (f *fakeTx) AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
	if err := rel.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	f.relationships = append(f.relationships, rel)
	return rel, nil
}

func (f *fakeTx) MarkNoteProcessed(ctx context.Context, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeTx) ResetNoteProcessing(ctx context.Context, id string) error {
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeTx) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	ep, ok := f.epics[id]
	if !ok {
		return nil, fault.NotFound("epic", id)
	}
	return ep, nil
}

func (f *fakeTx) CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error) {
	clone := *e
	if clone.CreatedBy == "" {
		clone.CreatedBy = types.CreatorUser
	}
	if err := clone.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	clone.ID = fmt.Sprintf("epic-%d", len(f.createdEpics)+1)
	f.createdEpics = append(f.createdEpics, &clone)
	return &clone, nil
}

func (f *fakeTx) CreateReviewItem(ctx context.Context, item *types.ReviewItem) (*types.ReviewItem, bool, error) {
	if item.Status == "" {
		item.Status = types.ReviewPending
	}
	if err := item.Validate(); err != nil {
		return nil, false, fault.Validation(err.Error())
	}
	clone := *item
	clone.ID = fmt.Sprintf("rev-%d", len(f.reviews)+1)
	f.reviews = append(f.reviews, &clone)
	return &clone, false, nil
}

func (f *fakeTx) Publish(topic eventbus.Topic, payload any) {
	f.published = append(f.published, eventbus.Event{Topic: topic, Payload: payload})
}

// reviewTypes lists the recorded review types in creation order.
func (f *fakeTx) reviewTypes() []types.ReviewType {
	out := make([]types.ReviewType, len(f.reviews))
	for i, r := range f.reviews {
		out[i] = r.ReviewType
	}
	return out
}

// fakeStore serves the handler-level reads and funnels every transaction into
// one shared fakeTx.
type fakeStore struct {
	storage.Storage

	tx       *fakeTx
	notes    map[string]*types.RawNote
	byNote   map[string][]*types.Entity
	recent   []*types.Entity
	projects []*types.Project
	epicsBy  map[string][]*types.Epic
	users    []*types.User

	resolved    []*types.ReviewItem
	exportSince time.Time
	exportUntil time.Time

	embeddings []embeddingCall
}

type embeddingCall struct {
	entityID string
	model    string
	vector   []float32
}

func (s *fakeStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	return fn(s.tx)
}

func (s *fakeStore) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	n, ok := s.notes[id]
	if !ok {
		return nil, fault.NotFound("note", id)
	}
	return n, nil
}

func (s *fakeStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return s.tx.GetEntity(ctx, id)
}

func (s *fakeStore) ListEntities(ctx context.Context, filter types.EntityFilter, page types.Page) ([]*types.Entity, string, error) {
	if filter.RawNoteID != nil {
		return s.byNote[*filter.RawNoteID], "", nil
	}
	return s.recent, "", nil
}

func (s *fakeStore) ListProjects(ctx context.Context, filter types.ProjectFilter, page types.Page) ([]*types.Project, string, error) {
	return s.projects, "", nil
}

func (s *fakeStore) ListEpics(ctx context.Context, filter types.EpicFilter, page types.Page) ([]*types.Epic, string, error) {
	return s.epicsBy[filter.ProjectID], "", nil
}

func (s *fakeStore) ListUsers(ctx context.Context) ([]*types.User, error) {
	return s.users, nil
}

func (s *fakeStore) UpsertEntityEmbedding(ctx context.Context, entityID, model string, vector []float32) error {
	s.embeddings = append(s.embeddings, embeddingCall{entityID: entityID, model: model, vector: vector})
	return nil
}

func (s *fakeStore) ListResolvedReviewsForExport(ctx context.Context, since, until time.Time) ([]*types.ReviewItem, error) {
	s.exportSince, s.exportUntil = since, until
	return s.resolved, nil
}

// fakeQueue records enqueues. fail makes every call error.
type fakeQueue struct {
	calls []enqueueCall
	fail  bool
}

type enqueueCall struct {
	queue   string
	key     string
	payload any
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue, key string, payload any) (string, bool, error) {
	if q.fail {
		return "", false, errors.New("redis down")
	}
	q.calls = append(q.calls, enqueueCall{queue: queue, key: key, payload: payload})
	return fmt.Sprintf("job-%d", len(q.calls)), false, nil
}

// stubExtractor returns a canned output and records what it was asked.
type stubExtractor struct {
	out   *extract.Output
	err   error
	calls int
	last  extract.Input
}

func (s *stubExtractor) Run(ctx context.Context, in extract.Input) (*extract.Output, error) {
	s.calls++
	s.last = in
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

// stubOrganizer returns a canned output and records what it was asked.
type stubOrganizer struct {
	out   *organize.Output
	err   error
	calls int
	last  organize.Input
}

func (s *stubOrganizer) Run(ctx context.Context, in organize.Input) (*organize.Output, error) {
	s.calls++
	s.last = in
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func newTestStore() *fakeStore {
	return &fakeStore{
		tx:      &fakeTx{entities: map[string]*types.Entity{}, epics: map[string]*types.Epic{}},
		notes:   map[string]*types.RawNote{},
		byNote:  map[string][]*types.Entity{},
		epicsBy: map[string][]*types.Epic{},
	}
}

func newTestPipeline(store *fakeStore, queue *fakeQueue, ext Extractor, org Organizer, cfg Config) *Pipeline {
	return New(store, queue, ext, org, review.NewEngine(store, nil), cfg, zap.NewNop())
}

func testJob(t *testing.T, queue string, payload any) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &jobs.Job{ID: "job-1", Queue: queue, Payload: raw, Attempt: 1, EnqueuedAt: time.Now()}
}

func sp(s string) *string { return &s }

func ip(i int) *int { return &i }
