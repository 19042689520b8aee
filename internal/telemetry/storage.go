package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

const storageScopeName = "github.com/inkwell-pm/inkwell/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in pm.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner        storage.Storage
	tracer       trace.Tracer
	ops          metric.Int64Counter
	dur          metric.Float64Histogram
	errs         metric.Int64Counter
	pendingGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("pm.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("pm.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("pm.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	pendingGauge, _ := m.Int64Gauge("pm.review.pending",
		metric.WithDescription("Pending review items (snapshot from CountReviewItems)"),
	)
	return &InstrumentedStorage{
		inner:        s,
		tracer:       Tracer(storageScopeName),
		ops:          ops,
		dur:          dur,
		errs:         errs,
		pendingGauge: pendingGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Raw notes ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CaptureNote(ctx context.Context, note *types.RawNote) (*types.RawNote, bool, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.note.source", string(note.Source))}
	ctx, span, t := s.op(ctx, "CaptureNote", attrs...)
	v, deduped, err := s.inner.CaptureNote(ctx, note)
	if err == nil {
		span.SetAttributes(attribute.Bool("pm.note.deduped", deduped))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, deduped, err
}

func (s *InstrumentedStorage) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.note.id", id)}
	ctx, span, t := s.op(ctx, "GetNote", attrs...)
	v, err := s.inner.GetNote(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListNotes(ctx context.Context, filter types.NoteFilter, page types.Page) ([]*types.RawNote, string, error) {
	ctx, span, t := s.op(ctx, "ListNotes")
	v, next, err := s.inner.ListNotes(ctx, filter, page)
	if err == nil {
		span.SetAttributes(attribute.Int("pm.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, next, err
}

// ── Entities ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateEntity(ctx context.Context, e *types.Entity, actorUserID *string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.entity.type", string(e.Type))}
	ctx, span, t := s.op(ctx, "CreateEntity", attrs...)
	v, err := s.inner.CreateEntity(ctx, e, actorUserID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.entity.id", id)}
	ctx, span, t := s.op(ctx, "GetEntity", attrs...)
	v, err := s.inner.GetEntity(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListEntities(ctx context.Context, filter types.EntityFilter, page types.Page) ([]*types.Entity, string, error) {
	ctx, span, t := s.op(ctx, "ListEntities")
	v, next, err := s.inner.ListEntities(ctx, filter, page)
	if err == nil {
		span.SetAttributes(attribute.Int("pm.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, next, err
}

func (s *InstrumentedStorage) PatchEntity(ctx context.Context, id string, updates map[string]any, actorUserID *string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", id),
		attribute.Int("pm.update.count", len(updates)),
	}
	ctx, span, t := s.op(ctx, "PatchEntity", attrs...)
	v, err := s.inner.PatchEntity(ctx, id, updates, actorUserID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) TransitionEntityStatus(ctx context.Context, id string, newStatus types.EntityStatus, actorUserID *string) (*types.Entity, error) {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", id),
		attribute.String("pm.entity.status", string(newStatus)),
	}
	ctx, span, t := s.op(ctx, "TransitionEntityStatus", attrs...)
	v, err := s.inner.TransitionEntityStatus(ctx, id, newStatus, actorUserID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) SoftDeleteEntity(ctx context.Context, id string, actorUserID *string) error {
	attrs := []attribute.KeyValue{attribute.String("pm.entity.id", id)}
	ctx, span, t := s.op(ctx, "SoftDeleteEntity", attrs...)
	err := s.inner.SoftDeleteEntity(ctx, id, actorUserID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) AddEntityEvent(ctx context.Context, ev *types.EntityEvent) (*types.EntityEvent, error) {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", ev.EntityID),
		attribute.String("pm.event.type", string(ev.Type)),
	}
	ctx, span, t := s.op(ctx, "AddEntityEvent", attrs...)
	v, err := s.inner.AddEntityEvent(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListEntityEvents(ctx context.Context, entityID string, order types.SortOrder, page types.Page) ([]*types.EntityEvent, string, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "ListEntityEvents", attrs...)
	v, next, err := s.inner.ListEntityEvents(ctx, entityID, order, page)
	s.done(ctx, span, t, err, attrs...)
	return v, next, err
}

func (s *InstrumentedStorage) Lineage(ctx context.Context, entityID string, direction types.LineageDirection, maxDepth int) ([]types.LineageNode, error) {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", entityID),
		attribute.String("pm.lineage.direction", string(direction)),
		attribute.Int("pm.max_depth", maxDepth),
	}
	ctx, span, t := s.op(ctx, "Lineage", attrs...)
	v, err := s.inner.Lineage(ctx, entityID, direction, maxDepth)
	if err == nil {
		span.SetAttributes(attribute.Int("pm.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
	attrs := []attribute.KeyValue{
		attribute.String("pm.rel.source", rel.SourceID),
		attribute.String("pm.rel.target", rel.TargetID),
		attribute.String("pm.rel.type", string(rel.Type)),
	}
	ctx, span, t := s.op(ctx, "AddRelationship", attrs...)
	v, err := s.inner.AddRelationship(ctx, rel)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.entity.id", entityID)}
	ctx, span, t := s.op(ctx, "ListRelationships", attrs...)
	v, err := s.inner.ListRelationships(ctx, entityID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) SetEntityTags(ctx context.Context, entityID string, tagIDs []string) error {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", entityID),
		attribute.Int("pm.tag.count", len(tagIDs)),
	}
	ctx, span, t := s.op(ctx, "SetEntityTags", attrs...)
	err := s.inner.SetEntityTags(ctx, entityID, tagIDs)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Projects and epics ──────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateProject(ctx context.Context, p *types.Project) (*types.Project, error) {
	ctx, span, t := s.op(ctx, "CreateProject")
	v, err := s.inner.CreateProject(ctx, p)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetProject(ctx context.Context, id string) (*types.Project, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.project.id", id)}
	ctx, span, t := s.op(ctx, "GetProject", attrs...)
	v, err := s.inner.GetProject(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListProjects(ctx context.Context, filter types.ProjectFilter, page types.Page) ([]*types.Project, string, error) {
	ctx, span, t := s.op(ctx, "ListProjects")
	v, next, err := s.inner.ListProjects(ctx, filter, page)
	s.done(ctx, span, t, err)
	return v, next, err
}

func (s *InstrumentedStorage) PatchProject(ctx context.Context, id string, updates map[string]any) (*types.Project, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.project.id", id)}
	ctx, span, t := s.op(ctx, "PatchProject", attrs...)
	v, err := s.inner.PatchProject(ctx, id, updates)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ProjectDashboard(ctx context.Context, id string) (*types.ProjectDashboard, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.project.id", id)}
	ctx, span, t := s.op(ctx, "ProjectDashboard", attrs...)
	v, err := s.inner.ProjectDashboard(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.project.id", e.ProjectID)}
	ctx, span, t := s.op(ctx, "CreateEpic", attrs...)
	v, err := s.inner.CreateEpic(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.epic.id", id)}
	ctx, span, t := s.op(ctx, "GetEpic", attrs...)
	v, err := s.inner.GetEpic(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListEpics(ctx context.Context, filter types.EpicFilter, page types.Page) ([]*types.Epic, string, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.project.id", filter.ProjectID)}
	ctx, span, t := s.op(ctx, "ListEpics", attrs...)
	v, next, err := s.inner.ListEpics(ctx, filter, page)
	s.done(ctx, span, t, err, attrs...)
	return v, next, err
}

func (s *InstrumentedStorage) PatchEpic(ctx context.Context, id string, updates map[string]any) (*types.Epic, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.epic.id", id)}
	ctx, span, t := s.op(ctx, "PatchEpic", attrs...)
	v, err := s.inner.PatchEpic(ctx, id, updates)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Tags ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateTag(ctx context.Context, name string) (*types.Tag, error) {
	ctx, span, t := s.op(ctx, "CreateTag")
	v, err := s.inner.CreateTag(ctx, name)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListTags(ctx context.Context, q string) ([]*types.Tag, error) {
	ctx, span, t := s.op(ctx, "ListTags")
	v, err := s.inner.ListTags(ctx, q)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Review queue ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	attrs := []attribute.KeyValue{attribute.String("pm.review.id", id)}
	ctx, span, t := s.op(ctx, "GetReviewItem", attrs...)
	v, err := s.inner.GetReviewItem(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListReviewItems(ctx context.Context, filter types.ReviewFilter, page types.Page) ([]*types.ReviewItem, string, error) {
	ctx, span, t := s.op(ctx, "ListReviewItems")
	v, next, err := s.inner.ListReviewItems(ctx, filter, page)
	if err == nil {
		span.SetAttributes(attribute.Int("pm.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, next, err
}

func (s *InstrumentedStorage) CountReviewItems(ctx context.Context, filter types.ReviewFilter) (int, error) {
	ctx, span, t := s.op(ctx, "CountReviewItems")
	v, err := s.inner.CountReviewItems(ctx, filter)
	s.done(ctx, span, t, err)
	if err == nil && filter.Status != nil && *filter.Status == types.ReviewPending {
		// Snapshot the backlog whenever someone asks for it.
		s.pendingGauge.Record(ctx, int64(v))
	}
	return v, err
}

func (s *InstrumentedStorage) ListResolvedReviewsForExport(ctx context.Context, since, until time.Time) ([]*types.ReviewItem, error) {
	ctx, span, t := s.op(ctx, "ListResolvedReviewsForExport")
	v, err := s.inner.ListResolvedReviewsForExport(ctx, since, until)
	if err == nil {
		span.SetAttributes(attribute.Int("pm.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Users and API keys ──────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateUser(ctx context.Context, u *types.User) (*types.User, error) {
	ctx, span, t := s.op(ctx, "CreateUser")
	v, err := s.inner.CreateUser(ctx, u)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetUser(ctx context.Context, id string) (*types.User, error) {
	ctx, span, t := s.op(ctx, "GetUser")
	v, err := s.inner.GetUser(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	ctx, span, t := s.op(ctx, "GetUserByEmail")
	v, err := s.inner.GetUserByEmail(ctx, email)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListUsers(ctx context.Context) ([]*types.User, error) {
	ctx, span, t := s.op(ctx, "ListUsers")
	v, err := s.inner.ListUsers(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CreateAPIKey(ctx context.Context, key *types.APIKey) (*types.APIKey, error) {
	ctx, span, t := s.op(ctx, "CreateAPIKey")
	v, err := s.inner.CreateAPIKey(ctx, key)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	ctx, span, t := s.op(ctx, "GetAPIKeyByHash")
	v, err := s.inner.GetAPIKeyByHash(ctx, hash)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) TouchAPIKey(ctx context.Context, id string) error {
	ctx, span, t := s.op(ctx, "TouchAPIKey")
	err := s.inner.TouchAPIKey(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) RevokeAPIKey(ctx context.Context, id string) error {
	ctx, span, t := s.op(ctx, "RevokeAPIKey")
	err := s.inner.RevokeAPIKey(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

// ── Embeddings ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpsertEntityEmbedding(ctx context.Context, entityID, model string, vector []float32) error {
	attrs := []attribute.KeyValue{
		attribute.String("pm.entity.id", entityID),
		attribute.Int("pm.embedding.dim", len(vector)),
	}
	ctx, span, t := s.op(ctx, "UpsertEntityEmbedding", attrs...)
	err := s.inner.UpsertEntityEmbedding(ctx, entityID, model, vector)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Transactions ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
