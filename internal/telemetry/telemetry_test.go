package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/telemetry"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// fakeStore overrides only the methods the tests call; everything else
// panics through the embedded nil interface, which would catch an
// instrumented method delegating to the wrong place.
type fakeStore struct {
	storage.Storage
	captured  *types.RawNote
	countCall types.ReviewFilter
	pinged    bool
	closed    bool
}

func (f *fakeStore) CaptureNote(ctx context.Context, note *types.RawNote) (*types.RawNote, bool, error) {
	f.captured = note
	return note, true, nil
}

func (f *fakeStore) CountReviewItems(ctx context.Context, filter types.ReviewFilter) (int, error) {
	f.countCall = filter
	return 7, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.pinged = true
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func TestEnabled(t *testing.T) {
	t.Setenv("PM_OTEL_ENABLED", "")
	assert.False(t, telemetry.Enabled())

	t.Setenv("PM_OTEL_ENABLED", "true")
	assert.True(t, telemetry.Enabled())

	t.Setenv("PM_OTEL_ENABLED", "1")
	assert.False(t, telemetry.Enabled(), "only the literal \"true\" enables telemetry")
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("PM_OTEL_ENABLED", "")

	require.NoError(t, telemetry.Init(context.Background(), "pmd-test", "0.0.0"))

	// The no-op providers must hand out usable instruments.
	tr := telemetry.Tracer("")
	require.NotNil(t, tr)
	_, span := tr.Start(context.Background(), "noop")
	span.End()

	m := telemetry.Meter("")
	require.NotNil(t, m)
	ctr, err := m.Int64Counter("noop.counter")
	require.NoError(t, err)
	ctr.Add(context.Background(), 1)

	// Shutdown with nothing registered is fine, twice too.
	telemetry.Shutdown(context.Background())
	telemetry.Shutdown(context.Background())
}

func TestWrapStorageDisabledReturnsOriginal(t *testing.T) {
	t.Setenv("PM_OTEL_ENABLED", "")

	fs := &fakeStore{}
	wrapped := telemetry.WrapStorage(fs)
	assert.Same(t, storage.Storage(fs), wrapped)
}

func TestWrapStorageDelegates(t *testing.T) {
	t.Setenv("PM_OTEL_ENABLED", "true")

	fs := &fakeStore{}
	wrapped := telemetry.WrapStorage(fs)
	require.IsType(t, &telemetry.InstrumentedStorage{}, wrapped)

	note := &types.RawNote{Content: "capture me", Source: types.SourceCLI}
	got, deduped, err := wrapped.CaptureNote(context.Background(), note)
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Same(t, note, got)
	assert.Same(t, note, fs.captured)

	pending := types.ReviewPending
	n, err := wrapped.CountReviewItems(context.Background(), types.ReviewFilter{Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, &pending, fs.countCall.Status)

	// Lifecycle methods pass straight through, no span.
	require.NoError(t, wrapped.Ping(context.Background()))
	assert.True(t, fs.pinged)
	require.NoError(t, wrapped.Close())
	assert.True(t, fs.closed)
}
