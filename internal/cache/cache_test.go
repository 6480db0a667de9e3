package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type technology struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// failingBackend returns err from every call.
type failingBackend struct {
	err error
}

func (f failingBackend) Get(ctx context.Context, key string) ([]byte, error)    { return nil, f.err }
func (f failingBackend) Put(ctx context.Context, key string, data []byte) error { return f.err }
func (f failingBackend) Delete(ctx context.Context, key string) error           { return f.err }

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()

	t.Run("ids", func(t *testing.T) {
		backend := NewMemoryBackend(0)
		c := New[struct{}](backend, "recs", "recommendedIds", ModeIDs)

		snap := Snapshot[struct{}]{IDs: []string{"A1", "B2"}}
		c.Save(ctx, snap)

		assert.Equal(t, snap, c.Load(ctx))

		raw, err := backend.Get(ctx, "recs")
		require.NoError(t, err)
		assert.JSONEq(t, `{"recommendedIds":["A1","B2"]}`, string(raw))
	})

	t.Run("entries", func(t *testing.T) {
		backend := NewMemoryBackend(0)
		c := New[technology](backend, "favs", "favorites", ModeEntries)

		snap := Snapshot[technology]{Entries: []technology{
			{Name: "Go", Category: "language"},
			{Name: "SQLite", Category: "database"},
		}}
		c.Save(ctx, snap)

		assert.Equal(t, snap, c.Load(ctx))

		raw, err := backend.Get(ctx, "favs")
		require.NoError(t, err)
		assert.JSONEq(t, `{"favorites":[{"name":"Go","category":"language"},{"name":"SQLite","category":"database"}]}`, string(raw))
	})

	t.Run("empty snapshot stores empty list", func(t *testing.T) {
		backend := NewMemoryBackend(0)
		c := New[struct{}](backend, "recs", "recommendedIds", ModeIDs)
		c.Save(ctx, Snapshot[struct{}]{})

		raw, err := backend.Get(ctx, "recs")
		require.NoError(t, err)
		assert.JSONEq(t, `{"recommendedIds":[]}`, string(raw))
		assert.True(t, c.Load(ctx).IsEmpty())
	})
}

func TestCache_LoadTolerance(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		c := New[struct{}](NewMemoryBackend(0), "recs", "recommendedIds", ModeIDs)
		assert.True(t, c.Load(ctx).IsEmpty())
	})

	t.Run("corrupt data", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		backend := NewMemoryBackend(0)
		require.NoError(t, backend.Put(ctx, "recs", []byte("{definitely not json")))

		c := New[struct{}](backend, "recs", "recommendedIds", ModeIDs, WithLogger[struct{}](zap.New(core)))
		assert.True(t, c.Load(ctx).IsEmpty())
		assert.Equal(t, 1, logs.FilterMessage("discarding corrupt cache record").Len())
	})

	t.Run("wrong shape", func(t *testing.T) {
		backend := NewMemoryBackend(0)
		require.NoError(t, backend.Put(ctx, "favs", []byte(`{"favorites":"Go"}`)))

		c := New[technology](backend, "favs", "favorites", ModeEntries)
		assert.True(t, c.Load(ctx).IsEmpty())
	})

	t.Run("missing field", func(t *testing.T) {
		backend := NewMemoryBackend(0)
		require.NoError(t, backend.Put(ctx, "recs", []byte(`{"favorites":[]}`)))

		c := New[struct{}](backend, "recs", "recommendedIds", ModeIDs)
		assert.True(t, c.Load(ctx).IsEmpty())
	})

	t.Run("backend failure", func(t *testing.T) {
		c := New[struct{}](failingBackend{err: errors.New("disk gone")}, "recs", "recommendedIds", ModeIDs)
		assert.True(t, c.Load(ctx).IsEmpty())
	})
}

func TestCache_SaveIsBestEffort(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity warning", func(t *testing.T) {
		var warnings []Warning
		c := New[struct{}](NewMemoryBackend(8), "recs", "recommendedIds", ModeIDs,
			WithWarning[struct{}](func(w Warning) { warnings = append(warnings, w) }))

		c.Save(ctx, Snapshot[struct{}]{IDs: []string{"a-long-identifier"}})

		require.Len(t, warnings, 1)
		assert.True(t, warnings[0].Capacity)
		assert.Equal(t, "recs", warnings[0].Key)
		assert.ErrorIs(t, warnings[0].Err, ErrCapacity)
	})

	t.Run("other failures", func(t *testing.T) {
		var warnings []Warning
		c := New[struct{}](failingBackend{err: ErrStoreClosed}, "recs", "recommendedIds", ModeIDs,
			WithWarning[struct{}](func(w Warning) { warnings = append(warnings, w) }))

		c.Save(ctx, Snapshot[struct{}]{IDs: []string{"A1"}})

		require.Len(t, warnings, 1)
		assert.False(t, warnings[0].Capacity)
	})
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)
	c := New[struct{}](backend, "recs", "recommendedIds", ModeIDs)

	c.Save(ctx, Snapshot[struct{}]{IDs: []string{"A1"}})
	require.NoError(t, c.Clear(ctx))
	assert.True(t, c.Load(ctx).IsEmpty())

	// Clearing twice is fine.
	require.NoError(t, c.Clear(ctx))

	failing := New[struct{}](failingBackend{err: ErrStoreClosed}, "recs", "recommendedIds", ModeIDs)
	assert.ErrorIs(t, failing.Clear(ctx), ErrStoreClosed)
}
