package relation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/relsync/internal/cache"
	"github.com/artpar/relsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockService implements remote.Service for testing.
type mockService struct {
	fetchFunc  func(ctx context.Context, entityID string) (remote.Baseline, error)
	mutateFunc func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error)

	fetchCalls  atomic.Int32
	mutateCalls atomic.Int32
}

func (m *mockService) FetchBaseline(ctx context.Context, entityID string) (remote.Baseline, error) {
	m.fetchCalls.Add(1)
	if m.fetchFunc == nil {
		return remote.Baseline{}, nil
	}
	return m.fetchFunc(ctx, entityID)
}

func (m *mockService) Mutate(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
	m.mutateCalls.Add(1)
	if m.mutateFunc == nil {
		return remote.MutateResult{}, nil
	}
	return m.mutateFunc(ctx, entityID, active, userID)
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type technology struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

func newRecommendations(t *testing.T, svc remote.Service, session Session, opts ...func(*Options[struct{}])) (*Engine[struct{}], *recorder) {
	t.Helper()
	rec := &recorder{}
	o := Options[struct{}]{Name: "recommendations", Counted: true, Notifier: rec}
	for _, fn := range opts {
		fn(&o)
	}
	engine, err := NewEngine(svc, session, o)
	require.NoError(t, err)
	return engine, rec
}

// blockingMutate returns a mutate func that waits for a result on release.
func blockingMutate(started chan<- struct{}, release <-chan Result) func(context.Context, string, bool, string) (remote.MutateResult, error) {
	return func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		started <- struct{}{}
		r := <-release
		return remote.MutateResult{Count: r.State.Count}, r.Err
	}
}

func TestNewEngine_Validation(t *testing.T) {
	svc := &mockService{}

	t.Run("requires service", func(t *testing.T) {
		_, err := NewEngine[struct{}](nil, StaticSession("u1"), Options[struct{}]{Name: "x"})
		assert.Error(t, err)
	})

	t.Run("requires session", func(t *testing.T) {
		_, err := NewEngine[struct{}](svc, nil, Options[struct{}]{Name: "x"})
		assert.Error(t, err)
	})

	t.Run("requires name", func(t *testing.T) {
		_, err := NewEngine[struct{}](svc, StaticSession("u1"), Options[struct{}]{})
		assert.Error(t, err)
	})

	t.Run("entry persistence requires IDOf", func(t *testing.T) {
		c := cache.New[technology](cache.NewMemoryBackend(0), "favs", "favorites", cache.ModeEntries)
		_, err := NewEngine(svc, StaticSession("u1"), Options[technology]{Name: "favorites", Cache: c})
		assert.Error(t, err)
	})
}

func TestEngine_InitState(t *testing.T) {
	t.Run("member of baseline is active", func(t *testing.T) {
		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"))

		st := engine.InitState("A1", 3, []string{"u9", "u1"})
		assert.Equal(t, State{EntityID: "A1", Active: true, Count: 3}, st)
		assert.True(t, engine.Active("A1"))
		assert.Equal(t, 3, engine.Count("A1"))
		assert.False(t, engine.Processing("A1"))
	})

	t.Run("idempotent", func(t *testing.T) {
		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"))

		first := engine.InitState("A1", 3, []string{"u9"})
		second := engine.InitState("A1", 3, []string{"u9"})
		assert.Equal(t, first, second)
		assert.Equal(t, first, engine.State("A1"))
	})

	t.Run("guest is never active", func(t *testing.T) {
		engine, _ := newRecommendations(t, &mockService{}, StaticSession(""))

		st := engine.InitState("A1", 3, []string{"", "u1"})
		assert.False(t, st.Active)
		assert.Equal(t, 3, st.Count)
	})

	t.Run("membership-only relation ignores count", func(t *testing.T) {
		engine, err := NewEngine(&mockService{}, StaticSession("u1"), Options[struct{}]{Name: "favorites"})
		require.NoError(t, err)

		st := engine.InitState("Go", 42, []string{"u1"})
		assert.Equal(t, State{EntityID: "Go", Active: true}, st)
	})

	t.Run("absent entity reads default", func(t *testing.T) {
		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"))
		assert.Equal(t, State{EntityID: "nope"}, engine.State("nope"))
	})
}

func TestEngine_OptimisticThenConfirm(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, rec := newRecommendations(t, svc, StaticSession("u1"))

	engine.InitState("A1", 5, nil)

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)

	// Optimistic state is visible before the remote call settles.
	assert.Equal(t, State{EntityID: "A1", Active: true, Count: 6, Processing: true}, engine.State("A1"))
	<-started

	release <- Result{State: State{Count: 6}}
	res := <-done

	require.NoError(t, res.Err)
	want := State{EntityID: "A1", Active: true, Count: 6}
	assert.Equal(t, want, res.State)
	assert.Equal(t, want, engine.State("A1"))

	notes := rec.all()
	require.Len(t, notes, 1)
	assert.Equal(t, NoticeActivated, notes[0].Kind)
	assert.Equal(t, "Added to recommendations", notes[0].Message)
	assert.NotEmpty(t, notes[0].ID)
}

func TestEngine_AuthoritativeCountWins(t *testing.T) {
	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		assert.False(t, active)
		assert.Equal(t, "u1", userID)
		return remote.MutateResult{Count: 10}, nil
	}}
	engine, rec := newRecommendations(t, svc, StaticSession("u1"))
	engine.InitState("A1", 5, []string{"u1"})

	st, err := engine.Toggle(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, State{EntityID: "A1", Active: false, Count: 10}, st)
	assert.Equal(t, NoticeDeactivated, rec.all()[0].Kind)
}

func TestEngine_RollbackLaw(t *testing.T) {
	initial := []struct {
		name    string
		count   int
		members []string
	}{
		{"inactive", 5, nil},
		{"active", 5, []string{"u1"}},
		{"inactive zero", 0, nil},
		{"active zero", 0, []string{"u1"}},
	}

	for _, tt := range initial {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
				return remote.MutateResult{}, remote.StatusError(http.StatusInternalServerError, nil)
			}}
			engine, _ := newRecommendations(t, svc, StaticSession("u1"))

			before := engine.InitState("A1", tt.count, tt.members)
			after, err := engine.Toggle(context.Background(), "A1")

			require.Error(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, before, engine.State("A1"))
		})
	}
}

func TestEngine_ServerErrorScenario(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, rec := newRecommendations(t, svc, StaticSession("u1"))

	st := engine.InitState("A1", 3, []string{"u9"})
	assert.Equal(t, State{EntityID: "A1", Active: false, Count: 3}, st)

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)
	assert.Equal(t, State{EntityID: "A1", Active: true, Count: 4, Processing: true}, engine.State("A1"))
	<-started

	release <- Result{Err: remote.StatusError(http.StatusInternalServerError, nil)}
	res := <-done

	assert.Equal(t, remote.KindServer, remote.KindOf(res.Err))
	assert.Equal(t, State{EntityID: "A1", Active: false, Count: 3, Processing: false}, engine.State("A1"))

	notes := rec.all()
	require.Len(t, notes, 1)
	assert.Equal(t, NoticeError, notes[0].Kind)
	assert.Equal(t, remote.KindServer, notes[0].Error)
	assert.Equal(t, "Server error. Please try again later.", notes[0].Message)
}

func TestEngine_ErrorNotificationsByKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want remote.Kind
	}{
		{"network", remote.NewError(remote.KindNetwork, errors.New("offline")), remote.KindNetwork},
		{"auth expired", remote.StatusError(http.StatusUnauthorized, nil), remote.KindAuthExpired},
		{"not found", remote.StatusError(http.StatusNotFound, nil), remote.KindNotFound},
		{"server", remote.StatusError(http.StatusBadGateway, nil), remote.KindServer},
		{"unknown", errors.New("weird"), remote.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
				return remote.MutateResult{}, tt.err
			}}
			engine, rec := newRecommendations(t, svc, StaticSession("u1"))

			_, err := engine.Toggle(context.Background(), "A1")
			require.Error(t, err)

			notes := rec.all()
			require.Len(t, notes, 1)
			assert.Equal(t, tt.want, notes[0].Error)
			assert.Equal(t, ErrorMessage(tt.want), notes[0].Message)
		})
	}
}

func TestEngine_SingleFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))
	engine.InitState("A1", 5, nil)

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)
	<-started

	var writes int
	cancel := engine.Subscribe(func(Change) { writes++ })

	assert.Nil(t, engine.ToggleAsync(context.Background(), "A1"))
	st, err := engine.Toggle(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.True(t, st.Processing)
	assert.Equal(t, 0, writes)
	assert.Equal(t, int32(1), svc.mutateCalls.Load())
	cancel()

	// Other entities are independent.
	other := engine.ToggleAsync(context.Background(), "B2")
	require.NotNil(t, other)
	<-started
	release <- Result{State: State{Count: 1}}
	release <- Result{State: State{Count: 6}}
	<-done
	<-other

	assert.False(t, engine.Processing("A1"))
	assert.False(t, engine.Processing("B2"))

	// The guard was released on settle.
	svc.mutateFunc = func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		return remote.MutateResult{Count: 5}, nil
	}
	_, err = engine.Toggle(context.Background(), "A1")
	assert.NoError(t, err)
}

func TestEngine_Unauthenticated(t *testing.T) {
	svc := &mockService{}
	engine, rec := newRecommendations(t, svc, StaticSession(""))
	engine.InitState("A1", 3, []string{"u9"})

	var writes int
	engine.Subscribe(func(Change) { writes++ })

	assert.Nil(t, engine.ToggleAsync(context.Background(), "A1"))
	st, err := engine.Toggle(context.Background(), "A1")

	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 3, engine.Count("A1"))
	assert.Equal(t, 0, writes)
	assert.Equal(t, int32(0), svc.mutateCalls.Load())

	notes := rec.all()
	require.Len(t, notes, 2)
	assert.Equal(t, NoticeAuthRequired, notes[0].Kind)
	assert.Equal(t, "Please sign in to continue.", notes[0].Message)
}

func TestEngine_SessionChanges(t *testing.T) {
	var user atomic.Value
	user.Store("")
	session := SessionFunc(func() string { return user.Load().(string) })

	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		return remote.MutateResult{Count: 1}, nil
	}}
	engine, _ := newRecommendations(t, svc, session)

	_, err := engine.Toggle(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	user.Store("u1")
	st, err := engine.Toggle(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, st.Active)
}

func TestEngine_CountNeverNegative(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))
	engine.InitState("A1", 0, []string{"u1"})

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)
	assert.Equal(t, 0, engine.Count("A1"))
	<-started
	release <- Result{}
	<-done
}

func TestEngine_InitStateDuringFlightKeepsProcessing(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))
	engine.InitState("A1", 5, nil)

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)
	<-started

	st := engine.InitState("A1", 7, nil)
	assert.True(t, st.Processing)

	release <- Result{State: State{Count: 8}}
	res := <-done
	assert.Equal(t, State{EntityID: "A1", Active: true, Count: 8}, res.State)
}

func TestEngine_ProcessingMatchesGuardAfterSettle(t *testing.T) {
	tests := []struct {
		name   string
		kind   NoticeKind
		mutate func(context.Context, string, bool, string) (remote.MutateResult, error)
	}{
		{
			name: "confirmed",
			kind: NoticeActivated,
			mutate: func(context.Context, string, bool, string) (remote.MutateResult, error) {
				return remote.MutateResult{Count: 6}, nil
			},
		},
		{
			name: "rolled back",
			kind: NoticeError,
			mutate: func(context.Context, string, bool, string) (remote.MutateResult, error) {
				return remote.MutateResult{}, &remote.Error{Kind: remote.KindServer, Status: http.StatusInternalServerError}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var engine *Engine[struct{}]
			var rebased State
			rebase := NotifierFunc(func(n Notification) {
				if n.Kind == tt.kind {
					rebased = engine.InitState("A1", 6, []string{"u1"})
				}
			})
			engine, _ = newRecommendations(t, &mockService{mutateFunc: tt.mutate}, StaticSession("u1"), func(o *Options[struct{}]) {
				o.Notifier = rebase
			})
			engine.InitState("A1", 5, nil)

			_, _ = engine.Toggle(context.Background(), "A1")

			assert.False(t, rebased.Processing)
			assert.False(t, engine.guard.locked("A1"))
			assert.False(t, engine.Processing("A1"))
		})
	}
}

func TestEngine_ProcessingVisibleWhileInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))

	var mu sync.Mutex
	var mismatches int
	engine.Store().Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		if c.Current.Processing != engine.guard.locked(c.EntityID) {
			mismatches++
		}
	})

	done := engine.ToggleAsync(context.Background(), "A1")
	require.NotNil(t, done)
	<-started
	release <- Result{State: State{Count: 1}}
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, mismatches)
}

func TestEngine_CallerCancellationDoesNotAbort(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		started <- struct{}{}
		r := <-release
		// The remote sees an uncancelled context.
		assert.NoError(t, ctx.Err())
		return remote.MutateResult{Count: r.State.Count}, r.Err
	}}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := engine.ToggleAsync(ctx, "A1")
	require.NotNil(t, done)
	<-started
	cancel()

	release <- Result{State: State{Count: 1}}
	res := <-done
	require.NoError(t, res.Err)
	assert.True(t, res.State.Active)
}

func TestEngine_TimeoutForcesRollback(t *testing.T) {
	var hang atomic.Bool
	hang.Store(true)
	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		if hang.Load() {
			<-ctx.Done()
			return remote.MutateResult{}, ctx.Err()
		}
		return remote.MutateResult{Count: 4}, nil
	}}
	engine, rec := newRecommendations(t, svc, StaticSession("u1"), func(o *Options[struct{}]) {
		o.Timeout = 20 * time.Millisecond
	})
	engine.InitState("A1", 3, nil)

	st, err := engine.Toggle(context.Background(), "A1")
	require.Error(t, err)
	assert.Equal(t, remote.KindNetwork, remote.KindOf(err))
	assert.Equal(t, State{EntityID: "A1", Count: 3}, st)
	assert.False(t, engine.Processing("A1"))
	assert.Equal(t, remote.KindNetwork, rec.all()[0].Error)

	// Guard was force-released.
	hang.Store(false)
	st, err = engine.Toggle(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Count)
}

func TestEngine_TimeoutDiscardsLateResponse(t *testing.T) {
	late := make(chan struct{})
	finished := make(chan struct{})
	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		defer close(finished)
		<-late
		return remote.MutateResult{Count: 99}, nil
	}}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"), func(o *Options[struct{}]) {
		o.Timeout = 10 * time.Millisecond
	})
	engine.InitState("A1", 3, nil)

	_, err := engine.Toggle(context.Background(), "A1")
	require.Error(t, err)

	close(late)
	<-finished
	assert.Equal(t, State{EntityID: "A1", Count: 3}, engine.State("A1"))
}

func TestEngine_PersistsOptimisticAndRollback(t *testing.T) {
	backend := cache.NewMemoryBackend(0)
	c := cache.New[struct{}](backend, "relsync.recommendations", "recommendedIds", cache.ModeIDs)

	started := make(chan struct{}, 1)
	release := make(chan Result)
	svc := &mockService{mutateFunc: blockingMutate(started, release)}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"), func(o *Options[struct{}]) {
		o.Cache = c
	})
	engine.InitState("A1", 3, []string{"u1"})
	engine.InitState("B2", 1, nil)

	done := engine.ToggleAsync(context.Background(), "B2")
	require.NotNil(t, done)
	<-started

	// A reload mid-flight would show the optimistic membership.
	assert.Equal(t, []string{"A1", "B2"}, c.Load(context.Background()).IDs)

	release <- Result{Err: remote.StatusError(http.StatusServiceUnavailable, nil)}
	<-done

	assert.Equal(t, []string{"A1"}, c.Load(context.Background()).IDs)
}

func TestEngine_FavoritesEntries(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend(0)
	newCache := func() *cache.Cache[technology] {
		return cache.New[technology](backend, "relsync.favorites", "favorites", cache.ModeEntries)
	}

	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		return remote.MutateResult{Count: 12}, nil
	}}
	opts := Options[technology]{
		Name:  "favorites",
		Cache: newCache(),
		IDOf:  func(t technology) string { return t.Name },
	}
	engine, err := NewEngine(svc, StaticSession("u1"), opts)
	require.NoError(t, err)

	engine.InitEntry(technology{Name: "Go", Category: "language"}, 0, nil)
	engine.InitEntry(technology{Name: "SQLite", Category: "database"}, 0, nil)

	st, err := engine.Toggle(ctx, "Go")
	require.NoError(t, err)
	assert.Equal(t, State{EntityID: "Go", Active: true}, st, "membership-only count stays 0")

	snap := newCache().Load(ctx)
	assert.Equal(t, []technology{{Name: "Go", Category: "language"}}, snap.Entries)

	// A fresh engine over the same storage starts warm.
	opts.Cache = newCache()
	reloaded, err := NewEngine(svc, StaticSession("u1"), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, reloaded.Warm(ctx))
	assert.True(t, reloaded.Active("Go"))
	assert.False(t, reloaded.Active("SQLite"))
	entry, ok := reloaded.Entry("Go")
	require.True(t, ok)
	assert.Equal(t, "language", entry.Category)
}

func TestEngine_UntrackedFavoriteSurvivesReload(t *testing.T) {
	ctx := context.Background()
	backend := cache.NewMemoryBackend(0)
	opts := Options[technology]{
		Name:     "favorites",
		Cache:    cache.New[technology](backend, "relsync.favorites", "favorites", cache.ModeEntries),
		IDOf:     func(t technology) string { return t.Name },
		NewEntry: func(id string) technology { return technology{Name: id} },
	}
	engine, err := NewEngine(&mockService{}, StaticSession("u1"), opts)
	require.NoError(t, err)

	_, err = engine.Toggle(ctx, "Go")
	require.NoError(t, err)
	engine.InitState("SQLite", 0, []string{"u1"})

	reloaded, err := NewEngine(&mockService{}, StaticSession("u1"), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Warm(ctx))
	entry, ok := reloaded.Entry("Go")
	require.True(t, ok)
	assert.Equal(t, technology{Name: "Go"}, entry)
}

func TestEngine_Warm(t *testing.T) {
	ctx := context.Background()

	t.Run("ids restore membership without counts", func(t *testing.T) {
		backend := cache.NewMemoryBackend(0)
		c := cache.New[struct{}](backend, "recs", "recommendedIds", cache.ModeIDs)
		c.Save(ctx, cache.Snapshot[struct{}]{IDs: []string{"A1", "B2"}})

		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"), func(o *Options[struct{}]) {
			o.Cache = c
		})

		var changes []Change
		engine.Subscribe(func(ch Change) { changes = append(changes, ch) })

		assert.Equal(t, 2, engine.Warm(ctx))
		assert.Len(t, changes, 2)
		assert.True(t, engine.Active("A1"))
		assert.Equal(t, 0, engine.Count("A1"))

		// Baseline overrides the warm value.
		engine.InitState("A1", 9, nil)
		assert.False(t, engine.Active("A1"))
		assert.Equal(t, []string{"B2"}, c.Load(ctx).IDs)
	})

	t.Run("corrupt cache starts cold", func(t *testing.T) {
		backend := cache.NewMemoryBackend(0)
		require.NoError(t, backend.Put(ctx, "recs", []byte("][")))
		c := cache.New[struct{}](backend, "recs", "recommendedIds", cache.ModeIDs)

		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"), func(o *Options[struct{}]) {
			o.Cache = c
		})
		assert.Equal(t, 0, engine.Warm(ctx))
		assert.Equal(t, 0, engine.Store().Len())
	})

	t.Run("no cache", func(t *testing.T) {
		engine, _ := newRecommendations(t, &mockService{}, StaticSession("u1"))
		assert.Equal(t, 0, engine.Warm(ctx))
		assert.NoError(t, engine.ClearCache(ctx))
	})
}

func TestEngine_SaveFailureDoesNotFailToggle(t *testing.T) {
	var warnings []cache.Warning
	c := cache.New[struct{}](cache.NewMemoryBackend(4), "recs", "recommendedIds", cache.ModeIDs,
		cache.WithWarning[struct{}](func(w cache.Warning) { warnings = append(warnings, w) }))

	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		return remote.MutateResult{Count: 1}, nil
	}}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"), func(o *Options[struct{}]) {
		o.Cache = c
	})

	st, err := engine.Toggle(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.NotEmpty(t, warnings)
	assert.True(t, warnings[0].Capacity)
}

func TestEngine_Refresh(t *testing.T) {
	t.Run("applies baseline", func(t *testing.T) {
		svc := &mockService{fetchFunc: func(ctx context.Context, entityID string) (remote.Baseline, error) {
			return remote.Baseline{Count: 3, Members: []string{"u9", "u1"}}, nil
		}}
		engine, _ := newRecommendations(t, svc, StaticSession("u1"))

		st, err := engine.Refresh(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, State{EntityID: "A1", Active: true, Count: 3}, st)
	})

	t.Run("failure leaves state untouched", func(t *testing.T) {
		svc := &mockService{fetchFunc: func(ctx context.Context, entityID string) (remote.Baseline, error) {
			return remote.Baseline{}, remote.StatusError(http.StatusNotFound, nil)
		}}
		engine, _ := newRecommendations(t, svc, StaticSession("u1"))
		engine.InitState("A1", 2, nil)

		st, err := engine.Refresh(context.Background(), "A1")
		require.Error(t, err)
		assert.Equal(t, remote.KindNotFound, remote.KindOf(err))
		assert.Equal(t, 2, st.Count)
	})

	t.Run("concurrent refreshes share one request", func(t *testing.T) {
		gate := make(chan struct{})
		svc := &mockService{fetchFunc: func(ctx context.Context, entityID string) (remote.Baseline, error) {
			<-gate
			return remote.Baseline{Count: 7}, nil
		}}
		engine, _ := newRecommendations(t, svc, StaticSession("u1"))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := engine.Refresh(context.Background(), "A1")
				assert.NoError(t, err)
				assert.Equal(t, 7, st.Count)
			}()
		}

		// Let every goroutine join the in-flight call before releasing it.
		require.Eventually(t, func() bool { return svc.fetchCalls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(gate)
		wg.Wait()

		assert.Equal(t, int32(1), svc.fetchCalls.Load())
	})
}

func TestEngine_RefreshAll(t *testing.T) {
	svc := &mockService{fetchFunc: func(ctx context.Context, entityID string) (remote.Baseline, error) {
		if entityID == "gone" {
			return remote.Baseline{}, remote.StatusError(http.StatusNotFound, nil)
		}
		return remote.Baseline{Count: len(entityID)}, nil
	}}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))

	require.NoError(t, engine.RefreshAll(context.Background(), []string{"a", "bb", "ccc"}))
	assert.Equal(t, 1, engine.Count("a"))
	assert.Equal(t, 2, engine.Count("bb"))
	assert.Equal(t, 3, engine.Count("ccc"))

	err := engine.RefreshAll(context.Background(), []string{"a", "gone"})
	assert.Equal(t, remote.KindNotFound, remote.KindOf(err))
}

func TestEngine_ConcurrentTogglesAcrossEntities(t *testing.T) {
	svc := &mockService{mutateFunc: func(ctx context.Context, entityID string, active bool, userID string) (remote.MutateResult, error) {
		return remote.MutateResult{Count: 1}, nil
	}}
	engine, _ := newRecommendations(t, svc, StaticSession("u1"))

	ids := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Toggle(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, ids, engine.Store().ActiveIDs())
}

// listingService adds membership listing to mockService.
type listingService struct {
	*mockService
	listed []string
	err    error
}

func (l listingService) ListMemberships(ctx context.Context, userID string) ([]string, error) {
	return l.listed, l.err
}

func TestEngine_Sync(t *testing.T) {
	baselines := map[string]remote.Baseline{
		"A1": {Count: 2, Members: []string{"u1", "u2"}},
		"B2": {Count: 1, Members: []string{"u1"}},
	}
	svc := &mockService{fetchFunc: func(ctx context.Context, entityID string) (remote.Baseline, error) {
		return baselines[entityID], nil
	}}

	t.Run("refreshes listed and locally active entities", func(t *testing.T) {
		engine, _ := newRecommendations(t, listingService{mockService: svc, listed: []string{"B2", "A1"}}, StaticSession("u1"))
		engine.InitState("C3", 4, []string{"u1"})

		ids, err := engine.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"A1", "B2", "C3"}, ids)
		assert.Equal(t, State{EntityID: "A1", Active: true, Count: 2}, engine.State("A1"))
		assert.Equal(t, State{EntityID: "B2", Active: true, Count: 1}, engine.State("B2"))
		assert.Equal(t, State{EntityID: "C3"}, engine.State("C3"))
	})

	t.Run("guest", func(t *testing.T) {
		engine, _ := newRecommendations(t, listingService{mockService: svc}, StaticSession(""))
		_, err := engine.Sync(context.Background())
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("remote without listing", func(t *testing.T) {
		engine, _ := newRecommendations(t, svc, StaticSession("u1"))
		_, err := engine.Sync(context.Background())
		assert.ErrorIs(t, err, ErrNoListing)
	})

	t.Run("listing failure", func(t *testing.T) {
		failure := remote.StatusError(http.StatusBadGateway, nil)
		engine, _ := newRecommendations(t, listingService{mockService: svc, err: failure}, StaticSession("u1"))
		_, err := engine.Sync(context.Background())
		assert.Equal(t, remote.KindServer, remote.KindOf(err))
	})
}
