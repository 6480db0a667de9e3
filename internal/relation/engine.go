package relation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/artpar/relsync/internal/cache"
	"github.com/artpar/relsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Errors returned before any request is sent.
var (
	ErrUnauthenticated = errors.New("relation: no user session")
	ErrAlreadyInFlight = errors.New("relation: mutation already in flight")
	ErrNoListing       = errors.New("relation: remote cannot list memberships")
)

// refreshParallelism bounds concurrent baseline fetches in RefreshAll.
const refreshParallelism = 4

// Session reports the current user. An empty id means a guest.
type Session interface {
	UserID() string
}

// StaticSession is a fixed user id.
type StaticSession string

// UserID returns s.
func (s StaticSession) UserID() string {
	return string(s)
}

// SessionFunc adapts a function to Session.
type SessionFunc func() string

// UserID calls f.
func (f SessionFunc) UserID() string {
	return f()
}

// Options configures an Engine.
type Options[E any] struct {
	// Name identifies the relation in notifications and logs.
	Name string

	// Counted relations track an aggregate count; others hold it at 0.
	Counted bool

	// Cache persists membership. Nil disables persistence.
	Cache *cache.Cache[E]

	// IDOf extracts the entity id from an entry. Required when Cache
	// persists full entries.
	IDOf func(E) string

	// NewEntry builds the entry for an active entity that was never
	// tracked, so full-entry persistence does not drop it.
	NewEntry func(entityID string) E

	// Timeout bounds each remote mutation. Zero waits forever.
	Timeout time.Duration

	Notifier Notifier
	Logger   *zap.Logger

	ActivatedMessage   string
	DeactivatedMessage string
	AuthMessage        string
}

// Result is the settled outcome of a toggle.
type Result struct {
	State State
	Err   error
}

// Engine applies toggles optimistically, confirms them with the remote
// service and rolls back on failure. It is the only writer of its Store.
type Engine[E any] struct {
	opts     Options[E]
	store    *Store
	guard    *guard
	remote   remote.Service
	session  Session
	notifier Notifier
	logger   *zap.Logger

	// stateMu makes each guard transition and its store write one step, so
	// Processing always matches the guard. Subscribers run under it and must
	// not call back into the engine's mutators.
	stateMu sync.Mutex

	entriesMu sync.RWMutex
	entries   map[string]E

	// persistMu orders snapshot reads with their saves.
	persistMu sync.Mutex

	refreshes singleflight.Group
}

// NewEngine builds an engine around svc for the user reported by session.
func NewEngine[E any](svc remote.Service, session Session, opts Options[E]) (*Engine[E], error) {
	if svc == nil {
		return nil, errors.New("relation: remote service is nil")
	}
	if session == nil {
		return nil, errors.New("relation: session is nil")
	}
	if opts.Name == "" {
		return nil, errors.New("relation: name is empty")
	}
	if opts.Cache != nil && opts.Cache.Mode() == cache.ModeEntries && opts.IDOf == nil {
		return nil, fmt.Errorf("relation %s: IDOf is required to persist entries", opts.Name)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if opts.ActivatedMessage == "" {
		opts.ActivatedMessage = "Added to " + opts.Name
	}
	if opts.DeactivatedMessage == "" {
		opts.DeactivatedMessage = "Removed from " + opts.Name
	}
	if opts.AuthMessage == "" {
		opts.AuthMessage = "Please sign in to continue."
	}

	return &Engine[E]{
		opts:     opts,
		store:    NewStore(opts.Name),
		guard:    newGuard(),
		remote:   svc,
		session:  session,
		notifier: notifier,
		logger:   logger.With(zap.String("relation", opts.Name)),
		entries:  make(map[string]E),
	}, nil
}

// Name returns the relation name.
func (e *Engine[E]) Name() string {
	return e.opts.Name
}

// Store returns the read side of the engine's store.
func (e *Engine[E]) Store() *Store {
	return e.store
}

// Subscribe registers fn for every state change.
func (e *Engine[E]) Subscribe(fn func(Change)) (cancel func()) {
	return e.store.Subscribe(fn)
}

// State returns the current state of entityID.
func (e *Engine[E]) State(entityID string) State {
	return e.store.Read(entityID)
}

// Active reports whether the user holds the relation for entityID.
func (e *Engine[E]) Active(entityID string) bool {
	return e.store.Read(entityID).Active
}

// Count returns the aggregate count for entityID.
func (e *Engine[E]) Count(entityID string) int {
	return e.store.Read(entityID).Count
}

// Processing reports whether a mutation for entityID is in flight.
func (e *Engine[E]) Processing(entityID string) bool {
	return e.store.Read(entityID).Processing
}

// Entry returns the recorded entry for entityID.
func (e *Engine[E]) Entry(entityID string) (E, bool) {
	e.entriesMu.RLock()
	defer e.entriesMu.RUnlock()
	entry, ok := e.entries[entityID]
	return entry, ok
}

// InitState sets entityID from a server baseline. Calling it again with the
// same data yields the same state.
func (e *Engine[E]) InitState(entityID string, count int, members []string) State {
	user := e.session.UserID()
	active := false
	if user != "" {
		for _, m := range members {
			if m == user {
				active = true
				break
			}
		}
	}
	if !e.opts.Counted {
		count = 0
	}

	if active {
		e.ensureEntry(entityID)
	}

	e.stateMu.Lock()
	prev := e.store.Read(entityID)
	st := State{
		EntityID:   entityID,
		Active:     active,
		Count:      count,
		Processing: e.guard.locked(entityID),
	}
	e.store.write(st)
	e.stateMu.Unlock()

	if prev.Active != st.Active {
		e.persist(context.Background())
	}
	return st
}

// Track records entry for full-entry persistence without touching its
// state, and returns its entity id.
func (e *Engine[E]) Track(entry E) string {
	id := e.idOf(entry)
	e.entriesMu.Lock()
	e.entries[id] = entry
	e.entriesMu.Unlock()
	return id
}

// InitEntry records entry and initializes its state from a baseline.
func (e *Engine[E]) InitEntry(entry E, count int, members []string) State {
	return e.InitState(e.Track(entry), count, members)
}

// Refresh fetches the baseline for entityID and applies it. Concurrent
// refreshes of the same entity share one request.
func (e *Engine[E]) Refresh(ctx context.Context, entityID string) (State, error) {
	v, err, shared := e.refreshes.Do(entityID, func() (any, error) {
		return e.remote.FetchBaseline(ctx, entityID)
	})
	if err != nil {
		e.logger.Warn("baseline fetch failed",
			zap.String("entity", entityID),
			zap.Stringer("error_kind", remote.KindOf(err)),
			zap.Error(err))
		return e.store.Read(entityID), fmt.Errorf("refresh %s/%s: %w", e.opts.Name, entityID, err)
	}
	baseline := v.(remote.Baseline)
	e.logger.Debug("baseline fetched",
		zap.String("entity", entityID),
		zap.Int("count", baseline.Count),
		zap.Bool("shared", shared))
	return e.InitState(entityID, baseline.Count, baseline.Members), nil
}

// RefreshAll refreshes every id with bounded parallelism and returns the
// first error.
func (e *Engine[E]) RefreshAll(ctx context.Context, entityIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for _, id := range entityIDs {
		g.Go(func() error {
			_, err := e.Refresh(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// Sync refreshes every entity the remote lists for the signed-in user, plus
// every entity active locally, and returns their ids sorted. Locally active
// entities the remote no longer lists end up inactive.
func (e *Engine[E]) Sync(ctx context.Context) ([]string, error) {
	user := e.session.UserID()
	if user == "" {
		return nil, ErrUnauthenticated
	}
	lister, ok := e.remote.(remote.Lister)
	if !ok {
		return nil, ErrNoListing
	}

	listed, err := lister.ListMemberships(ctx, user)
	if err != nil {
		return nil, err
	}
	ids := append(slices.Clone(listed), e.store.ActiveIDs()...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	e.logger.Debug("syncing memberships", zap.Int("listed", len(listed)), zap.Int("entities", len(ids)))
	return ids, e.RefreshAll(ctx, ids)
}

// Warm marks every persisted membership active so the store starts from the
// last known view. Counts are left for the next baseline. It returns the
// number of entities restored.
func (e *Engine[E]) Warm(ctx context.Context) int {
	if e.opts.Cache == nil {
		return 0
	}
	snap := e.opts.Cache.Load(ctx)

	var ids []string
	if e.opts.Cache.Mode() == cache.ModeEntries {
		e.entriesMu.Lock()
		for _, entry := range snap.Entries {
			id := e.idOf(entry)
			e.entries[id] = entry
			ids = append(ids, id)
		}
		e.entriesMu.Unlock()
	} else {
		ids = snap.IDs
	}

	restored := 0
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.store.batch(func(put func(State)) {
		for _, id := range ids {
			if id == "" || e.guard.locked(id) {
				continue
			}
			st := e.store.Read(id)
			st.Active = true
			put(st)
			restored++
		}
	})
	e.logger.Debug("store warmed from cache", zap.Int("entities", restored))
	return restored
}

// ClearCache removes the persisted snapshot.
func (e *Engine[E]) ClearCache(ctx context.Context) error {
	if e.opts.Cache == nil {
		return nil
	}
	return e.opts.Cache.Clear(ctx)
}

// Toggle flips the relation for entityID and waits for the remote call to
// settle. ErrUnauthenticated and ErrAlreadyInFlight are returned without
// any state change or request. On a remote failure the rolled back state is
// returned with the classified error.
func (e *Engine[E]) Toggle(ctx context.Context, entityID string) (State, error) {
	f, err := e.begin(ctx, entityID)
	if err != nil {
		return e.store.Read(entityID), err
	}
	res := e.settle(ctx, f)
	return res.State, res.Err
}

// ToggleAsync applies the optimistic state before returning and settles in
// the background. It returns nil when the toggle was rejected before any
// request was sent.
func (e *Engine[E]) ToggleAsync(ctx context.Context, entityID string) <-chan Result {
	f, err := e.begin(ctx, entityID)
	if err != nil {
		return nil
	}
	done := make(chan Result, 1)
	go func() {
		done <- e.settle(ctx, f)
	}()
	return done
}

// flight is one admitted toggle.
type flight struct {
	entityID string
	userID   string
	previous State
	desired  State
}

func (e *Engine[E]) begin(ctx context.Context, entityID string) (*flight, error) {
	user := e.session.UserID()
	if user == "" {
		e.notifier.Notify(newNotification(e.opts.Name, entityID, NoticeAuthRequired, e.opts.AuthMessage))
		return nil, ErrUnauthenticated
	}
	e.stateMu.Lock()
	if !e.guard.tryAcquire(entityID) {
		e.stateMu.Unlock()
		e.logger.Debug("toggle dropped, mutation in flight", zap.String("entity", entityID))
		return nil, ErrAlreadyInFlight
	}

	previous := e.store.Read(entityID)
	previous.Processing = false

	desired := State{
		EntityID:   entityID,
		Active:     !previous.Active,
		Processing: true,
	}
	if e.opts.Counted {
		desired.Count = previous.Count + 1
		if previous.Active {
			desired.Count = max(previous.Count-1, 0)
		}
	}

	e.store.write(desired)
	e.stateMu.Unlock()

	if desired.Active {
		e.ensureEntry(entityID)
	}
	e.persist(ctx)

	return &flight{entityID: entityID, userID: user, previous: previous, desired: desired}, nil
}

func (e *Engine[E]) settle(ctx context.Context, f *flight) Result {
	started := time.Now()
	resp, err := e.mutate(ctx, f)
	if err != nil {
		kind := remote.KindOf(err)
		e.commit(f.previous)
		e.persist(ctx)

		e.logger.Warn("toggle rolled back",
			zap.String("entity", f.entityID),
			zap.Bool("desired", f.desired.Active),
			zap.Stringer("error_kind", kind),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))

		n := newNotification(e.opts.Name, f.entityID, NoticeError, ErrorMessage(kind))
		n.Error = kind
		e.notifier.Notify(n)
		return Result{State: f.previous, Err: err}
	}

	final := State{EntityID: f.entityID, Active: f.desired.Active}
	if e.opts.Counted {
		final.Count = resp.Count
	}
	e.commit(final)
	e.persist(ctx)

	e.logger.Debug("toggle confirmed",
		zap.String("entity", f.entityID),
		zap.Bool("active", final.Active),
		zap.Int("count", final.Count),
		zap.Duration("elapsed", time.Since(started)))

	if final.Active {
		e.notifier.Notify(newNotification(e.opts.Name, f.entityID, NoticeActivated, e.opts.ActivatedMessage))
	} else {
		e.notifier.Notify(newNotification(e.opts.Name, f.entityID, NoticeDeactivated, e.opts.DeactivatedMessage))
	}
	return Result{State: final}
}

// commit writes the settled state and releases the guard in one step.
func (e *Engine[E]) commit(st State) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.store.write(st)
	e.guard.release(st.EntityID)
}

// ensureEntry records NewEntry(entityID) when full entries are persisted and
// none is recorded yet.
func (e *Engine[E]) ensureEntry(entityID string) {
	if e.opts.NewEntry == nil || e.opts.Cache == nil || e.opts.Cache.Mode() != cache.ModeEntries {
		return
	}
	e.entriesMu.Lock()
	defer e.entriesMu.Unlock()
	if _, ok := e.entries[entityID]; !ok {
		e.entries[entityID] = e.opts.NewEntry(entityID)
	}
}

// mutate calls the remote service. The caller's cancellation is ignored so
// an admitted toggle always settles; only Options.Timeout can cut it short,
// in which case a late response is discarded.
func (e *Engine[E]) mutate(ctx context.Context, f *flight) (remote.MutateResult, error) {
	ctx = context.WithoutCancel(ctx)
	if e.opts.Timeout <= 0 {
		return e.remote.Mutate(ctx, f.entityID, f.desired.Active, f.userID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		resp remote.MutateResult
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := e.remote.Mutate(ctx, f.entityID, f.desired.Active, f.userID)
		done <- outcome{resp, err}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.resp, o.err
		default:
		}
		return remote.MutateResult{}, remote.NewError(remote.KindNetwork,
			fmt.Errorf("mutation timed out after %s: %w", e.opts.Timeout, ctx.Err()))
	}
}

// persist saves the current membership. Failures are handled by the cache.
func (e *Engine[E]) persist(ctx context.Context) {
	c := e.opts.Cache
	if c == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	ids := e.store.ActiveIDs()
	if c.Mode() == cache.ModeIDs {
		c.Save(ctx, cache.Snapshot[E]{IDs: ids})
		return
	}

	entries := make([]E, 0, len(ids))
	e.entriesMu.RLock()
	for _, id := range ids {
		entry, ok := e.entries[id]
		if !ok {
			e.logger.Debug("no entry recorded, skipping in snapshot", zap.String("entity", id))
			continue
		}
		entries = append(entries, entry)
	}
	e.entriesMu.RUnlock()
	c.Save(ctx, cache.Snapshot[E]{Entries: entries})
}

func (e *Engine[E]) idOf(entry E) string {
	if e.opts.IDOf == nil {
		return fmt.Sprint(entry)
	}
	return e.opts.IDOf(entry)
}
