// Package app wires the relation engines, their caches and remote clients
// into a single application container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/artpar/relsync/internal/cache"
	"github.com/artpar/relsync/internal/cache/filesystem"
	cachesqlite "github.com/artpar/relsync/internal/cache/sqlite"
	"github.com/artpar/relsync/internal/relation"
	"github.com/artpar/relsync/internal/remote"
	remotehttp "github.com/artpar/relsync/internal/remote/http"
	"github.com/artpar/relsync/internal/stream"
	"go.uber.org/zap"
)

// Relation names.
const (
	Favorites       = "favorites"
	Recommendations = "recommendations"
)

// FavoriteEntry is a favorited item. Favorites persist the full entry.
type FavoriteEntry struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ArticleRef identifies a recommended article. Only ids are persisted.
type ArticleRef struct {
	ID string `json:"id"`
}

// Relation is the part of a relation engine the application drives without
// knowing its entry type.
type Relation interface {
	Name() string
	Store() *relation.Store
	State(entityID string) relation.State
	Refresh(ctx context.Context, entityID string) (relation.State, error)
	RefreshAll(ctx context.Context, entityIDs []string) error
	Sync(ctx context.Context) ([]string, error)
	Toggle(ctx context.Context, entityID string) (relation.State, error)
	Warm(ctx context.Context) int
	ClearCache(ctx context.Context) error
}

// App is the main application container with dependency injection.
type App struct {
	config   Config
	logger   *zap.Logger
	session  relation.Session
	notifier relation.Notifier
	backend  cache.Backend
	remotes  map[string]remote.Service
	closers  []io.Closer

	favorites       *relation.Engine[FavoriteEntry]
	recommendations *relation.Engine[ArticleRef]
	relations       map[string]Relation
	hub             *stream.Hub
}

// Option is a function that configures the App.
type Option func(*App)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSession replaces the session derived from Config.UserID.
func WithSession(session relation.Session) Option {
	return func(a *App) {
		a.session = session
	}
}

// WithNotifier receives notifications from both relations, in addition to
// the log.
func WithNotifier(n relation.Notifier) Option {
	return func(a *App) {
		a.notifier = n
	}
}

// WithCacheBackend replaces the backend selected by Config.CacheBackend.
func WithCacheBackend(b cache.Backend) Option {
	return func(a *App) {
		a.backend = b
	}
}

// WithRemote replaces the HTTP client for one relation.
func WithRemote(name string, svc remote.Service) Option {
	return func(a *App) {
		a.remotes[name] = svc
	}
}

// New creates an App from cfg.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		config:    cfg,
		logger:    zap.NewNop(),
		remotes:   make(map[string]remote.Service),
		relations: make(map[string]Relation),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.session == nil {
		a.session = relation.StaticSession(cfg.UserID)
	}
	if a.backend == nil {
		backend, closer, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		a.backend = backend
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	for _, name := range []string{Favorites, Recommendations} {
		if _, ok := a.remotes[name]; ok {
			continue
		}
		client, err := remotehttp.NewClient(cfg.BaseURL, name,
			remotehttp.WithTimeout(cfg.RequestTimeout),
			remotehttp.WithToken(cfg.Token),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create %s client: %w", name, err)
		}
		a.remotes[name] = client
	}

	notifier := relation.Notifier(relation.LogNotifier{Logger: a.logger})
	if a.notifier != nil {
		notifier = relation.MultiNotifier{notifier, a.notifier}
	}

	var err error
	a.favorites, err = relation.NewEngine(a.remotes[Favorites], a.session, relation.Options[FavoriteEntry]{
		Name: Favorites,
		Cache: cache.New(a.backend, "relsync.favorites", "favorites", cache.ModeEntries,
			cache.WithLogger[FavoriteEntry](a.logger)),
		IDOf:     func(e FavoriteEntry) string { return e.Name },
		NewEntry: func(name string) FavoriteEntry { return FavoriteEntry{Name: name} },
		Timeout:  cfg.MutationTimeout,
		Notifier: notifier,
		Logger:   a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.recommendations, err = relation.NewEngine(a.remotes[Recommendations], a.session, relation.Options[ArticleRef]{
		Name:    Recommendations,
		Counted: true,
		Cache: cache.New(a.backend, "relsync.recommendations", "recommendedIds", cache.ModeIDs,
			cache.WithLogger[ArticleRef](a.logger)),
		IDOf:               func(r ArticleRef) string { return r.ID },
		Timeout:            cfg.MutationTimeout,
		Notifier:           notifier,
		Logger:             a.logger,
		ActivatedMessage:   "Recommended",
		DeactivatedMessage: "Recommendation removed",
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.relations[Favorites] = a.favorites
	a.relations[Recommendations] = a.recommendations

	a.hub = stream.NewHub(nil, a.logger.Named("stream"))
	a.hub.Attach(a.favorites.Store())
	a.hub.Attach(a.recommendations.Store())

	return a, nil
}

func openBackend(cfg Config) (cache.Backend, io.Closer, error) {
	if cfg.CacheBackend == CacheMemory {
		return cache.NewMemoryBackend(0), nil, nil
	}

	dir, err := cfg.ResolvedDataDir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.CacheBackend {
	case CacheFile:
		store, err := filesystem.New(filepath.Join(dir, "cache"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file cache: %w", err)
		}
		return store, nil, nil
	default:
		store, err := cachesqlite.New(filepath.Join(dir, "cache.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		return store, store, nil
	}
}

// Config returns the application configuration.
func (a *App) Config() Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Favorites returns the favorites engine.
func (a *App) Favorites() *relation.Engine[FavoriteEntry] {
	return a.favorites
}

// Recommendations returns the recommendations engine.
func (a *App) Recommendations() *relation.Engine[ArticleRef] {
	return a.recommendations
}

// Relation returns the engine registered under name.
func (a *App) Relation(name string) (Relation, bool) {
	r, ok := a.relations[name]
	return r, ok
}

// ListRelations returns all relation names.
func (a *App) ListRelations() []string {
	names := make([]string, 0, len(a.relations))
	for name := range a.relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hub returns the change stream fed by both relations.
func (a *App) Hub() *stream.Hub {
	return a.hub
}

// Warm restores every relation from its cache and returns the number of
// entities restored.
func (a *App) Warm(ctx context.Context) int {
	total := 0
	for _, name := range a.ListRelations() {
		total += a.relations[name].Warm(ctx)
	}
	return total
}

// Sync reconciles every relation with the backend's listing for the
// signed-in user.
func (a *App) Sync(ctx context.Context) error {
	var errs []error
	for _, name := range a.ListRelations() {
		if _, err := a.relations[name].Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the change stream and releases the cache backend.
func (a *App) Close() error {
	if a.hub != nil {
		a.hub.Close()
	}
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
