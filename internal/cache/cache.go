// Package cache keeps a durable, best-effort snapshot of relation
// membership so the client store can start warm after a reload.
//
// The cache is never the source of truth: unreadable or corrupt data loads
// as an empty snapshot and failed writes are reported, not returned.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNotFound    = errors.New("cache key not found")
	ErrCapacity    = errors.New("cache storage is full")
	ErrStoreClosed = errors.New("cache store is closed")
)

// Backend stores opaque blobs under string keys.
type Backend interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Mode selects what a snapshot carries.
type Mode int

const (
	// ModeIDs persists only the ids of active entities.
	ModeIDs Mode = iota
	// ModeEntries persists the full entry of every active entity.
	ModeEntries
)

// Snapshot is the persisted membership of one relation. Only one of the
// fields is populated, depending on the cache Mode.
type Snapshot[E any] struct {
	IDs     []string
	Entries []E
}

// IsEmpty reports whether the snapshot carries no membership.
func (s Snapshot[E]) IsEmpty() bool {
	return len(s.IDs) == 0 && len(s.Entries) == 0
}

// Warning describes a swallowed save failure.
type Warning struct {
	Key      string
	Capacity bool
	Err      error
}

// Cache reads and writes a Snapshot under a fixed key.
type Cache[E any] struct {
	backend Backend
	key     string
	field   string
	mode    Mode
	logger  *zap.Logger
	onWarn  func(Warning)
}

// Option configures a Cache.
type Option[E any] func(*Cache[E])

// WithLogger sets the logger used for corruption and save warnings.
func WithLogger[E any](logger *zap.Logger) Option[E] {
	return func(c *Cache[E]) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWarning registers a hook called whenever Save swallows an error.
func WithWarning[E any](fn func(Warning)) Option[E] {
	return func(c *Cache[E]) {
		c.onWarn = fn
	}
}

// New creates a cache that stores the snapshot under key as the record
// {"<field>": [...]}.
func New[E any](backend Backend, key, field string, mode Mode, opts ...Option[E]) *Cache[E] {
	c := &Cache[E]{
		backend: backend,
		key:     key,
		field:   field,
		mode:    mode,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the storage key.
func (c *Cache[E]) Key() string {
	return c.key
}

// Mode returns what the cache persists.
func (c *Cache[E]) Mode() Mode {
	return c.mode
}

// Load returns the stored snapshot, or an empty one when nothing usable is
// stored.
func (c *Cache[E]) Load(ctx context.Context) Snapshot[E] {
	data, err := c.backend.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache read failed", zap.String("key", c.key), zap.Error(err))
		}
		return Snapshot[E]{}
	}

	snap, err := c.decode(data)
	if err != nil {
		c.logger.Warn("discarding corrupt cache record", zap.String("key", c.key), zap.Error(err))
		return Snapshot[E]{}
	}
	return snap
}

// Save stores snap. Failures are logged and reported to the warning hook.
func (c *Cache[E]) Save(ctx context.Context, snap Snapshot[E]) {
	data, err := c.encode(snap)
	if err == nil {
		err = c.backend.Put(ctx, c.key, data)
	}
	if err == nil {
		return
	}

	w := Warning{Key: c.key, Capacity: errors.Is(err, ErrCapacity), Err: err}
	if w.Capacity {
		c.logger.Warn("cache storage full, snapshot not saved", zap.String("key", c.key), zap.Error(err))
	} else {
		c.logger.Warn("cache save failed", zap.String("key", c.key), zap.Error(err))
	}
	if c.onWarn != nil {
		c.onWarn(w)
	}
}

// Clear removes the stored snapshot.
func (c *Cache[E]) Clear(ctx context.Context) error {
	if err := c.backend.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("clear %s: %w", c.key, err)
	}
	return nil
}

func (c *Cache[E]) encode(snap Snapshot[E]) ([]byte, error) {
	var payload any
	if c.mode == ModeEntries {
		entries := snap.Entries
		if entries == nil {
			entries = []E{}
		}
		payload = entries
	} else {
		ids := snap.IDs
		if ids == nil {
			ids = []string{}
		}
		payload = ids
	}

	data, err := json.Marshal(map[string]any{c.field: payload})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func (c *Cache[E]) decode(data []byte) (Snapshot[E], error) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		return Snapshot[E]{}, err
	}
	raw, ok := record[c.field]
	if !ok {
		return Snapshot[E]{}, fmt.Errorf("record has no %q field", c.field)
	}

	var snap Snapshot[E]
	if c.mode == ModeEntries {
		if err := json.Unmarshal(raw, &snap.Entries); err != nil {
			return Snapshot[E]{}, err
		}
	} else {
		if err := json.Unmarshal(raw, &snap.IDs); err != nil {
			return Snapshot[E]{}, err
		}
	}
	return snap, nil
}

// MemoryBackend is an in-process Backend, useful for tests and for
// sessions that should not outlive the process.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string][]byte
	limit int
}

// NewMemoryBackend creates an empty in-memory backend. A positive limit caps
// the size of any single value; larger writes fail with ErrCapacity.
func NewMemoryBackend(limit int) *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte), limit: limit}
}

// Get returns a copy of the value stored under key.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data under key.
func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	if m.limit > 0 && len(data) > m.limit {
		return fmt.Errorf("%d bytes exceeds limit of %d: %w", len(data), m.limit, ErrCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
