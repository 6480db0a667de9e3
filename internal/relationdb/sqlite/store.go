package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/relsync/internal/relationdb"
	_ "modernc.org/sqlite"
)

// Ensure Store implements relationdb.Store at compile time.
var _ relationdb.Store = (*Store)(nil)

// Store implements relationdb.Store using SQLite.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New creates a new SQLite-based relation store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open relation database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize relation database: %w", err)
	}

	return store, nil
}

// NewInMemory creates a new in-memory SQLite store (useful for testing).
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

func (s *Store) initialize() error {
	schema := `
		CREATE TABLE IF NOT EXISTS relation_members (
			relation TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (relation, entity_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_relation_user ON relation_members(relation, user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Members returns the users holding relation on entityID.
func (s *Store) Members(ctx context.Context, relation, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, relationdb.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM relation_members WHERE relation = ? AND entity_id = ? ORDER BY created_at, user_id",
		relation, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, id)
	}

	return members, rows.Err()
}

func (s *Store) count(ctx context.Context, relation, entityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relation_members WHERE relation = ? AND entity_id = ?",
		relation, entityID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

// Set adds or removes userID and returns the resulting count. Setting the
// current value again is a no-op.
func (s *Store) Set(ctx context.Context, relation, entityID, userID string, active bool) (int, error) {
	if relation == "" || entityID == "" || userID == "" {
		return 0, relationdb.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, relationdb.ErrStoreClosed
	}

	var err error
	if active {
		_, err = s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO relation_members (relation, entity_id, user_id, created_at) VALUES (?, ?, ?, ?)",
			relation, entityID, userID, time.Now().UnixNano(),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM relation_members WHERE relation = ? AND entity_id = ? AND user_id = ?",
			relation, entityID, userID,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update membership: %w", err)
	}

	return s.count(ctx, relation, entityID)
}

// ListForUser returns the entity ids userID holds relation on, newest first.
func (s *Store) ListForUser(ctx context.Context, relation, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, relationdb.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id FROM relation_members WHERE relation = ? AND user_id = ? ORDER BY created_at DESC",
		relation, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
