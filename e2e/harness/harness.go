// Package harness provides E2E testing utilities for relsync.
package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/relsync/e2e/testserver"
	"github.com/artpar/relsync/internal/app"
)

// E2EHarness is the main test orchestrator.
type E2EHarness struct {
	t       *testing.T
	server  *testserver.Server
	tmpDir  string
	timeout time.Duration
}

// Config configures the harness.
type Config struct {
	CacheBackend    string        // Default: sqlite
	MutationTimeout time.Duration // Default: the application default
	Timeout         time.Duration // Default: 5 seconds
}

// New starts a relation backend and isolates config and data for the test.
// It sets environment variables, so tests using it cannot run in parallel.
func New(t *testing.T, cfg Config) *E2EHarness {
	t.Helper()

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = app.CacheSQLite
	}

	h := &E2EHarness{
		t:       t,
		tmpDir:  t.TempDir(),
		timeout: cfg.Timeout,
	}

	t.Setenv("RELSYNC_DATA_DIR", h.tmpDir)
	t.Setenv("RELSYNC_CACHE_BACKEND", cfg.CacheBackend)
	t.Setenv("RELSYNC_LOG_LEVEL", "error")
	if cfg.MutationTimeout > 0 {
		t.Setenv("RELSYNC_MUTATION_TIMEOUT", cfg.MutationTimeout.String())
	}

	srv, err := testserver.New(app.Favorites, app.Recommendations)
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	h.server = srv

	t.Cleanup(h.cleanup)
	return h
}

func (h *E2EHarness) cleanup() {
	h.server.Close()
}

// Backend returns the relation backend.
func (h *E2EHarness) Backend() *testserver.Server {
	return h.server
}

// ServerURL returns the backend URL.
func (h *E2EHarness) ServerURL() string {
	return h.server.URL
}

// CLI returns a CLI runner acting as user. An empty user is a guest.
func (h *E2EHarness) CLI(user string) *CLIRunner {
	return &CLIRunner{harness: h, user: user}
}

// configPath points at a file that never exists so only env and flags apply.
func (h *E2EHarness) configPath() string {
	return filepath.Join(h.tmpDir, "absent.yaml")
}
