// Package testserver runs the relation backend for E2E tests, with request
// recording and fault injection in front of it.
package testserver

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/artpar/relsync/internal/relationdb"
	relsqlite "github.com/artpar/relsync/internal/relationdb/sqlite"
	"github.com/artpar/relsync/internal/server"
)

// Server wraps httptest.Server with additional utilities.
type Server struct {
	*httptest.Server
	store   relationdb.Store
	backend http.Handler

	mu       sync.Mutex
	requests []*RecordedRequest
	fault    http.HandlerFunc
}

// RecordedRequest stores request details for verification.
type RecordedRequest struct {
	Method string
	Path   string
	Body   []byte
	Time   time.Time
}

// New starts a backend serving the given relations from an in-memory
// database.
func New(relations ...string) (*Server, error) {
	store, err := relsqlite.NewInMemory()
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:    store,
		backend:  server.New(store, relations).Handler(),
		requests: make([]*RecordedRequest, 0),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s, nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	s.mu.Lock()
	s.requests = append(s.requests, &RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
		Time:   time.Now(),
	})
	fault := s.fault
	s.mu.Unlock()

	if fault != nil && r.Method == http.MethodPost {
		fault(w, r)
		return
	}
	s.backend.ServeHTTP(w, r)
}

// Store returns the backend's membership store.
func (s *Server) Store() relationdb.Store {
	return s.store
}

// FailMutations answers every mutation with h until ClearFaults.
func (s *Server) FailMutations(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = h
}

// ClearFaults restores normal mutations.
func (s *Server) ClearFaults() {
	s.FailMutations(nil)
}

// LastRequest returns the last recorded request.
func (s *Server) LastRequest() *RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// RequestCount returns the number of recorded requests with the given
// method.
func (s *Server) RequestCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Close stops the server and releases the store.
func (s *Server) Close() {
	s.Server.Close()
	s.store.Close()
}
