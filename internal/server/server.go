// Package server is a reference backend for the relation endpoints. It
// serves baselines and applies mutations against a relationdb.Store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/artpar/relsync/internal/relationdb"
	"github.com/artpar/relsync/internal/remote"
	"go.uber.org/zap"
)

// Server exposes relation baselines and mutations over HTTP.
type Server struct {
	store     relationdb.Store
	relations []string
	token     string
	exists    func(relation, entityID string) bool
	logger    *zap.Logger
	mux       *http.ServeMux
}

// Option configures the Server.
type Option func(*Server)

// WithToken requires every request to carry this bearer token.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEntityCheck makes requests for entities rejected by fn fail with 404.
func WithEntityCheck(fn func(relation, entityID string) bool) Option {
	return func(s *Server) {
		s.exists = fn
	}
}

// New creates a server for the given relation names.
func New(store relationdb.Store, relations []string, opts ...Option) *Server {
	s := &Server{
		store:     store,
		relations: relations,
		exists:    func(string, string) bool { return true },
		logger:    zap.NewNop(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /relations/{relation}", s.withAuth(s.handleList))
	s.mux.HandleFunc("GET /relations/{relation}/{entity}", s.withAuth(s.handleBaseline))
	s.mux.HandleFunc("POST /relations/{relation}/{entity}", s.withAuth(s.handleMutate))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("relation backend listening", zap.String("addr", ln.Addr().String()))
	return Run(ctx, ln, s.mux)
}

// Run serves h on ln until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			s.fail(w, r, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	relation := r.PathValue("relation")
	entity := r.PathValue("entity")
	if !slices.Contains(s.relations, relation) {
		s.fail(w, r, http.StatusNotFound, "unknown relation")
		return "", "", false
	}
	if !s.exists(relation, entity) {
		s.fail(w, r, http.StatusNotFound, "unknown entity")
		return "", "", false
	}
	return relation, entity, true
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	relation, entity, ok := s.resolve(w, r)
	if !ok {
		return
	}

	members, err := s.store.Members(r.Context(), relation, entity)
	if err != nil {
		s.logger.Error("baseline lookup failed", zap.String("relation", relation), zap.String("entity", entity), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "baseline lookup failed")
		return
	}

	s.writeJSON(w, remote.Baseline{Count: len(members), Members: members})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	relation := r.PathValue("relation")
	if !slices.Contains(s.relations, relation) {
		s.fail(w, r, http.StatusNotFound, "unknown relation")
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		s.fail(w, r, http.StatusUnauthorized, "user required")
		return
	}

	ids, err := s.store.ListForUser(r.Context(), relation, user)
	if err != nil {
		s.logger.Error("membership listing failed", zap.String("relation", relation), zap.String("user", user), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "membership listing failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	s.writeJSON(w, remote.Memberships{Entities: ids})
}

type mutateRequest struct {
	Active bool   `json:"active"`
	UserID string `json:"userId"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	relation, entity, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.fail(w, r, http.StatusUnauthorized, "user required")
		return
	}

	count, err := s.store.Set(r.Context(), relation, entity, req.UserID, req.Active)
	if err != nil {
		s.logger.Error("mutation failed",
			zap.String("relation", relation),
			zap.String("entity", entity),
			zap.String("user", req.UserID),
			zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "mutation failed")
		return
	}

	s.logger.Debug("membership updated",
		zap.String("relation", relation),
		zap.String("entity", entity),
		zap.String("user", req.UserID),
		zap.Bool("active", req.Active),
		zap.Int("count", count))
	s.writeJSON(w, remote.MutateResult{Count: count})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.Debug("request rejected",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("reason", msg))
	http.Error(w, msg, status)
}
