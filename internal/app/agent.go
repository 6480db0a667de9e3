package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/artpar/relsync/internal/relation"
	"github.com/artpar/relsync/internal/remote"
	"go.uber.org/zap"
)

// StateResponse is the agent's reply for state reads and toggles.
type StateResponse struct {
	State   relation.State `json:"state"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Handler serves the local agent API: state reads, toggles and the change
// stream at /v1/stream.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/relations/{relation}/{entity}", a.handleState)
	mux.HandleFunc("POST /v1/relations/{relation}/{entity}/toggle", a.handleToggle)
	mux.Handle("GET /v1/stream", a.hub)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	rel, ok := a.relations[r.PathValue("relation")]
	if !ok {
		http.Error(w, "unknown relation", http.StatusNotFound)
		return
	}
	entity := r.PathValue("entity")

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if !refresh {
		a.writeJSON(w, http.StatusOK, StateResponse{State: rel.State(entity)})
		return
	}

	st, err := rel.Refresh(r.Context(), entity)
	if err != nil {
		a.writeFailure(w, st, err)
		return
	}
	a.writeJSON(w, http.StatusOK, StateResponse{State: st})
}

func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("relation")
	rel, ok := a.relations[name]
	if !ok {
		http.Error(w, "unknown relation", http.StatusNotFound)
		return
	}
	entity := r.PathValue("entity")

	if name == Favorites && r.ContentLength > 0 {
		var entry FavoriteEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		entry.Name = entity
		a.favorites.Track(entry)
	}

	st, err := rel.Toggle(r.Context(), entity)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, StateResponse{State: st})
	case errors.Is(err, relation.ErrUnauthenticated):
		a.writeJSON(w, http.StatusUnauthorized, StateResponse{
			State:   st,
			Error:   "unauthenticated",
			Message: "Please sign in to continue.",
		})
	case errors.Is(err, relation.ErrAlreadyInFlight):
		a.writeJSON(w, http.StatusConflict, StateResponse{
			State:   st,
			Error:   "already_in_flight",
			Message: "A change for this item is already in progress.",
		})
	default:
		a.writeFailure(w, st, err)
	}
}

func (a *App) writeFailure(w http.ResponseWriter, st relation.State, err error) {
	kind := remote.KindOf(err)
	a.writeJSON(w, http.StatusBadGateway, StateResponse{
		State:   st,
		Error:   kind.String(),
		Message: relation.ErrorMessage(kind),
	})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write response failed", zap.Error(err))
	}
}
