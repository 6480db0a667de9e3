package harness

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/relsync/internal/app"
	"github.com/artpar/relsync/internal/stream"
	"github.com/gorilla/websocket"
)

// Agent is an in-process sync agent for one user.
type Agent struct {
	t      *testing.T
	app    *app.App
	server *httptest.Server
}

// Agent starts a sync agent for user against the harness backend.
func (h *E2EHarness) Agent(user string) *Agent {
	h.t.Helper()

	cfg, err := app.LoadConfig(h.configPath())
	if err != nil {
		h.t.Fatalf("failed to load config: %v", err)
	}
	cfg.BaseURL = h.ServerURL()
	cfg.UserID = user

	a, err := app.New(cfg)
	if err != nil {
		h.t.Fatalf("failed to start agent: %v", err)
	}
	agent := &Agent{t: h.t, app: a, server: httptest.NewServer(a.Handler())}
	h.t.Cleanup(func() {
		agent.server.Close()
		a.Close()
	})
	return agent
}

// App returns the agent's application.
func (a *Agent) App() *app.App {
	return a.app
}

// Toggle flips relation for entity through the agent API.
func (a *Agent) Toggle(relation, entity string, entry *app.FavoriteEntry) (int, app.StateResponse) {
	a.t.Helper()

	var body bytes.Buffer
	if entry != nil {
		json.NewEncoder(&body).Encode(entry)
	}
	resp, err := http.Post(a.server.URL+"/v1/relations/"+relation+"/"+entity+"/toggle", "application/json", &body)
	if err != nil {
		a.t.Fatalf("toggle request failed: %v", err)
	}
	defer resp.Body.Close()

	var out app.StateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		a.t.Fatalf("failed to decode toggle response: %v", err)
	}
	return resp.StatusCode, out
}

// Stream subscribes to the agent's change stream.
func (a *Agent) Stream() *Subscription {
	a.t.Helper()

	before := a.app.Hub().ClientCount()
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		a.t.Fatalf("failed to dial stream: %v", err)
	}
	a.t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for a.app.Hub().ClientCount() <= before {
		if time.Now().After(deadline) {
			a.t.Fatal("stream client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return &Subscription{t: a.t, conn: conn}
}

// Subscription reads change messages from a stream.
type Subscription struct {
	t    *testing.T
	conn *websocket.Conn
}

// Next returns the next message, failing the test after two seconds.
func (s *Subscription) Next() stream.Message {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg stream.Message
	if err := s.conn.ReadJSON(&msg); err != nil {
		s.t.Fatalf("failed to read stream message: %v", err)
	}
	return msg
}
