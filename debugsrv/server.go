// Package debugsrv implements an optional diagnostic HTTP server exposing
// the live registry snapshot over GET /api/debug/state and streaming
// eventbus.Event values to connected clients over a GET /api/debug/events
// WebSocket. Grounded on the teacher's viewer/routes package
// (internal/viewer/routes/call.go and helpers.go): gorilla/websocket
// upgrader with CheckOrigin allowing any origin, plain http.ServeMux
// routes, writeJSON helper style.
package debugsrv

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/meshcall/meshcall/eventbus"
	"github.com/meshcall/meshcall/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshotter supplies the live registry state rendered by /api/debug/state.
type Snapshotter interface {
	Snapshot() registry.Snapshot
}

// Server is the diagnostic HTTP server. It is never required for meshcall's
// operation, enabled only when Viewer.Debug is set.
type Server struct {
	reg Snapshotter
	bus *eventbus.Bus

	mux *http.ServeMux
}

// New builds a diagnostic server reading state from reg and streaming events
// from bus. Call Handler to obtain the http.Handler to serve.
func New(reg Snapshotter, bus *eventbus.Bus) *Server {
	s := &Server{reg: reg, bus: bus, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/debug/state", s.handleState)
	s.mux.HandleFunc("/api/debug/events", s.handleEvents)
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

type stateResponse struct {
	Registry registry.Snapshot  `json:"registry"`
	History  []eventbus.Event   `json:"history"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, stateResponse{Registry: s.reg.Snapshot(), History: s.bus.History()})
}

// handleEvents upgrades to a WebSocket and forwards every eventbus.Event as
// a JSON text message until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debugsrv: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	// Drain inbound frames (pings, close) without blocking the write side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("debugsrv: encode response: %v", err)
	}
}
