package server

import (
	"net/http"

	"github.com/peterje/sampleterm/internal/api"
	"github.com/peterje/sampleterm/internal/hub"
	"github.com/peterje/sampleterm/internal/models"
	"github.com/peterje/sampleterm/internal/preflight"
	"github.com/peterje/sampleterm/internal/ws"
)

type Server struct {
	mux     *http.ServeMux
	hub     *hub.Hub
	history api.History
	handler http.Handler
}

// New builds the HTTP surface for h. history may be nil. When token is
// non-empty every route except the health probe requires it.
func New(h *hub.Hub, history api.History, token string) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		hub:     h,
		history: history,
	}
	s.routes()

	var handler http.Handler = s.mux
	if token != "" {
		handler = TokenAuth(token)(handler)
	}
	s.handler = loggingMiddleware(recoveryMiddleware(handler))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	sessions := api.NewSessionsHandler(s.hub, s.history)
	wsHandler := ws.NewHandler(s.hub)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("GET /api/sessions/history", sessions.HandleHistory)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", sessions.HandleResize)

	// WebSocket
	s.mux.Handle("GET /ws", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:         "ok",
		Command:        preflight.CheckCommand(s.hub.CommandName()),
		ActiveSessions: s.hub.Count(),
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
