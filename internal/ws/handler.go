// Package ws serves the WebSocket endpoint: each upgraded connection is
// bridged to a fresh instance of the configured program.
package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/peterje/sampleterm/internal/channel"
	"github.com/peterje/sampleterm/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	hub *hub.Hub
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.hub.Full() {
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")
	err = h.hub.Serve(r.Context(), channel.NewWebSocket(conn), hub.Peer{
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket session ended with error")
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket handler finished")
}
