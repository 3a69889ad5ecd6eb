package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/tunnel"
)

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel manages the gateway side of the reverse tunnel to a sampleterm
// instance. At most one instance is connected at a time.
type Tunnel struct {
	secret  string
	logger  zerolog.Logger
	mu      sync.RWMutex
	session *yamux.Session
}

func NewTunnel(secret string, logger zerolog.Logger) *Tunnel {
	return &Tunnel{secret: secret, logger: logger}
}

// Handler returns the HTTP handler for the /tunnel endpoint.
func (t *Tunnel) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(tunnel.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(t.secret)) != 1 {
			t.logger.Warn().Str("remote", r.RemoteAddr).Msg("Rejected tunnel with bad secret")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		wsConn, err := tunnelUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Tunnel upgrade failed")
			return
		}

		cfg := yamux.DefaultConfig()
		cfg.LogOutput = t.logger
		// Gateway is the yamux client (opens streams to the tunnel client)
		session, err := yamux.Client(tunnel.NewWSConn(wsConn), cfg)
		if err != nil {
			t.logger.Error().Err(err).Msg("yamux client failed")
			wsConn.Close()
			return
		}

		t.mu.Lock()
		if t.session != nil {
			t.session.Close()
			t.logger.Info().Msg("Replaced existing tunnel")
		}
		t.session = session
		t.mu.Unlock()

		t.logger.Info().Str("remote", r.RemoteAddr).Msg("Tunnel connected")

		// Block until the session closes
		<-session.CloseChan()

		t.mu.Lock()
		if t.session == session {
			t.session = nil
		}
		t.mu.Unlock()

		t.logger.Info().Str("remote", r.RemoteAddr).Msg("Tunnel disconnected")
	}
}

// OpenStream opens a new yamux stream to the tunnel client.
// Returns errNoTunnel if no tunnel is connected.
func (t *Tunnel) OpenStream() (net.Conn, error) {
	t.mu.RLock()
	session := t.session
	t.mu.RUnlock()

	if session == nil || session.IsClosed() {
		return nil, errNoTunnel
	}

	return session.Open()
}

// Connected returns true if a tunnel client is connected.
func (t *Tunnel) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session != nil && !t.session.IsClosed()
}

// Close drops the current tunnel, if any.
func (t *Tunnel) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.Close()
		t.session = nil
	}
}
