// Package gateway is the public side of the reverse tunnel. A sampleterm
// instance behind NAT connects out to /tunnel; WebSocket clients connect
// to /ws and are forwarded to it one yamux stream per client.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/api"
	"github.com/peterje/sampleterm/internal/server"
)

const shutdownTimeout = 5 * time.Second

type Gateway struct {
	tunnel  *Tunnel
	handler http.Handler
	logger  zerolog.Logger
}

type healthResponse struct {
	Status    string `json:"status"`
	Gateway   bool   `json:"gateway"`
	Connected bool   `json:"connected"`
}

// New builds a gateway that accepts tunnels presenting secret. When token
// is non-empty, clients on /ws must present it.
func New(secret, token string, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		tunnel: NewTunnel(secret, logger),
		logger: logger,
	}

	clients := http.NewServeMux()
	clients.Handle("GET /ws", NewProxy(g.tunnel, logger))
	var clientHandler http.Handler = clients
	if token != "" {
		clientHandler = server.TokenAuth(token)(clientHandler)
	}

	mux := http.NewServeMux()
	// Tunnel endpoint (authenticated by pre-shared secret, not the client token)
	mux.HandleFunc("GET /tunnel", g.tunnel.Handler())
	mux.HandleFunc("GET /gateway/health", g.handleHealth)
	mux.Handle("/", clientHandler)
	g.handler = mux
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

func (g *Gateway) Connected() bool {
	return g.tunnel.Connected()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Gateway:   true,
		Connected: g.tunnel.Connected(),
	})
}

// Serve runs the gateway on ln until ctx is cancelled. tlsCfg may be nil.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, tlsCfg *tls.Config) error {
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	g.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("Gateway listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked tunnel and client connections are not tracked by Shutdown.
	g.tunnel.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
