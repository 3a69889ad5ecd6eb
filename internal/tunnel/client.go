// Package tunnel serves bridges to a remote gateway over one outbound
// WebSocket. The gateway opens a yamux stream per client; each stream is
// served as a framed channel by the hub.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/hub"
)

const (
	SecretHeader = "X-Gateway-Secret"
	Transport    = "tunnel"
)

// Client connects outbound to a gateway and multiplexes traffic via yamux.
type Client struct {
	gatewayURL string // wss://gateway.example.com/tunnel
	secret     string // pre-shared secret
	hub        *hub.Hub
	logger     zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewClient(gatewayURL, secret string, h *hub.Hub, logger zerolog.Logger) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		secret:     secret,
		hub:        h,
		logger:     logger.With().Str("gateway", gatewayURL).Logger(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects to the gateway and serves tunnel traffic, reconnecting with
// exponential backoff. It returns nil once ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// Connected successfully at some point, reset backoff
			backoff = c.minBackoff
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Tunnel disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, c.maxBackoff)
		}
	}
}

// connect runs one tunnel connection until it fails. connected reports
// whether the gateway accepted the connection.
func (c *Client) connect(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Allow self-signed certs (gateway defaults to self-signed;
		// the pre-shared secret authenticates the connection)
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set(SecretHeader, c.secret)

	wsConn, resp, err := dialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	c.logger.Info().Msg("Tunnel connected")

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = c.logger
	// We are the yamux server (accepts streams opened by the gateway)
	session, err := yamux.Server(NewWSConn(wsConn), cfg)
	if err != nil {
		wsConn.Close()
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	if err := c.hub.ServeListener(ctx, session, Transport); err != nil {
		return true, err
	}
	return true, nil
}
