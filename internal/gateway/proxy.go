package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/api"
	"github.com/peterje/sampleterm/internal/channel"
)

var errNoTunnel = errors.New("gateway: no tunnel connected")

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Proxy forwards each WebSocket client through its own tunnel stream.
type Proxy struct {
	tunnel *Tunnel
	logger zerolog.Logger
}

func NewProxy(tunnel *Tunnel, logger zerolog.Logger) *Proxy {
	return &Proxy{tunnel: tunnel, logger: logger}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stream, err := p.tunnel.OpenStream()
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "gateway not connected to sampleterm")
		return
	}
	upstream := channel.NewStream(stream)

	conn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		p.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Client upgrade failed")
		return
	}
	client := channel.NewWebSocket(conn)

	logger := p.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("Proxying client")
	if err := relay(client, upstream); err != nil {
		logger.Debug().Err(err).Msg("Proxy ended with error")
		return
	}
	logger.Debug().Msg("Proxy finished")
}

// relay copies messages both ways between a and b until either side ends,
// then closes both. It returns the first error that is not a close.
func relay(a, b channel.Duplex) error {
	errCh := make(chan error, 2)
	go func() { errCh <- forward(a, b) }()
	go func() { errCh <- forward(b, a) }()

	err := <-errCh
	a.Close()
	b.Close()
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

func forward(dst, src channel.Duplex) error {
	for {
		msg, err := src.Receive()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		if err := dst.Send(msg); err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, channel.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
