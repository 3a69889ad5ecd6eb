package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeTimeout = time.Second

// WSConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser
// so it can be used as the underlying transport for yamux.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	r    io.Reader  // current message, nil between messages
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			typ, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}

		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, and closes the connection.
func (w *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return w.conn.Close()
}

// Addr, LocalAddr and RemoteAddr let yamux streams report the peer of the
// underlying WebSocket.
func (w *WSConn) Addr() net.Addr       { return w.conn.LocalAddr() }
func (w *WSConn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *WSConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

var _ io.ReadWriteCloser = (*WSConn)(nil)
