package channel

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxWSMessageSize = 1 << 20
	closeGracePeriod = time.Second
)

// WebSocket adapts a gorilla/websocket connection to Duplex. Text and
// binary frames are both accepted as input; output is sent as text frames.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(maxWSMessageSize)
	return &WebSocket{conn: conn, closed: make(chan struct{})}
}

func (w *WebSocket) Receive() (string, error) {
	for {
		msgType, msg, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				return "", ErrClosed
			default:
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", fmt.Errorf("websocket read: %w", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return string(msg), nil
		}
	}
}

func (w *WebSocket) Send(msg string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		select {
		case <-w.closed:
			return ErrClosed
		default:
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame, best effort, and closes the socket.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		// WriteControl may run concurrently with a pending WriteMessage.
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(closeGracePeriod))
		err = w.conn.Close()
	})
	return err
}

var _ Duplex = (*WebSocket)(nil)
