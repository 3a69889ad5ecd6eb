package channel

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiveAsync runs Receive in the background so tests can assert that it
// unblocks.
func receiveAsync(ch Duplex) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Receive()
		errCh <- err
	}()
	return errCh
}

func requireUnblocked(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Receive still blocked")
		return nil
	}
}

func TestPipe_SendReceive(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		a.Send("first")
		a.Send("second")
	}()

	msg, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "first", msg)
	msg, err = b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "second", msg)
}

func TestPipe_PeerCloseIsEOF(t *testing.T) {
	a, b := Pipe()
	errCh := receiveAsync(b)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, requireUnblocked(t, errCh), io.EOF)
	assert.Error(t, b.Send("nobody listening"))
}

func TestPipe_LocalCloseUnblocks(t *testing.T) {
	a, _ := Pipe()
	errCh := receiveAsync(a)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, requireUnblocked(t, errCh), ErrClosed)
	assert.ErrorIs(t, a.Send("x"), ErrClosed)
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameText, []byte("hello")))

	frameType, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameText, frameType)
	assert.Equal(t, "hello", string(payload))
}

func TestFrame_RejectsOversized(t *testing.T) {
	buf := bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff, frameText})
	_, _, err := readFrame(buf)
	assert.ErrorContains(t, err, "frame too large")
}

func TestStream_SendReceiveAndClose(t *testing.T) {
	left, right := net.Pipe()
	a := NewStream(left)
	b := NewStream(right)
	defer b.Close()

	go a.Send("ECHO:hello\n")
	msg, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ECHO:hello\n", msg)

	errCh := receiveAsync(b)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, requireUnblocked(t, errCh), io.EOF)
}

func TestStream_LocalCloseUnblocks(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	a := NewStream(left)

	errCh := receiveAsync(a)
	// Drain whatever Close writes so it does not wait on the deadline.
	go io.Copy(io.Discard, right)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, requireUnblocked(t, errCh), ErrClosed)
}

func newWSPair(t *testing.T) (server *WebSocket, client *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *WebSocket, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- NewWebSocket(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}
	t.Cleanup(func() { server.Close() })
	return server, conn
}

func TestWebSocket_TextAndBinaryAreInput(t *testing.T) {
	server, client := newWSPair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("text")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("binary")))

	msg, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, "text", msg)
	msg, err = server.Receive()
	require.NoError(t, err)
	assert.Equal(t, "binary", msg)
}

func TestWebSocket_SendIsTextFrame(t *testing.T) {
	server, client := newWSPair(t)

	require.NoError(t, server.Send("ECHO:hello\n"))
	msgType, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "ECHO:hello\n", string(msg))
}

func TestWebSocket_PeerCloseIsEOF(t *testing.T) {
	server, client := newWSPair(t)
	errCh := receiveAsync(server)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.ErrorIs(t, requireUnblocked(t, errCh), io.EOF)
}

func TestWebSocket_CloseSendsNormalClosure(t *testing.T) {
	server, client := newWSPair(t)

	require.NoError(t, server.Close())
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.ErrorIs(t, server.Send("late"), ErrClosed)
}
