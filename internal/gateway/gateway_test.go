package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/sampleterm/internal/bridge"
	"github.com/peterje/sampleterm/internal/channel"
	"github.com/peterje/sampleterm/internal/hub"
	"github.com/peterje/sampleterm/internal/process"
	"github.com/peterje/sampleterm/internal/tunnel"
)

func newGateway(t *testing.T) (*Gateway, *httptest.Server, string) {
	t.Helper()
	g := New("s3cret", "tok", zerolog.Nop())
	ts := httptest.NewServer(g)
	t.Cleanup(ts.Close)
	return g, ts, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestGateway_Health(t *testing.T) {
	_, ts, _ := newGateway(t)

	resp, err := http.Get(ts.URL + "/gateway/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Gateway)
	assert.False(t, body.Connected)
}

func TestGateway_RejectsBadSecretAndToken(t *testing.T) {
	_, ts, base := newGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/tunnel", http.Header{tunnel.SecretHeader: {"wrong"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/ws?token=tok")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp3.StatusCode)
}

func TestGateway_ProxiesClientThroughTunnel(t *testing.T) {
	g, _, base := newGateway(t)

	h := hub.New(bridge.Config{Process: process.Config{
		Command:     "/bin/sh",
		Args:        []string{"-c", `while IFS= read -r line; do printf 'ECHO:%s\n' "$line"; done`},
		GracePeriod: 500 * time.Millisecond,
	}}, nil, zerolog.Nop())
	defer h.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tunnel.NewClient(base+"/tunnel", "s3cret", h, zerolog.Nop()).Run(ctx)
	require.Eventually(t, g.Connected, 5*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws?token=tok", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello\n")))
	var got strings.Builder
	for !strings.Contains(got.String(), "\n") {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		got.Write(msg)
	}
	assert.Equal(t, "ECHO:hello\n", got.String())

	live := h.List()
	require.Len(t, live, 1)
	assert.Equal(t, tunnel.Transport, live[0].Transport)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_ClosesBothSides(t *testing.T) {
	aLocal, aRemote := channel.Pipe()
	bLocal, bRemote := channel.Pipe()
	done := make(chan error, 1)
	go func() { done <- relay(aLocal, bLocal) }()

	require.NoError(t, aRemote.Send("one"))
	msg, err := bRemote.Receive()
	require.NoError(t, err)
	assert.Equal(t, "one", msg)

	require.NoError(t, bRemote.Send("two"))
	msg, err = aRemote.Receive()
	require.NoError(t, err)
	assert.Equal(t, "two", msg)

	require.NoError(t, aRemote.Close())
	require.NoError(t, <-done)

	_, err = bRemote.Receive()
	assert.Error(t, err)
}
