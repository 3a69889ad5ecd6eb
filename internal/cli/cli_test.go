package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/sampleterm/internal/channel"
	"github.com/peterje/sampleterm/internal/config"
	"github.com/peterje/sampleterm/internal/models"
)

func TestWriteHistory_Text(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	code := 0
	sessions := []models.Session{
		{ID: "a1b2c3d4", Transport: "websocket", RemoteAddr: "10.0.0.1:4000", Status: models.StatusClosed,
			ExitCode: &code, BytesIn: 6, BytesOut: 11, StartedAt: started, EndedAt: &ended},
		{ID: "e5f6a7b8", Transport: "tcp", Status: models.StatusRunning, StartedAt: started},
	}

	var out bytes.Buffer
	require.NoError(t, writeHistory(&out, sessions, "text"))

	text := out.String()
	assert.Contains(t, text, "ID")
	assert.Contains(t, text, "a1b2c3d4")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "e5f6a7b8")
}

func TestWriteHistory_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeHistory(&out, nil, "text"))
	assert.Equal(t, "No sessions recorded.\n", out.String())
}

func TestWriteHistory_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeHistory(&out, []models.Session{{ID: "x", Status: models.StatusFailed}}, "json"))

	var decoded []models.Session
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "x", decoded[0].ID)
}

func TestWriteHistory_InvalidFormat(t *testing.T) {
	assert.Error(t, writeHistory(&bytes.Buffer{}, nil, "yaml"))
}

func TestApplyCommandArgs(t *testing.T) {
	c := &config.Config{Bridge: config.BridgeConfig{Command: "python", Args: []string{"-u", "main.py"}}}

	applyCommandArgs(c, nil)
	assert.Equal(t, "python", c.Bridge.Command)

	applyCommandArgs(c, []string{"cat", "-u"})
	assert.Equal(t, "cat", c.Bridge.Command)
	assert.Equal(t, []string{"-u"}, c.Bridge.Args)
}

func TestCheckCommand(t *testing.T) {
	assert.NoError(t, checkCommand("sh", false))
	assert.Error(t, checkCommand("sampleterm-no-such-tool", false))
	assert.NoError(t, checkCommand("sampleterm-no-such-tool", true))
}

func TestDialChannel_UnsupportedScheme(t *testing.T) {
	_, err := dialChannel(context.Background(), "http://localhost:8800", "", false)
	assert.ErrorContains(t, err, "unsupported url scheme")
}

func TestDialChannel_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ch, err := dialChannel(context.Background(), "tcp://"+ln.Addr().String(), "", false)
	require.NoError(t, err)
	defer ch.Close()

	server := channel.NewStream(<-accepted)
	defer server.Close()

	require.NoError(t, ch.Send("ping"))
	msg, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg)
}
