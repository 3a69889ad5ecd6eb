package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScript = `while IFS= read -r line; do printf 'ECHO:%s\n' "$line"; done`

func shell(script string) Config {
	return Config{Command: "/bin/sh", Args: []string{"-c", script}, GracePeriod: time.Second}
}

// readAll drains the session's output until end of stream.
func readAll(t *testing.T, s *Session) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, err := s.ReadOutput()
		if errors.Is(err, io.EOF) {
			return out.Bytes()
		}
		require.NoError(t, err)
		out.Write(chunk)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(Config{Command: "/nonexistent/sample-tool"})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/sample-tool", spawnErr.Command)
}

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(Config{})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
}

func TestSession_EchoRoundTrip(t *testing.T) {
	s, err := Start(shell(echoScript))
	require.NoError(t, err)
	defer s.Terminate()

	require.NoError(t, s.WriteInput([]byte("hello\n")))

	var got bytes.Buffer
	for !strings.Contains(got.String(), "\n") {
		chunk, err := s.ReadOutput()
		require.NoError(t, err)
		got.Write(chunk)
	}
	assert.Equal(t, "ECHO:hello\n", got.String())
}

func TestSession_StderrMergedIntoOutput(t *testing.T) {
	s, err := Start(shell(`echo out; echo err 1>&2`))
	require.NoError(t, err)
	defer s.Terminate()

	out := string(readAll(t, s))
	assert.Contains(t, out, "out\n")
	assert.Contains(t, out, "err\n")
}

func TestSession_ChunksBoundedByReadBuffer(t *testing.T) {
	cfg := shell(`head -c 5000 /dev/zero`)
	cfg.ReadBufferSize = 1024
	s, err := Start(cfg)
	require.NoError(t, err)
	defer s.Terminate()

	total := 0
	for {
		chunk, err := s.ReadOutput()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 1024)
		total += len(chunk)
	}
	assert.Equal(t, 5000, total)
}

func TestSession_ReadOutputEOFIsRepeatable(t *testing.T) {
	s, err := Start(shell(`exit 0`))
	require.NoError(t, err)
	defer s.Terminate()

	assert.Empty(t, readAll(t, s))
	_, err = s.ReadOutput()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_WriteAfterExitIsBrokenPipe(t *testing.T) {
	s, err := Start(shell(`exit 3`))
	require.NoError(t, err)
	defer s.Terminate()

	waitDone(t, s)
	assert.Equal(t, 3, s.ExitCode())

	err = s.WriteInput([]byte("too late\n"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
}

func TestSession_TerminateTwice(t *testing.T) {
	s, err := Start(shell(`sleep 30`))
	require.NoError(t, err)

	require.NoError(t, s.Terminate())
	require.NoError(t, s.Terminate())

	waitDone(t, s)
	assert.Equal(t, -1, s.ExitCode())
}

func TestSession_TerminateAfterNaturalExit(t *testing.T) {
	s, err := Start(shell(`exit 0`))
	require.NoError(t, err)

	waitDone(t, s)
	assert.NoError(t, s.Terminate())
	assert.Equal(t, 0, s.ExitCode())
}

// processGone reports whether pid has exited. Zombies count as gone since
// nothing in the test reaps orphans.
func processGone(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestSession_TerminateStopsOrphanedDescendants(t *testing.T) {
	cfg := shell(`sleep 30 & echo $!`)
	cfg.GracePeriod = 200 * time.Millisecond
	s, err := Start(cfg)
	require.NoError(t, err)

	var line []byte
	for !bytes.Contains(line, []byte("\n")) {
		chunk, err := s.ReadOutput()
		require.NoError(t, err)
		line = append(line, chunk...)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(line)))
	require.NoError(t, err)

	waitDone(t, s)
	require.False(t, processGone(pid), "background sleep should outlive the shell")

	require.NoError(t, s.Terminate())
	require.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 10*time.Millisecond)
}

func TestSession_TerminateEscalatesToKill(t *testing.T) {
	cfg := shell(`trap '' TERM; sleep 30`)
	cfg.GracePeriod = 200 * time.Millisecond
	s, err := Start(cfg)
	require.NoError(t, err)

	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Terminate())
	elapsed := time.Since(start)

	waitDone(t, s)
	assert.GreaterOrEqual(t, elapsed, cfg.GracePeriod)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestSession_TerminateUnblocksReader(t *testing.T) {
	s, err := Start(shell(`sleep 30`))
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.ReadOutput()
		readErr <- err
	}()

	require.NoError(t, s.Terminate())
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after Terminate")
	}
}

func TestSession_PTYMode(t *testing.T) {
	cfg := shell(`echo from-pty`)
	cfg.PTY = true
	s, err := Start(cfg)
	require.NoError(t, err)
	defer s.Terminate()

	assert.NoError(t, s.Resize(24, 80))
	assert.Contains(t, string(readAll(t, s)), "from-pty")
}

func TestSession_ResizeWithoutPTY(t *testing.T) {
	s, err := Start(shell(`exit 0`))
	require.NoError(t, err)
	defer s.Terminate()

	assert.ErrorIs(t, s.Resize(24, 80), ErrNotPTY)
}
