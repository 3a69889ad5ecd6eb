package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// ErrBrokenPipe is returned by WriteInput once the process no longer
// accepts input, either because it closed stdin or because it exited.
var ErrBrokenPipe = errors.New("process input closed")

// ErrNotPTY is returned by Resize for sessions started without a PTY.
var ErrNotPTY = errors.New("session has no pty")

// SpawnError reports that the child process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}

// isEndOfStream reports whether a read error means the output side is done.
// A PTY master returns EIO once the slave side has no more writers.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}
