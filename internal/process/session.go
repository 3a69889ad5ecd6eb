// Package process owns a single spawned child process and exposes its
// standard input and combined standard output/error as two independent
// byte streams.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	DefaultGracePeriod    = 3 * time.Second
	DefaultReadBufferSize = 1024

	defaultRows = 40
	defaultCols = 120

	groupPollInterval = 20 * time.Millisecond
)

// Config describes the child process a Session runs.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the inherited environment.
	Env []string

	// PTY runs the child on a pseudo-terminal instead of plain pipes.
	PTY  bool
	Rows uint16
	Cols uint16

	// GracePeriod bounds how long Terminate waits after SIGTERM before
	// sending SIGKILL.
	GracePeriod time.Duration
	// ReadBufferSize caps the size of a single ReadOutput chunk.
	ReadBufferSize int
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Rows == 0 {
		c.Rows = defaultRows
	}
	if c.Cols == 0 {
		c.Cols = defaultCols
	}
	return c
}

// Session is one running child process. WriteInput must only be called
// from one goroutine at a time, and likewise ReadOutput; the two may run
// concurrently with each other.
type Session struct {
	cmd   *exec.Cmd
	grace time.Duration

	input  io.WriteCloser
	output *os.File
	ptmx   *os.File // nil in pipe mode
	buf    []byte

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
	termErr  error
}

// Start spawns the process described by cfg. Any failure to launch it is
// returned as a *SpawnError and leaves nothing running.
func Start(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Command == "" {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	s := &Session{
		cmd:      cmd,
		grace:    cfg.GracePeriod,
		buf:      make([]byte, cfg.ReadBufferSize),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var err error
	if cfg.PTY {
		err = s.startPTY(cfg.Rows, cfg.Cols)
	} else {
		err = s.startPipes()
	}
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	go s.wait()
	return s, nil
}

func (s *Session) startPipes() error {
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("output pipe: %w", err)
	}

	// stderr shares the stdout pipe so both arrive interleaved in one stream.
	s.cmd.Stdout = pw
	s.cmd.Stderr = pw
	// Own process group, so termination also reaches grandchildren.
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := s.cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return err
	}
	// The child holds its own copy of the write end; ours must go or the
	// reader never sees EOF.
	pw.Close()

	s.input = stdin
	s.output = pr
	return nil
}

func (s *Session) startPTY(rows, cols uint16) error {
	ptmx, err := pty.StartWithSize(s.cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	s.ptmx = ptmx
	s.input = ptmx
	s.output = ptmx
	return nil
}

// wait reaps the child and publishes its exit status.
func (s *Session) wait() {
	err := s.cmd.Wait()
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	s.waitErr = err
	close(s.done)
}

// Pid returns the operating system process id of the child.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Done returns a channel that is closed once the process has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the child's exit code, or -1 if it is still running or
// was terminated by a signal.
func (s *Session) ExitCode() int {
	select {
	case <-s.done:
		return s.exitCode
	default:
		return -1
	}
}

// GracePeriod is how long Terminate waits between SIGTERM and SIGKILL.
func (s *Session) GracePeriod() time.Duration {
	return s.grace
}

// WriteInput writes p to the process's standard input. It blocks while the
// pipe is full. Once the process stops accepting input the returned error
// matches ErrBrokenPipe.
func (s *Session) WriteInput(p []byte) error {
	if _, err := s.input.Write(p); err != nil {
		if isBrokenPipe(err) {
			return fmt.Errorf("%w: %w", ErrBrokenPipe, err)
		}
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// ReadOutput returns the next chunk of output, at most ReadBufferSize
// bytes. When the output stream has ended it returns io.EOF.
func (s *Session) ReadOutput() ([]byte, error) {
	for {
		n, err := s.output.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
		if err != nil {
			if isEndOfStream(err) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read output: %w", err)
		}
	}
}

// Resize changes the terminal size of a PTY session.
func (s *Session) Resize(rows, cols uint16) error {
	if s.ptmx == nil {
		return ErrNotPTY
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Terminate stops the process and releases its handles: SIGTERM first,
// SIGKILL if it is still alive after the grace period. It returns only once
// the process has been reaped. Calling it again, or after the process exited
// on its own, is a no-op.
func (s *Session) Terminate() error {
	s.termOnce.Do(func() {
		s.termErr = s.terminate()
	})
	return s.termErr
}

func (s *Session) terminate() error {
	var err error
	select {
	case <-s.done:
		err = s.stopGroup()
	default:
		err = s.signal(syscall.SIGTERM)

		timer := time.NewTimer(s.grace)
		select {
		case <-s.done:
		case <-timer.C:
			if kerr := s.signal(syscall.SIGKILL); kerr != nil {
				err = kerr
			}
			<-s.done
		}
		timer.Stop()
	}

	s.input.Close()
	if s.ptmx == nil {
		s.output.Close()
	}
	return err
}

// stopGroup stops descendants left in the child's process group after the
// leader has already been reaped. They get the same SIGTERM, grace, SIGKILL
// treatment as the leader.
func (s *Session) stopGroup() error {
	pgid := s.cmd.Process.Pid
	if !groupAlive(pgid) {
		return nil
	}
	if err := killGroup(pgid, syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(s.grace)
	for groupAlive(pgid) {
		if time.Now().After(deadline) {
			return killGroup(pgid, syscall.SIGKILL)
		}
		time.Sleep(groupPollInterval)
	}
	return nil
}

func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}

func killGroup(pgid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal group %s: %w", sig, err)
	}
	return nil
}

// signal delivers sig to the child's process group, falling back to the
// child alone.
func (s *Session) signal(sig syscall.Signal) error {
	pid := s.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	err = s.cmd.Process.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	return nil
}
