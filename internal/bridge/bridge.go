// Package bridge relays a duplex channel to a child process: bytes from
// the channel go to the process's stdin and the process's output goes
// back to the channel, concurrently, until either side closes.
//
// A Bridge is single use. It moves through OPEN, CLOSING and CLOSED once:
//
//	b := bridge.New(id, ch, cfg, logger)
//	err := b.Run(ctx) // blocks until CLOSED
//
// The two relay directions never share buffers: one only reads the channel
// and writes the process, the other only reads the process and writes the
// channel.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/channel"
	"github.com/peterje/sampleterm/internal/process"
)

var (
	// ErrAlreadyRun is returned when Run is called on a used bridge.
	ErrAlreadyRun = errors.New("bridge already run")
	ErrNotOpen    = errors.New("bridge not open")
)

type State int32

const (
	StateIdle State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config controls the process a bridge spawns and how input is framed.
type Config struct {
	Process process.Config
	// LineMode appends a newline to every message received from the
	// channel before it is written to the process.
	LineMode bool
}

// Stats is a point-in-time snapshot of a bridge.
type Stats struct {
	ID        string
	State     State
	PID       int
	BytesIn   int64
	BytesOut  int64
	StartedAt time.Time
	ExitCode  int
}

type Bridge struct {
	id     string
	ch     channel.Duplex
	cfg    Config
	logger zerolog.Logger

	state    atomic.Int32
	ran      atomic.Bool
	sess     atomic.Pointer[process.Session]
	pid      atomic.Int64
	exitCode atomic.Int64
	bytesIn  atomic.Int64 // written by the input direction only
	bytesOut atomic.Int64 // written by the output direction only

	startedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a bridge for ch. The bridge owns ch from here on and closes
// it when it shuts down.
func New(id string, ch channel.Duplex, cfg Config, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		id:        id,
		ch:        ch,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	b.exitCode.Store(-1)
	return b
}

func (b *Bridge) ID() string {
	return b.id
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Done is closed when Run has returned.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Stop asks a running bridge to shut down. Run still returns normally.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Bridge) Stats() Stats {
	return Stats{
		ID:        b.id,
		State:     b.State(),
		PID:       int(b.pid.Load()),
		BytesIn:   b.bytesIn.Load(),
		BytesOut:  b.bytesOut.Load(),
		StartedAt: b.startedAt,
		ExitCode:  int(b.exitCode.Load()),
	}
}

// Resize changes the terminal size of a bridge running in PTY mode.
func (b *Bridge) Resize(rows, cols uint16) error {
	sess := b.sess.Load()
	if sess == nil || b.State() != StateOpen {
		return ErrNotOpen
	}
	return sess.Resize(rows, cols)
}

// Run spawns the process and relays until the channel closes, the process
// ends, ctx is cancelled or Stop is called. It returns once the process
// has been reaped and both relay goroutines have exited. A spawn failure is
// returned as *process.SpawnError; orderly shutdown returns nil; otherwise
// the first transport error is returned.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer close(b.done)

	sess, err := process.Start(b.cfg.Process)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to spawn process")
		b.ch.Close()
		b.state.Store(int32(StateClosed))
		return err
	}
	b.sess.Store(sess)
	b.pid.Store(int64(sess.Pid()))
	b.state.Store(int32(StateOpen))
	b.logger.Info().Int("pid", sess.Pid()).Str("command", b.cfg.Process.Command).Msg("Bridge open")

	errCh := make(chan error, 2)
	outputDone := make(chan struct{})
	go func() { errCh <- b.relayInput(sess) }()
	go func() {
		errCh <- b.relayOutput(sess)
		close(outputDone)
	}()

	var termErr error
	pending := 2
	select {
	case termErr = <-errCh:
		pending--
	case <-sess.Done():
		b.logger.Debug().Msg("Process exited")
		b.awaitOutput(outputDone, sess.GracePeriod())
	case <-ctx.Done():
		b.logger.Debug().Msg("Context cancelled")
	case <-b.stop:
		b.logger.Debug().Msg("Stop requested")
	}

	b.state.Store(int32(StateClosing))
	if err := sess.Terminate(); err != nil {
		b.logger.Warn().Err(err).Msg("Terminate failed")
	}
	b.ch.Close()

	for ; pending > 0; pending-- {
		if err := <-errCh; termErr == nil {
			termErr = err
		}
	}

	b.exitCode.Store(int64(sess.ExitCode()))
	b.state.Store(int32(StateClosed))

	event := b.logger.Info()
	if termErr != nil {
		event = b.logger.Warn().Err(termErr)
	}
	event.
		Int64("bytes_in", b.bytesIn.Load()).
		Int64("bytes_out", b.bytesOut.Load()).
		Int("exit_code", sess.ExitCode()).
		Msg("Bridge closed")
	return termErr
}

// awaitOutput gives the output relay up to grace to forward what the process
// wrote before exiting. A descendant holding the output pipe open keeps it
// from ever seeing end of stream, so the wait is bounded.
func (b *Bridge) awaitOutput(outputDone <-chan struct{}, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-outputDone:
	case <-timer.C:
		b.logger.Debug().Dur("grace", grace).Msg("Output still open after process exit")
	}
}

// relayInput forwards channel messages to the process's stdin.
func (b *Bridge) relayInput(sess *process.Session) error {
	defer b.logger.Debug().Msg("Channel->process relay exiting")
	for {
		msg, err := b.ch.Receive()
		if err != nil {
			if isChannelClosed(err) {
				b.logger.Debug().Msg("Channel closed")
				return nil
			}
			return err
		}

		data := []byte(msg)
		if b.cfg.LineMode {
			data = append(data, '\n')
		}
		if err := sess.WriteInput(data); err != nil {
			if errors.Is(err, process.ErrBrokenPipe) {
				b.logger.Debug().Msg("Process stopped accepting input")
				return nil
			}
			return err
		}
		b.bytesIn.Add(int64(len(data)))
		b.logger.Trace().Int("bytes", len(data)).Msg("Relayed input")
	}
}

// relayOutput forwards process output to the channel as text.
func (b *Bridge) relayOutput(sess *process.Session) error {
	defer b.logger.Debug().Msg("Process->channel relay exiting")
	dec := newTextDecoder()
	for {
		chunk, err := sess.ReadOutput()
		if err != nil {
			if tail := dec.flush(); tail != "" {
				if serr := b.send(tail); serr != nil {
					return serr
				}
			}
			if errors.Is(err, io.EOF) {
				b.logger.Debug().Msg("Process output ended")
				return nil
			}
			return err
		}

		text := dec.decode(chunk)
		if text == "" {
			continue
		}
		if err := b.send(text); err != nil {
			return err
		}
	}
}

func (b *Bridge) send(text string) error {
	if err := b.ch.Send(text); err != nil {
		if isChannelClosed(err) {
			return nil
		}
		return err
	}
	b.bytesOut.Add(int64(len(text)))
	b.logger.Trace().Int("bytes", len(text)).Msg("Relayed output")
	return nil
}

func isChannelClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, channel.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
