// Package attach drives a remote bridge from a local terminal: local input
// is sent to the channel and channel messages are written to the output.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/peterje/sampleterm/internal/channel"
)

const (
	// exitSequence1 is the first byte of the exit sequence (Ctrl+]).
	// This follows the convention used by telnet and other terminal programs.
	exitSequence1 = 0x1D

	// exitSequence2 is the second byte of the exit sequence ('q').
	exitSequence2 = 'q'

	readBufferSize = 1024
)

var errDetached = errors.New("detached")

// Run relays in to ch and ch to out until the remote side closes, the user
// types Ctrl+] then 'q', or ctx is cancelled. End of input does not end the
// session: output keeps flowing until the remote side closes. Run closes ch
// before returning.
func Run(ctx context.Context, ch channel.Duplex, in io.Reader, out io.Writer) error {
	outErr := make(chan error, 1)
	inErr := make(chan error, 1)
	go func() { outErr <- copyOutput(ch, out) }()
	go func() { inErr <- copyInput(ch, in) }()

	defer ch.Close()
	for {
		select {
		case err := <-outErr:
			return err
		case err := <-inErr:
			if err == nil {
				inErr = nil
				continue
			}
			if errors.Is(err, errDetached) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func copyOutput(ch channel.Duplex, out io.Writer) error {
	for {
		msg, err := ch.Receive()
		if err != nil {
			if closed(err) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if _, err := io.WriteString(out, msg); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

func copyInput(ch channel.Duplex, in io.Reader) error {
	var exit exitDetector
	buf := make([]byte, readBufferSize)
	for {
		n, err := in.Read(buf)
		var data []byte
		detached := false
		if n > 0 {
			data, detached = exit.filter(buf[:n])
		}
		if err != nil && !detached {
			data = append(data, exit.flush()...)
		}
		if len(data) > 0 {
			if serr := ch.Send(string(data)); serr != nil {
				if closed(serr) {
					return nil
				}
				return fmt.Errorf("send: %w", serr)
			}
		}
		if detached {
			return errDetached
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}

// exitDetector finds Ctrl+] followed by 'q', possibly split across reads.
// A Ctrl+] is held back until the byte after it is known.
type exitDetector struct {
	pressed bool
}

// filter returns the bytes of data that can be forwarded and whether the
// exit sequence completed. Bytes after the sequence are dropped.
func (d *exitDetector) filter(data []byte) ([]byte, bool) {
	out := make([]byte, 0, len(data)+1)
	for _, b := range data {
		if d.pressed {
			d.pressed = false
			if b == exitSequence2 {
				return out, true
			}
			out = append(out, exitSequence1)
		}
		if b == exitSequence1 {
			d.pressed = true
			continue
		}
		out = append(out, b)
	}
	return out, false
}

// flush releases a held Ctrl+] once no more input will follow it.
func (d *exitDetector) flush() []byte {
	if !d.pressed {
		return nil
	}
	d.pressed = false
	return []byte{exitSequence1}
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, channel.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
