// Package channel provides duplex text-message channels that a bridge can
// relay a process over: WebSockets, length-framed byte streams (TCP
// connections, yamux streams) and in-process pipes.
package channel

import "errors"

// ErrClosed is returned by Receive and Send after the local side called
// Close.
var ErrClosed = errors.New("channel closed")

// Duplex is a connection carrying discrete text messages in both
// directions. Receive and Send may be used concurrently with each other;
// Close may be called from any goroutine and unblocks both.
type Duplex interface {
	// Receive blocks until the next message arrives. Orderly closure by the
	// peer is reported as io.EOF.
	Receive() (string, error)
	// Send delivers one message. It fails once the channel is closed.
	Send(msg string) error
	// Close releases the channel. It is safe to call more than once.
	Close() error
}
