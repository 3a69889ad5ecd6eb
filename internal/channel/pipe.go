package channel

import (
	"io"
	"sync"
)

// PipeEnd is one side of an in-process channel created by Pipe.
type PipeEnd struct {
	in  <-chan string
	out chan<- string

	local  chan struct{}
	remote chan struct{}
	once   *sync.Once
}

// Pipe returns two connected channel ends. Messages are handed over
// synchronously, so a completed Send has always been received.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan string)
	ba := make(chan string)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &PipeEnd{in: ba, out: ab, local: aClosed, remote: bClosed, once: &sync.Once{}}
	b := &PipeEnd{in: ab, out: ba, local: bClosed, remote: aClosed, once: &sync.Once{}}
	return a, b
}

func (p *PipeEnd) Receive() (string, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.local:
		return "", ErrClosed
	case <-p.remote:
		return "", io.EOF
	}
}

func (p *PipeEnd) Send(msg string) error {
	select {
	case <-p.local:
		return ErrClosed
	case <-p.remote:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.local:
		return ErrClosed
	case <-p.remote:
		return io.ErrClosedPipe
	}
}

func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.local) })
	return nil
}

var _ Duplex = (*PipeEnd)(nil)
