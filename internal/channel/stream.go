package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Frame types for the stream protocol.
const (
	frameText  byte = 0x01 // UTF-8 text message
	frameClose byte = 0x02 // orderly close, no payload
)

const maxFrameSize = 1 << 20

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// length counts the type byte plus the payload.

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// Stream carries framed text messages over a byte stream such as a TCP
// connection or a yamux stream.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewStream(conn net.Conn) *Stream {
	return &Stream{
		conn:   conn,
		r:      bufio.NewReader(conn),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Receive() (string, error) {
	for {
		frameType, payload, err := readFrame(s.r)
		if err != nil {
			select {
			case <-s.closed:
				return "", ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("stream read: %w", err)
		}

		switch frameType {
		case frameText:
			return string(payload), nil
		case frameClose:
			return "", io.EOF
		}
	}
}

func (s *Stream) Send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(s.conn, frameText, []byte(msg)); err != nil {
		select {
		case <-s.closed:
			return ErrClosed
		default:
		}
		return err
	}
	return nil
}

// Close sends a close frame when no write is in flight and closes the
// connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.writeMu.TryLock() {
			s.conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
			writeFrame(s.conn, frameClose, nil)
			s.writeMu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}

var _ Duplex = (*Stream)(nil)
