package pow

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Set of errors returned by connections.
var (
	ErrClosed    = errors.New("connection closed")
	ErrMalformed = errors.New("malformed message")
)

// Conn is one end of the message channel between the engine and the
// computation unit. Send must be safe to call from several goroutines.
// Receive returns io.EOF once the other side is gone.
type Conn interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

// =============================================================================

// pipeConn is one end of an in memory message pipe.
type pipeConn struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns both ends of an in memory connection. Closing either end
// closes the pipe for both.
func Pipe() (Conn, Conn) {

	// Buffer a little so a burst of answers doesn't stall the sender on
	// every message.
	const buffer = 16

	a2b := make(chan Message, buffer)
	b2a := make(chan Message, buffer)
	done := make(chan struct{})
	once := sync.Once{}

	a := pipeConn{in: b2a, out: a2b, done: done, once: &once}
	b := pipeConn{in: a2b, out: b2a, done: done, once: &once}

	return &a, &b
}

// Send delivers the message to the other end.
func (p *pipeConn) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Receive waits for the next message from the other end.
func (p *pipeConn) Receive() (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return Message{}, io.EOF
	}
}

// Close shuts the pipe down for both ends.
func (p *pipeConn) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}

// =============================================================================

// streamConn exchanges newline delimited JSON messages over a byte stream
// such as the stdin/stdout of a child process.
type streamConn struct {
	mu      sync.Mutex
	enc     *json.Encoder
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamConn constructs a connection reading messages from r and writing
// them to w. Closing the connection closes c.
func NewStreamConn(r io.Reader, w io.Writer, c io.Closer) Conn {

	// Proof requests carry a whole block so allow for large lines.
	const maxLine = 16 * 1024 * 1024

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	return &streamConn{
		enc:     json.NewEncoder(w),
		scanner: scanner,
		closer:  c,
	}
}

// Send encodes the message as a single line.
func (s *streamConn) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return nil
}

// Receive decodes the next line. Blank lines are skipped. A line that is
// not a message returns ErrMalformed and the stream stays usable.
func (s *streamConn) Receive() (Message, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return msg, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Close releases the underlying stream.
func (s *streamConn) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
