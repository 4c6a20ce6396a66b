package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/echomesh/limits"
	"github.com/sirupsen/logrus"
)

// Option configures a LineConn.
type Option func(*LineConn)

// WithWriteTimeout bounds how long a single line may take to write and flush.
// Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *LineConn) {
		c.writeTimeout = d
	}
}

// WithMaxLineLength overrides limits.MaxLineLength for reads.
func WithMaxLineLength(n int) Option {
	return func(c *LineConn) {
		c.maxLine = n
	}
}

type sendRequest struct {
	line string
	done chan error
}

// LineConn carries newline-delimited text over a byte stream.
//
// Exactly one goroutine owns the write side; Send hands lines to it through a
// channel so concurrent senders never interleave partial lines. Receive is
// meant to be called from a single reader goroutine and blocks until a full
// line is available or the stream ends.
type LineConn struct {
	conn         net.Conn
	remote       string
	writeTimeout time.Duration
	maxLine      int

	readMu  sync.Mutex
	scanner *bufio.Scanner

	writer  *bufio.Writer
	sendCh  chan sendRequest
	closeCh chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewLineConn wraps conn and starts its writer goroutine.
func NewLineConn(conn net.Conn, opts ...Option) *LineConn {
	c := &LineConn{
		conn:    conn,
		remote:  addrString(conn.RemoteAddr()),
		maxLine: limits.MaxLineLength,
		writer:  bufio.NewWriter(conn),
		sendCh:  make(chan sendRequest),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// room for the newline after a maximum length line
	limit := c.maxLine + 1
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 0, min(4096, limit)), limit)

	go c.writeLoop()

	return c
}

// Send writes line followed by a newline and flushes it. It returns once the
// writer goroutine has handed the whole line to the connection, or with an
// error if the connection is closed or the write fails.
func (c *LineConn) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return newError("write", c.remote, ErrEmbeddedNewline)
	}
	if err := limits.ValidateLine(line); err != nil {
		return newError("write", c.remote, err)
	}

	req := sendRequest{line: line, done: make(chan error, 1)}

	select {
	case c.sendCh <- req:
	case <-c.closeCh:
		return newError("write", c.remote, ErrClosed)
	}

	// The writer always answers an accepted request.
	return <-req.done
}

func (c *LineConn) writeLoop() {
	defer close(c.done)

	for {
		select {
		case req := <-c.sendCh:
			req.done <- c.writeLine(req.line)
		case <-c.closeCh:
			return
		}
	}
}

func (c *LineConn) writeLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return newError("write", c.remote, err)
		}
	}

	if _, err := c.writer.WriteString(line); err != nil {
		return c.writeFailed(err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return c.writeFailed(err)
	}
	if err := c.writer.Flush(); err != nil {
		return c.writeFailed(err)
	}
	return nil
}

func (c *LineConn) writeFailed(err error) error {
	if c.isClosed() {
		err = ErrClosed
	}
	logrus.WithFields(logrus.Fields{
		"function": "writeLine",
		"remote":   c.remote,
		"error":    err.Error(),
	}).Debug("Line write failed")
	return newError("write", c.remote, err)
}

// Receive blocks until a full non-empty line is available. It returns io.EOF
// when the peer closes the stream and an *Error wrapping ErrClosed when the
// connection was closed locally.
func (c *LineConn) Receive() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			continue
		}
		return line, nil
	}

	if c.isClosed() {
		return "", newError("read", c.remote, ErrClosed)
	}
	if err := c.scanner.Err(); err != nil {
		return "", newError("read", c.remote, err)
	}
	return "", io.EOF
}

// Close closes the underlying connection, which unblocks a pending Receive,
// and stops the writer. It is safe to call more than once.
func (c *LineConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = newError("close", c.remote, err)
		}
		<-c.done
	})
	return c.closeErr
}

func (c *LineConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Done is closed once Close has been called.
func (c *LineConn) Done() <-chan struct{} {
	return c.closeCh
}

// LocalAddr returns the local network address.
func (c *LineConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the peer's network address.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalHost returns the local IP without the port, the form used to tag
// outgoing envelopes.
func (c *LineConn) LocalHost() string {
	return HostOf(c.conn.LocalAddr())
}

// HostOf returns the host part of addr, or the whole string when addr has no
// port.
func HostOf(addr net.Addr) string {
	s := addrString(addr)
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
