package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dial connects to a listener over TCP and wraps the stream in a LineConn.
// The context bounds connection establishment only.
func Dial(ctx context.Context, address string, timeout time.Duration, opts ...Option) (*LineConn, error) {
	dialer := &net.Dialer{Timeout: timeout}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  address,
		"timeout":  timeout,
	}).Debug("Dialing listener")

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"address":  address,
			"error":    err.Error(),
		}).Warn("Dial failed")
		return nil, newError("dial", address, err)
	}

	return NewLineConn(conn, opts...), nil
}

// Handler serves one accepted connection. It owns conn and should close it.
type Handler func(conn *LineConn)

// Listener accepts TCP connections and hands each to its own goroutine.
type Listener struct {
	listener net.Listener
	opts     []Option

	mu      sync.Mutex
	conns   map[*LineConn]struct{}
	closed  bool
	handler sync.WaitGroup
}

// Listen opens a TCP listener on address.
func Listen(address string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, newError("listen", address, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  ln.Addr().String(),
	}).Info("Listening for peers")

	return &Listener{
		listener: ln,
		opts:     opts,
		conns:    make(map[*LineConn]struct{}),
	}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*LineConn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if l.isClosed() || errors.Is(err, net.ErrClosed) {
			return nil, newError("accept", l.listener.Addr().String(), ErrListenerClosed)
		}
		return nil, newError("accept", l.listener.Addr().String(), err)
	}
	return NewLineConn(conn, l.opts...), nil
}

// Serve accepts connections until ctx is cancelled or the listener is closed,
// running handler for each one in its own goroutine. It waits for running
// handlers before returning.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.handler.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, ErrListenerClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Error("Accept failed")
			return err
		}

		if !l.track(conn) {
			conn.Close()
			return nil
		}

		l.handler.Add(1)
		go func() {
			defer l.handler.Done()
			defer l.untrack(conn)
			handler(conn)
		}()
	}
}

func (l *Listener) track(conn *LineConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn *LineConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting and closes every connection handed out by Serve.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*LineConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return l.listener.Close()
}
