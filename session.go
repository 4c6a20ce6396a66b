package echomesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/handshake"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/opd-ai/echomesh/relay"
	"github.com/opd-ai/echomesh/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNotConnected indicates Send before the handshake was accepted or
	// after the session ended.
	ErrNotConnected = errors.New("session not connected")

	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// MessageCallback is called for every decrypted chat message.
type MessageCallback func(text, origin string)

// AcceptedCallback is called once the handshake is accepted, with the
// address this side tags its messages with.
type AcceptedCallback func(localAddr string)

// RejectedCallback is called once if the handshake fails.
type RejectedCallback func(cause error)

// ClosedCallback is called when the session ends. err is nil for a clean
// end of stream or a local Close.
type ClosedCallback func(err error)

// Session is one connection to a listener: the handshake followed by the
// relay, run on a single goroutine that is the only reader of the transport.
//
// Callbacks run on a separate dispatch goroutine in the order their events
// happened. They may call Send and Close but must not wait on Done.
type Session struct {
	id   string
	opts *Options

	mu        sync.RWMutex
	status    Status
	localAddr string
	err       error
	conn      *transport.LineConn
	keys      *crypto.KeyMaterial
	relay     *relay.Relay
	cancel    context.CancelFunc
	timedOut  bool

	onMessage  MessageCallback
	onAccepted AcceptedCallback
	onRejected RejectedCallback
	onClosed   ClosedCallback

	events *dispatcher
	exited chan struct{}
}

// NewSession validates opts and returns an idle session.
func NewSession(opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Session{
		id:     uuid.NewString(),
		opts:   opts,
		status: StatusIdle,
		exited: make(chan struct{}),
	}, nil
}

// OnMessage sets the callback for received chat messages.
func (s *Session) OnMessage(callback MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = callback
}

// OnHandshakeAccepted sets the callback for an accepted handshake.
func (s *Session) OnHandshakeAccepted(callback AcceptedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAccepted = callback
}

// OnHandshakeRejected sets the callback for a failed handshake.
func (s *Session) OnHandshakeRejected(callback RejectedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRejected = callback
}

// OnClosed sets the callback for the end of the session.
func (s *Session) OnClosed(callback ClosedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = callback
}

// Start dials the listener and runs the session in the background. The
// session ends when ctx is cancelled, Close is called or the stream ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	initiator, err := handshake.NewInitiator(s.opts.Seed,
		handshake.WithSessionID(s.id),
		handshake.WithGreeting(s.opts.Greeting),
		handshake.WithTransitionHook(s.traceHandshake))
	if err != nil {
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status = StatusHandshaking
	s.events = newDispatcher()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.Start",
		"session":  s.id,
		"address":  s.opts.Address(),
	}).Info("Starting session")

	go s.run(runCtx, initiator)
	return nil
}

func (s *Session) run(ctx context.Context, initiator *handshake.Initiator) {
	defer close(s.exited)
	defer s.cancel()

	stop := context.AfterFunc(ctx, s.closeConn)
	defer stop()

	// the timer cancels hsCtx before closing the transport, so a dial still
	// in flight either aborts or closes the conn it just stored
	hsCtx, hsCancel := context.WithCancel(ctx)
	defer hsCancel()

	var timer *time.Timer
	if s.opts.HandshakeTimeout > 0 {
		timer = time.AfterFunc(s.opts.HandshakeTimeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			hsCancel()
			s.closeConn()
		})
	}

	res, err := initiator.Run(hsCtx, s.dial)
	if timer != nil && !timer.Stop() && err == nil {
		// the timer closed the transport right after the verdict
		res.Conn.Close()
		res.Keys.Wipe()
		err = ErrHandshakeTimeout
	}
	if err != nil {
		s.rejected(err)
		return
	}

	r := relay.NewRelay(res.Conn, res.Keys, res.LocalAddr,
		relay.WithSessionID(s.id),
		relay.WithMessageHandler(s.deliver))

	s.mu.Lock()
	s.keys = res.Keys
	s.localAddr = res.LocalAddr
	s.relay = r
	s.status = StatusConnected
	onAccepted := s.onAccepted
	s.mu.Unlock()

	if onAccepted != nil {
		s.events.post(func() { onAccepted(res.LocalAddr) })
	}

	err = r.Run()
	res.Conn.Close()
	res.Keys.Wipe()
	s.closed(err)
}

func (s *Session) dial(ctx context.Context) (handshake.Conn, error) {
	conn, err := transport.Dial(ctx, s.opts.Address(), s.opts.DialTimeout,
		transport.WithWriteTimeout(s.opts.WriteTimeout))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Close or the handshake timer may have run while dialing
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (s *Session) traceHandshake(from, to handshake.State) {
	logrus.WithFields(logrus.Fields{
		"function": "Session.traceHandshake",
		"session":  s.id,
		"from":     from.String(),
		"to":       to.String(),
	}).Debug("Session handshake progress")
}

func (s *Session) deliver(msg messaging.Message) {
	s.mu.RLock()
	cb := s.onMessage
	s.mu.RUnlock()

	if cb != nil {
		s.events.post(func() { cb(msg.Text, msg.Origin) })
	}
}

func (s *Session) rejected(cause error) {
	s.mu.Lock()
	if s.timedOut && !errors.Is(cause, ErrHandshakeTimeout) {
		cause = fmt.Errorf("%w: %w", ErrHandshakeTimeout, cause)
	}
	s.status = StatusRejected
	s.err = cause
	onRejected := s.onRejected
	onClosed := s.onClosed
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.rejected",
		"session":  s.id,
		"error":    cause.Error(),
	}).Warn("Session rejected")

	if onRejected != nil {
		s.events.post(func() { onRejected(cause) })
	}
	if onClosed != nil {
		s.events.post(func() { onClosed(cause) })
	}
	s.events.stop()
}

func (s *Session) closed(err error) {
	s.mu.Lock()
	s.status = StatusClosed
	s.err = err
	onClosed := s.onClosed
	s.mu.Unlock()

	fields := logrus.Fields{
		"function": "Session.closed",
		"session":  s.id,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Session closed")

	if onClosed != nil {
		s.events.post(func() { onClosed(err) })
	}
	s.events.stop()
}

func (s *Session) closeConn() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// Send encrypts text and sends it to the listener.
func (s *Session) Send(text string) error {
	s.mu.RLock()
	r := s.relay
	status := s.status
	s.mu.RUnlock()

	if status != StatusConnected || r == nil {
		return ErrNotConnected
	}
	return r.Send(text)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LocalAddr returns the address assigned to this side, or "" before the
// handshake is accepted.
func (s *Session) LocalAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localAddr
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Stats returns the relay counters once connected.
func (s *Session) Stats() relay.Stats {
	s.mu.RLock()
	r := s.relay
	s.mu.RUnlock()
	if r == nil {
		return relay.Stats{}
	}
	return r.Stats()
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session has ended and every callback has run.
// For a session that was never started it is never closed.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.events == nil {
		return nil
	}
	return s.events.done
}

// Close ends the session and waits for its goroutine to exit. The transport
// is closed and the key material wiped. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.status = StatusClosed
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.closeConn()
	<-s.exited
	return nil
}
