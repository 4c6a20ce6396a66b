package echomesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/echomesh/handshake"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/opd-ai/echomesh/relay"
	"github.com/opd-ai/echomesh/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPeer indicates SendTo named a peer that is not connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrServerStarted indicates Listen or ListenAndServe was called twice.
	ErrServerStarted = errors.New("server already started")

	// ErrServerClosed indicates Listen or ListenAndServe after Close.
	ErrServerClosed = errors.New("server closed")
)

// PeerAcceptedCallback is called when a peer passes the handshake. remote
// identifies the peer for SendTo; addr is the address the peer tags its
// messages with.
type PeerAcceptedCallback func(remote, addr string)

// PeerRejectedCallback is called when a peer fails the handshake.
type PeerRejectedCallback func(remote string, cause error)

// peer is one accepted connection with its own keys and echo relay.
type peer struct {
	id     string
	remote string
	echo   *relay.Echo
}

// Server is the listening side. Every accepted connection runs its own
// handshake and echo relay with independently derived key material, even
// when several peers share a seed.
type Server struct {
	opts  *ServerOptions
	seeds *handshake.SeedSet

	mu       sync.RWMutex
	listener *transport.Listener
	peers    map[string]*peer
	serving  bool
	closed   bool

	onPeerAccepted PeerAcceptedCallback
	onPeerRejected PeerRejectedCallback
	onMessage      MessageCallback

	events *dispatcher
}

// NewServer validates opts and loads the configured seeds.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = NewServerOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	seeds, err := handshake.NewSeedSet(opts.Seeds...)
	if err != nil {
		return nil, fmt.Errorf("load seeds: %w", err)
	}

	return &Server{
		opts:  opts,
		seeds: seeds,
		peers: make(map[string]*peer),
	}, nil
}

// OnPeerAccepted sets the callback for authenticated peers.
func (s *Server) OnPeerAccepted(callback PeerAcceptedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeerAccepted = callback
}

// OnPeerRejected sets the callback for peers that fail the handshake.
func (s *Server) OnPeerRejected(callback PeerRejectedCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPeerRejected = callback
}

// OnMessage sets the callback for messages decrypted from any peer.
func (s *Server) OnMessage(callback MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = callback
}

// Listen binds the listener without serving. ListenAndServe calls it when
// needed; calling it first lets the caller read Addr before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return ErrServerStarted
	}
	return s.listenLocked()
}

func (s *Server) listenLocked() error {
	l, err := transport.Listen(s.opts.Address(), transport.WithWriteTimeout(s.opts.WriteTimeout))
	if err != nil {
		return err
	}
	s.listener = l
	s.events = newDispatcher()
	return nil
}

// ListenAndServe accepts peers until ctx is cancelled or Close is called.
// It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrServerClosed
	case s.serving:
		s.mu.Unlock()
		return ErrServerStarted
	}
	if s.listener == nil {
		if err := s.listenLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.serving = true
	l := s.listener
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.ListenAndServe",
		"address":  l.Addr().String(),
		"seeds":    s.seeds.Len(),
	}).Info("Listening for peers")

	err := l.Serve(ctx, s.handle)
	s.events.stop()
	<-s.events.done
	return err
}

func (s *Server) handle(conn *transport.LineConn) {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()

	localAddr := s.opts.AdvertiseAddr
	if localAddr == "" {
		localAddr = conn.LocalHost()
	}

	var timer *time.Timer
	if s.opts.HandshakeTimeout > 0 {
		timer = time.AfterFunc(s.opts.HandshakeTimeout, func() { conn.Close() })
	}

	responder := handshake.NewResponder(s.seeds, localAddr, handshake.WithResponderSessionID(id))
	res, err := responder.Run(conn)
	if timer != nil && !timer.Stop() && err == nil {
		conn.Close()
		res.Keys.Wipe()
		err = ErrHandshakeTimeout
	}
	if err != nil {
		s.rejected(remote, err)
		return
	}
	defer res.Keys.Wipe()
	defer conn.Close()

	echo := relay.NewEcho(conn, res.Keys, localAddr,
		relay.WithSessionID(id),
		relay.WithWelcome(s.opts.Welcome),
		relay.WithMessageHandler(s.deliver))

	s.mu.Lock()
	s.peers[remote] = &peer{id: id, remote: remote, echo: echo}
	onAccepted := s.onPeerAccepted
	s.mu.Unlock()

	if onAccepted != nil {
		s.events.post(func() { onAccepted(remote, res.RemoteAddr) })
	}

	err = echo.Run()

	s.mu.Lock()
	delete(s.peers, remote)
	s.mu.Unlock()

	fields := logrus.Fields{
		"function": "Server.handle",
		"session":  id,
		"remote":   remote,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Peer disconnected")
}

func (s *Server) rejected(remote string, cause error) {
	s.mu.RLock()
	cb := s.onPeerRejected
	s.mu.RUnlock()

	if cb != nil {
		s.events.post(func() { cb(remote, cause) })
	}
}

func (s *Server) deliver(msg messaging.Message) {
	s.mu.RLock()
	cb := s.onMessage
	s.mu.RUnlock()

	if cb != nil {
		s.events.post(func() { cb(msg.Text, msg.Origin) })
	}
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Peers returns the remote addresses of connected peers, sorted.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.peers))
	for remote := range s.peers {
		out = append(out, remote)
	}
	sort.Strings(out)
	return out
}

// SendTo sends text to one connected peer.
func (s *Server) SendTo(remote, text string) error {
	s.mu.RLock()
	p, ok := s.peers[remote]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	return p.echo.Send(text)
}

// Close stops the listener and disconnects every peer. A server that was
// bound with Listen but never served releases its dispatcher here.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	events := s.events
	idle := !s.serving
	s.closed = true
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	err := l.Close()
	if idle {
		events.stop()
		<-events.done
	}
	return err
}
