package echomesh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/echomesh/handshake"
	"github.com/opd-ai/echomesh/limits"
)

const (
	// DefaultHost is the group owner address on a Wi-Fi Direct group.
	DefaultHost = "192.168.49.1"

	// DefaultPort is the pre-agreed listener port.
	DefaultPort = 9999

	// DefaultWelcome is the plaintext line a listener sends after accepting.
	DefaultWelcome = "Welcome"
)

// ErrInvalidOptions indicates options that cannot start a session.
var ErrInvalidOptions = errors.New("invalid options")

// Options configures a connecting Session.
type Options struct {
	Seed string
	Host string
	Port uint16

	// Greeting is the plaintext first line sent to the listener. Listeners
	// ignore its content; older ones expect "I am here".
	Greeting string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewOptions returns options with the default listener address and timeouts.
// Seed must still be set.
func NewOptions() *Options {
	return &Options{
		Host:             DefaultHost,
		Port:             DefaultPort,
		Greeting:         handshake.GreetingText,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Address returns host:port of the listener.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

func (o *Options) validate() error {
	if err := limits.ValidateSeed(o.Seed); err != nil {
		return err
	}
	if o.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidOptions)
	}
	if o.Port == 0 {
		return fmt.Errorf("%w: port must be set", ErrInvalidOptions)
	}
	if o.Greeting == "" {
		return fmt.Errorf("%w: empty greeting", ErrInvalidOptions)
	}
	if o.DialTimeout < 0 || o.HandshakeTimeout < 0 || o.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	return nil
}

// ServerOptions configures a listening Server.
type ServerOptions struct {
	// Seeds are the shared secrets a connecting peer may prove.
	Seeds []string

	// ListenHost is the bind address. Empty binds every interface.
	ListenHost string
	Port       uint16

	// AdvertiseAddr tags the listener's envelopes. Empty uses the local
	// address of each accepted connection.
	AdvertiseAddr string

	// Welcome is the first line sent to a peer after it is accepted.
	Welcome          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewServerOptions returns server options with the default port and welcome.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Port:             DefaultPort,
		Welcome:          DefaultWelcome,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Address returns the bind address.
func (o *ServerOptions) Address() string {
	return net.JoinHostPort(o.ListenHost, strconv.Itoa(int(o.Port)))
}

func (o *ServerOptions) validate() error {
	if len(o.Seeds) == 0 {
		return fmt.Errorf("%w: no seeds configured", ErrInvalidOptions)
	}
	// connecting peers echo the first envelope instead of reading it
	if o.Welcome == "" {
		return fmt.Errorf("%w: welcome must not be empty", ErrInvalidOptions)
	}
	if o.HandshakeTimeout < 0 || o.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	return nil
}
