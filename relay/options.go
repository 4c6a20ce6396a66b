package relay

import "github.com/opd-ai/echomesh/messaging"

// Conn is the line transport a relay runs over.
type Conn interface {
	Send(line string) error
	Receive() (string, error)
	Close() error
}

// MessageHandler receives every decrypted chat message. It runs on the relay
// goroutine, so it must hand work off rather than block.
type MessageHandler func(msg messaging.Message)

// Option configures a Relay or an Echo.
type Option func(*config)

type config struct {
	onMessage MessageHandler
	sessionID string
	welcome   string
}

func newConfig(opts []Option) config {
	c := config{onMessage: func(messaging.Message) {}}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithMessageHandler sets the callback for decrypted messages.
func WithMessageHandler(fn MessageHandler) Option {
	return func(c *config) {
		if fn != nil {
			c.onMessage = fn
		}
	}
}

// WithSessionID tags log lines with id.
func WithSessionID(id string) Option {
	return func(c *config) {
		c.sessionID = id
	}
}

// WithWelcome sets the plaintext line an Echo sends before relaying.
// An empty welcome sends nothing.
func WithWelcome(text string) Option {
	return func(c *config) {
		c.welcome = text
	}
}
