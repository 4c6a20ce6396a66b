package relay

import (
	"errors"
	"fmt"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/sirupsen/logrus"
)

// Echo runs the listening side of an authenticated session.
//
// It opens with a plaintext welcome, then decrypts every inbound envelope for
// its own handler and sends the cipher token back reversed under the
// original tag. Chat originated by the listener goes out reversed as well, so
// the connecting side reads both the same way.
type Echo struct {
	conn      Conn
	keys      *crypto.KeyMaterial
	localAddr string
	cfg       config
	stats     counters
}

// NewEcho creates an echo relay over an accepted handshake's transport and keys.
func NewEcho(conn Conn, keys *crypto.KeyMaterial, localAddr string, opts ...Option) *Echo {
	return &Echo{
		conn:      conn,
		keys:      keys,
		localAddr: localAddr,
		cfg:       newConfig(opts),
	}
}

// Run sends the welcome and relays until the stream ends. Like Relay.Run it
// returns nil on a clean end of stream.
func (e *Echo) Run() error {
	if e.cfg.welcome != "" {
		if err := e.send(messaging.Envelope{Text: e.cfg.welcome, Tag: e.localAddr}); err != nil {
			return finish("Echo.Run", e.cfg.sessionID, err)
		}
	}

	for {
		line, err := e.conn.Receive()
		if err != nil {
			return finish("Echo.Run", e.cfg.sessionID, err)
		}
		e.stats.received.Add(1)

		env, err := messaging.Unmarshal(line)
		if err != nil {
			e.drop("Dropping malformed envelope", err)
			continue
		}

		plain, err := e.keys.Decrypt(env.Text)
		if err != nil {
			if errors.Is(err, crypto.ErrKeyWiped) {
				return err
			}
			e.drop("Dropping undecryptable message", err)
			continue
		}
		e.stats.delivered.Add(1)
		e.cfg.onMessage(messaging.NewMessage(plain, env.Tag))

		reply := messaging.Envelope{Text: messaging.Reverse(env.Text), Tag: env.Tag}
		if err := e.send(reply); err != nil {
			return finish("Echo.Run", e.cfg.sessionID, err)
		}
		e.stats.echoed.Add(1)
	}
}

// Send encrypts text, reverses the token and sends it tagged with the local
// address.
func (e *Echo) Send(text string) error {
	if err := limits.ValidatePlaintextMessage(text); err != nil {
		return err
	}
	token, err := e.keys.Encrypt(text)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	return e.send(messaging.Envelope{Text: messaging.Reverse(token), Tag: e.localAddr})
}

func (e *Echo) send(env messaging.Envelope) error {
	line, err := messaging.Marshal(env)
	if err != nil {
		return err
	}
	if err := e.conn.Send(line); err != nil {
		return err
	}
	e.stats.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the relay counters.
func (e *Echo) Stats() Stats {
	return e.stats.snapshot()
}

func (e *Echo) drop(msg string, err error) {
	e.stats.dropped.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Echo.Run",
		"session":  e.cfg.sessionID,
		"error":    err.Error(),
	}).Warn(msg)
}
