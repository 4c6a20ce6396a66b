package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
	"github.com/opd-ai/echomesh/messaging"
	"github.com/opd-ai/echomesh/transport"
	"github.com/sirupsen/logrus"
)

// Relay runs the connecting side of an authenticated session.
//
// The first envelope it receives is the listener's welcome; it is sent back
// through the encrypted path with its tag untouched and is not delivered.
// Every later envelope carries a reversed cipher token, which is reversed
// back, decrypted and delivered. Envelopes that fail to parse or decrypt are
// dropped and the loop continues.
type Relay struct {
	conn      Conn
	keys      *crypto.KeyMaterial
	localAddr string
	cfg       config
	stats     counters
}

// NewRelay creates a relay over an accepted handshake's transport and keys.
func NewRelay(conn Conn, keys *crypto.KeyMaterial, localAddr string, opts ...Option) *Relay {
	return &Relay{
		conn:      conn,
		keys:      keys,
		localAddr: localAddr,
		cfg:       newConfig(opts),
	}
}

// Run reads until the stream ends. It returns nil when the peer closes the
// stream or the transport is closed locally, and the transport error
// otherwise.
func (r *Relay) Run() error {
	first := true

	for {
		line, err := r.conn.Receive()
		if err != nil {
			return r.finish(err)
		}
		r.stats.received.Add(1)

		env, err := messaging.Unmarshal(line)
		if err != nil {
			r.drop("Dropping malformed envelope", err)
			continue
		}

		if first {
			first = false
			if err := r.sendEnvelope(env.Text, env.Tag); err != nil {
				return r.finish(err)
			}
			r.stats.echoed.Add(1)
			continue
		}

		plain, err := r.keys.Decrypt(messaging.Reverse(env.Text))
		if err != nil {
			if errors.Is(err, crypto.ErrKeyWiped) {
				return err
			}
			r.drop("Dropping undecryptable message", err)
			continue
		}

		r.stats.delivered.Add(1)
		r.cfg.onMessage(messaging.NewMessage(plain, env.Tag))
	}
}

// Send encrypts text and sends it tagged with the local address.
func (r *Relay) Send(text string) error {
	if err := limits.ValidatePlaintextMessage(text); err != nil {
		return err
	}
	return r.sendEnvelope(text, r.localAddr)
}

func (r *Relay) sendEnvelope(text, tag string) error {
	token, err := r.keys.Encrypt(text)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	line, err := messaging.Marshal(messaging.Envelope{Text: token, Tag: tag})
	if err != nil {
		return err
	}
	if err := r.conn.Send(line); err != nil {
		return err
	}
	r.stats.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return r.stats.snapshot()
}

func (r *Relay) drop(msg string, err error) {
	r.stats.dropped.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Relay.Run",
		"session":  r.cfg.sessionID,
		"error":    err.Error(),
	}).Warn(msg)
}

func (r *Relay) finish(err error) error {
	return finish("Relay.Run", r.cfg.sessionID, err)
}

// finish maps the error that ended a read loop to the loop's result.
func finish(function, sessionID string, err error) error {
	fields := logrus.Fields{
		"function": function,
		"session":  sessionID,
	}
	if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
		logrus.WithFields(fields).Info("Relay stopped")
		return nil
	}
	fields["error"] = err.Error()
	logrus.WithFields(fields).Error("Relay failed")
	return err
}
