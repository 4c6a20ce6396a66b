package handshake

import (
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/echomesh/messaging"
)

const (
	// GreetingText opens the handshake.
	GreetingText = "Client connected"

	// VerdictValid is the plaintext of an accepting verdict.
	VerdictValid = "VALID"

	// VerdictInvalid is the plaintext of a rejecting verdict.
	VerdictInvalid = "INVALID"
)

// Conn is the line transport the handshake runs over.
type Conn interface {
	Send(line string) error
	Receive() (string, error)
	Close() error
	LocalHost() string
}

// The envelope tag means the sender's address in every step except the
// identity claim, where it carries the derived hash. Each step has its own
// type so the two meanings never share a field name in this package.

type greeting struct {
	Text    string
	Address string
}

type challenge struct {
	Nonce   string
	Address string
}

type identityClaim struct {
	EncryptedChallenge string
	IdentityHash       string
}

type seedProof struct {
	EncryptedSeed string
	Address       string
}

type verdict struct {
	Token   string
	Address string
}

func (m greeting) envelope() messaging.Envelope {
	return messaging.Envelope{Text: m.Text, Tag: m.Address}
}

func (m challenge) envelope() messaging.Envelope {
	return messaging.Envelope{Text: m.Nonce, Tag: m.Address}
}

func (m identityClaim) envelope() messaging.Envelope {
	return messaging.Envelope{Text: m.EncryptedChallenge, Tag: m.IdentityHash}
}

func (m seedProof) envelope() messaging.Envelope {
	return messaging.Envelope{Text: m.EncryptedSeed, Tag: m.Address}
}

func (m verdict) envelope() messaging.Envelope {
	return messaging.Envelope{Text: m.Token, Tag: m.Address}
}

type outbound interface {
	envelope() messaging.Envelope
}

func send(conn Conn, msg outbound) error {
	line, err := messaging.Marshal(msg.envelope())
	if err != nil {
		return err
	}
	return conn.Send(line)
}

func receive(conn Conn) (messaging.Envelope, error) {
	line, err := conn.Receive()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return messaging.Envelope{}, fmt.Errorf("%w: %w", ErrPeerClosed, err)
		}
		return messaging.Envelope{}, err
	}
	return messaging.Unmarshal(line)
}

func receiveChallenge(conn Conn) (challenge, error) {
	env, err := receive(conn)
	if err != nil {
		return challenge{}, err
	}
	return challenge{Nonce: env.Text, Address: env.Tag}, nil
}

func receiveGreeting(conn Conn) (greeting, error) {
	env, err := receive(conn)
	if err != nil {
		return greeting{}, err
	}
	return greeting{Text: env.Text, Address: env.Tag}, nil
}

func receiveIdentityClaim(conn Conn) (identityClaim, error) {
	env, err := receive(conn)
	if err != nil {
		return identityClaim{}, err
	}
	return identityClaim{EncryptedChallenge: env.Text, IdentityHash: env.Tag}, nil
}

func receiveSeedProof(conn Conn) (seedProof, error) {
	env, err := receive(conn)
	if err != nil {
		return seedProof{}, err
	}
	return seedProof{EncryptedSeed: env.Text, Address: env.Tag}, nil
}

func receiveVerdict(conn Conn) (verdict, error) {
	env, err := receive(conn)
	if err != nil {
		return verdict{}, err
	}
	return verdict{Token: env.Text, Address: env.Tag}, nil
}
