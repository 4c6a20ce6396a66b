package handshake

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/echomesh/crypto"
	"github.com/sirupsen/logrus"
)

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithChallenge replaces the random challenge generator.
func WithChallenge(fn func() string) ResponderOption {
	return func(r *Responder) {
		r.newChallenge = fn
	}
}

// WithResponderSessionID tags log lines with id.
func WithResponderSessionID(id string) ResponderOption {
	return func(r *Responder) {
		r.sessionID = id
	}
}

// Responder is the listening side of the handshake for one connection.
//
// It waits for the greeting, answers with a fresh challenge, reads the
// identity claim and the seed proof, then sends the verdict. The connection is
// accepted only if the claimed hash belongs to a known seed, the challenge
// decrypts correctly under that seed's key, and the seed proof hashes to the
// claim. Each Responder derives its own key material, even when two
// connections use the same seed.
type Responder struct {
	auth         Authenticator
	localAddr    string
	sessionID    string
	newChallenge func() string

	mu      sync.Mutex
	state   State
	history []State
}

// NewResponder creates a responder that tags its envelopes with localAddr.
func NewResponder(auth Authenticator, localAddr string, opts ...ResponderOption) *Responder {
	r := &Responder{
		auth:         auth,
		localAddr:    localAddr,
		newChallenge: uuid.NewString,
		state:        StateAwaitGreeting,
		history:      []State{StateAwaitGreeting},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs the listener side of the handshake over conn. On rejection
// conn is closed and the error is a *Failure.
func (r *Responder) Run(conn Conn) (*Result, error) {
	if r.State() != StateAwaitGreeting || len(r.History()) > 1 {
		return nil, ErrAlreadyRun
	}

	g, err := receiveGreeting(conn)
	if err != nil {
		return nil, r.reject(conn, nil, err)
	}
	if g.Text != GreetingText {
		logrus.WithFields(logrus.Fields{
			"function": "Responder.Run",
			"session":  r.sessionID,
			"greeting": g.Text,
		}).Debug("Unexpected greeting text, continuing")
	}
	r.transition(StateSendChallenge)

	nonce := r.newChallenge()
	if err := send(conn, challenge{Nonce: nonce, Address: r.localAddr}); err != nil {
		return nil, r.reject(conn, nil, err)
	}
	r.transition(StateAwaitIdentityClaim)

	claim, err := receiveIdentityClaim(conn)
	if err != nil {
		return nil, r.reject(conn, nil, err)
	}
	r.transition(StateAwaitSeedProof)

	proof, err := receiveSeedProof(conn)
	if err != nil {
		return nil, r.reject(conn, nil, err)
	}
	r.transition(StateSendVerdict)

	keys, cause := r.verify(nonce, claim, proof)
	if cause != nil {
		r.sendRefusal(conn, keys)
		return nil, r.reject(conn, keys, cause)
	}

	token, err := keys.Encrypt(VerdictValid)
	if err != nil {
		return nil, r.reject(conn, keys, err)
	}
	if err := send(conn, verdict{Token: token, Address: r.localAddr}); err != nil {
		return nil, r.reject(conn, keys, err)
	}
	r.transition(StateAccepted)

	logrus.WithFields(logrus.Fields{
		"function": "Responder.Run",
		"session":  r.sessionID,
		"peer":     g.Address,
	}).Info("Peer authenticated")

	return &Result{
		Conn:       conn,
		Keys:       keys,
		LocalAddr:  r.localAddr,
		RemoteAddr: g.Address,
	}, nil
}

// verify checks the claim and proof. When the identity is unknown it returns
// throwaway key material so the refusal is unreadable as VALID.
func (r *Responder) verify(nonce string, claim identityClaim, proof seedProof) (*crypto.KeyMaterial, error) {
	seed, ok := r.auth.Lookup(claim.IdentityHash)
	if !ok {
		keys, err := crypto.NewKeyMaterial(uuid.NewString())
		if err != nil {
			return nil, err
		}
		return keys, ErrUnknownIdentity
	}

	keys, err := crypto.NewKeyMaterial(seed)
	if err != nil {
		return nil, err
	}

	answer, err := keys.Decrypt(claim.EncryptedChallenge)
	if err != nil {
		return keys, fmt.Errorf("%w: %w", ErrChallengeMismatch, err)
	}
	if !crypto.ConstantTimeEqual(answer, nonce) {
		return keys, ErrChallengeMismatch
	}

	proved, err := keys.Decrypt(proof.EncryptedSeed)
	if err != nil {
		return keys, fmt.Errorf("%w: %w", ErrSeedMismatch, err)
	}
	if !crypto.ConstantTimeEqual(crypto.DeriveHash(proved), claim.IdentityHash) {
		return keys, ErrSeedMismatch
	}
	return keys, nil
}

func (r *Responder) sendRefusal(conn Conn, keys *crypto.KeyMaterial) {
	if keys == nil {
		return
	}
	token, err := keys.Encrypt(VerdictInvalid)
	if err != nil {
		return
	}
	if err := send(conn, verdict{Token: token, Address: r.localAddr}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Responder.sendRefusal",
			"session":  r.sessionID,
			"error":    err.Error(),
		}).Debug("Could not deliver refusal")
	}
}

func (r *Responder) reject(conn Conn, keys *crypto.KeyMaterial, cause error) error {
	at := r.State()
	failure := &Failure{State: at, Err: cause}

	logrus.WithFields(logrus.Fields{
		"function": "Responder.reject",
		"session":  r.sessionID,
		"state":    at.String(),
		"error":    cause.Error(),
	}).Warn("Peer rejected")

	conn.Close()
	keys.Wipe()
	r.transition(StateRejected)
	return failure
}

func (r *Responder) transition(next State) {
	r.mu.Lock()
	from := r.state
	r.state = next
	r.history = append(r.history, next)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Responder.transition",
		"session":  r.sessionID,
		"from":     from.String(),
		"to":       next.String(),
	}).Debug("Handshake state transition")
}

// State returns the current state.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns every state visited, in order.
func (r *Responder) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.history))
	copy(out, r.history)
	return out
}
