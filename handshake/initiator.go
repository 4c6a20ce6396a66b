package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
	"github.com/sirupsen/logrus"
)

// DialFunc opens the transport to the listener.
type DialFunc func(ctx context.Context) (Conn, error)

// Result is what a successful handshake hands to the steady-state relay.
type Result struct {
	Conn Conn
	Keys *crypto.KeyMaterial

	// LocalAddr is the address this side tags its envelopes with.
	LocalAddr string

	// RemoteAddr is the address the peer tagged its envelopes with.
	RemoteAddr string
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithSessionID tags log lines with id.
func WithSessionID(id string) InitiatorOption {
	return func(h *Initiator) {
		h.sessionID = id
	}
}

// WithGreeting overrides the plaintext greeting sent in the first step.
func WithGreeting(text string) InitiatorOption {
	return func(h *Initiator) {
		h.greeting = text
	}
}

// WithTransitionHook registers fn to run after every state change.
func WithTransitionHook(fn func(from, to State)) InitiatorOption {
	return func(h *Initiator) {
		h.onTransition = fn
	}
}

// Initiator is the connecting side of the handshake.
//
// The steps are strictly ordered: Connecting, AwaitGreetingReply,
// RespondToChallenge, SendSeedProof, AwaitVerdict, then Accepted or Rejected.
// Any error moves straight to Rejected, closes the transport and wipes the key
// material. The outcome is decided once; Run cannot be repeated.
type Initiator struct {
	seed         string
	keys         *crypto.KeyMaterial
	greeting     string
	sessionID    string
	onTransition func(from, to State)

	mu      sync.Mutex
	state   State
	history []State

	conn       Conn
	localAddr  string
	remoteAddr string
	challenge  string
	err        error
}

// NewInitiator validates seed and derives the session key material.
func NewInitiator(seed string, opts ...InitiatorOption) (*Initiator, error) {
	if err := limits.ValidateSeed(seed); err != nil {
		return nil, err
	}

	keys, err := crypto.NewKeyMaterial(seed)
	if err != nil {
		return nil, fmt.Errorf("derive key material: %w", err)
	}

	h := &Initiator{
		seed:     seed,
		keys:     keys,
		greeting: GreetingText,
		state:    StateConnecting,
		history:  []State{StateConnecting},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run drives the handshake to a terminal state. On success the returned
// Result owns the open transport and the key material. On failure the error
// is a *Failure naming the step that failed.
func (h *Initiator) Run(ctx context.Context, dial DialFunc) (*Result, error) {
	if h.State() != StateConnecting || len(h.History()) > 1 {
		return nil, ErrAlreadyRun
	}

	for {
		current := h.State()
		if current.Terminal() {
			break
		}

		next, err := h.step(ctx, current, dial)
		if err != nil {
			h.reject(current, err)
			break
		}
		h.transition(next)
	}

	if h.State() == StateRejected {
		return nil, h.err
	}

	return &Result{
		Conn:       h.conn,
		Keys:       h.keys,
		LocalAddr:  h.localAddr,
		RemoteAddr: h.remoteAddr,
	}, nil
}

func (h *Initiator) step(ctx context.Context, current State, dial DialFunc) (State, error) {
	switch current {
	case StateConnecting:
		return h.connect(ctx, dial)
	case StateAwaitGreetingReply:
		return h.awaitGreetingReply()
	case StateRespondToChallenge:
		return h.respondToChallenge()
	case StateSendSeedProof:
		return h.sendSeedProof()
	case StateAwaitVerdict:
		return h.awaitVerdict()
	default:
		return StateRejected, fmt.Errorf("no step for state %s", current)
	}
}

func (h *Initiator) connect(ctx context.Context, dial DialFunc) (State, error) {
	conn, err := dial(ctx)
	if err != nil {
		return StateRejected, err
	}
	h.conn = conn
	h.localAddr = conn.LocalHost()
	return StateAwaitGreetingReply, nil
}

// awaitGreetingReply sends the greeting and takes whatever comes back as the
// challenge. Its content is not checked, only encrypted.
func (h *Initiator) awaitGreetingReply() (State, error) {
	if err := send(h.conn, greeting{Text: h.greeting, Address: h.localAddr}); err != nil {
		return StateRejected, err
	}

	ch, err := receiveChallenge(h.conn)
	if err != nil {
		return StateRejected, err
	}
	h.challenge = ch.Nonce
	h.remoteAddr = ch.Address
	return StateRespondToChallenge, nil
}

func (h *Initiator) respondToChallenge() (State, error) {
	token, err := h.keys.Encrypt(h.challenge)
	if err != nil {
		return StateRejected, err
	}
	claim := identityClaim{EncryptedChallenge: token, IdentityHash: h.keys.Hash}
	if err := send(h.conn, claim); err != nil {
		return StateRejected, err
	}
	return StateSendSeedProof, nil
}

// sendSeedProof is the last use of the seed; the reference is dropped once it
// has been encrypted.
func (h *Initiator) sendSeedProof() (State, error) {
	token, err := h.keys.Encrypt(h.seed)
	h.seed = ""
	if err != nil {
		return StateRejected, err
	}
	if err := send(h.conn, seedProof{EncryptedSeed: token, Address: h.localAddr}); err != nil {
		return StateRejected, err
	}
	return StateAwaitVerdict, nil
}

func (h *Initiator) awaitVerdict() (State, error) {
	v, err := receiveVerdict(h.conn)
	if err != nil {
		return StateRejected, err
	}

	plain, err := h.keys.Decrypt(v.Token)
	if err != nil {
		return StateRejected, err
	}
	if plain != VerdictValid {
		return StateRejected, ErrRejected
	}
	return StateAccepted, nil
}

func (h *Initiator) transition(next State) {
	h.mu.Lock()
	from := h.state
	h.state = next
	h.history = append(h.history, next)
	hook := h.onTransition
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Initiator.transition",
		"session":  h.sessionID,
		"from":     from.String(),
		"to":       next.String(),
	}).Debug("Handshake state transition")

	if next == StateAccepted {
		logrus.WithFields(logrus.Fields{
			"function":   "Initiator.transition",
			"session":    h.sessionID,
			"local_addr": h.localAddr,
		}).Info("Handshake accepted")
	}

	if hook != nil {
		hook(from, next)
	}
}

func (h *Initiator) reject(at State, cause error) {
	h.err = &Failure{State: at, Err: cause}

	logrus.WithFields(logrus.Fields{
		"function": "Initiator.reject",
		"session":  h.sessionID,
		"state":    at.String(),
		"error":    cause.Error(),
		"verdict":  errors.Is(cause, ErrRejected),
	}).Warn("Handshake rejected")

	if h.conn != nil {
		h.conn.Close()
	}
	h.seed = ""
	h.keys.Wipe()
	h.transition(StateRejected)
}

// State returns the current state.
func (h *Initiator) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// History returns every state visited, in order.
func (h *Initiator) History() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.history))
	copy(out, h.history)
	return out
}

// Err returns the failure once the handshake has been rejected.
func (h *Initiator) Err() error {
	if h.State() != StateRejected {
		return nil
	}
	return h.err
}

// IdentityHash returns the derived hash sent as the identity claim.
func (h *Initiator) IdentityHash() string {
	return h.keys.Hash
}
