package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected indicates the verdict decrypted to something other than VALID.
	ErrRejected = errors.New("handshake rejected by listener")

	// ErrUnknownIdentity indicates an identity claim for a seed the listener
	// does not know.
	ErrUnknownIdentity = errors.New("unknown identity claim")

	// ErrChallengeMismatch indicates the encrypted challenge did not decrypt
	// to the challenge that was sent.
	ErrChallengeMismatch = errors.New("challenge response mismatch")

	// ErrSeedMismatch indicates the seed proof does not hash to the claimed identity.
	ErrSeedMismatch = errors.New("seed proof does not match identity claim")

	// ErrPeerClosed indicates the stream ended in the middle of the handshake.
	ErrPeerClosed = errors.New("peer closed the stream during handshake")

	// ErrAlreadyRun indicates Run was called on a finished handshake.
	ErrAlreadyRun = errors.New("handshake already run")
)

// Failure is the error returned when a handshake ends in StateRejected.
// State is the step that failed; Err is the underlying cause.
type Failure struct {
	State State
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("handshake failed in %s: %v", f.State, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
