package handshake

// State is a step of the handshake. The connecting side walks
// StateConnecting through StateAwaitVerdict; the listening side walks
// StateAwaitGreeting through StateSendVerdict. Both end in StateAccepted or
// StateRejected.
type State uint8

const (
	// StateConnecting opens the transport to the listener.
	StateConnecting State = iota
	// StateAwaitGreetingReply sends the greeting and waits for the challenge.
	StateAwaitGreetingReply
	// StateRespondToChallenge sends the encrypted challenge with the identity claim.
	StateRespondToChallenge
	// StateSendSeedProof sends the encrypted seed.
	StateSendSeedProof
	// StateAwaitVerdict waits for and checks the listener's verdict.
	StateAwaitVerdict

	// StateAwaitGreeting waits for the connecting peer's greeting.
	StateAwaitGreeting
	// StateSendChallenge sends a fresh challenge.
	StateSendChallenge
	// StateAwaitIdentityClaim waits for the encrypted challenge and identity hash.
	StateAwaitIdentityClaim
	// StateAwaitSeedProof waits for the encrypted seed.
	StateAwaitSeedProof
	// StateSendVerdict checks the claim and proof and sends the verdict.
	StateSendVerdict

	// StateAccepted is the terminal success state.
	StateAccepted
	// StateRejected is the terminal failure state.
	StateRejected
)

var stateNames = map[State]string{
	StateConnecting:         "Connecting",
	StateAwaitGreetingReply: "AwaitGreetingReply",
	StateRespondToChallenge: "RespondToChallenge",
	StateSendSeedProof:      "SendSeedProof",
	StateAwaitVerdict:       "AwaitVerdict",
	StateAwaitGreeting:      "AwaitGreeting",
	StateSendChallenge:      "SendChallenge",
	StateAwaitIdentityClaim: "AwaitIdentityClaim",
	StateAwaitSeedProof:     "AwaitSeedProof",
	StateSendVerdict:        "SendVerdict",
	StateAccepted:           "Accepted",
	StateRejected:           "Rejected",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}
