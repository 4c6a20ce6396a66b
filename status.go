package echomesh

// Status is the lifecycle state of a Session.
type Status uint8

const (
	// StatusIdle means Start has not been called.
	StatusIdle Status = iota
	// StatusHandshaking means the handshake is in progress.
	StatusHandshaking
	// StatusConnected means the handshake was accepted and chat is flowing.
	StatusConnected
	// StatusRejected means the handshake failed. It is terminal.
	StatusRejected
	// StatusClosed means a connected session has ended. It is terminal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusHandshaking:
		return "Handshaking"
	case StatusConnected:
		return "Connected"
	case StatusRejected:
		return "Rejected"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
