package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEnvelope indicates a line that is not a well-formed envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the wire unit: one JSON object per line.
//
// Text holds a plaintext control message or a cipher token depending on the
// protocol phase. Tag holds the sender's address, except in the identity
// claim step of the handshake where it holds the derived hash.
type Envelope struct {
	Text string `json:"message"`
	Tag  string `json:"senderIp"`
}

// wireEnvelope detects missing fields on decode.
type wireEnvelope struct {
	Text *string `json:"message"`
	Tag  *string `json:"senderIp"`
}

// Marshal encodes env as a single line without the trailing newline.
func Marshal(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	// encoding/json escapes control characters inside strings, so this only
	// guards against a future change of encoder.
	if strings.ContainsAny(string(data), "\r\n") {
		return "", fmt.Errorf("%w: encoded envelope spans lines", ErrMalformedEnvelope)
	}
	return string(data), nil
}

// Unmarshal decodes one line into an Envelope. Both fields must be present.
func Unmarshal(line string) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Text == nil {
		return Envelope{}, fmt.Errorf("%w: missing message field", ErrMalformedEnvelope)
	}
	if w.Tag == nil {
		return Envelope{}, fmt.Errorf("%w: missing senderIp field", ErrMalformedEnvelope)
	}
	return Envelope{Text: *w.Text, Tag: *w.Tag}, nil
}
