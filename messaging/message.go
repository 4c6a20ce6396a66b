package messaging

import (
	"time"
)

// Message is a decrypted chat message received from the remote peer.
// Origin is the address the peer tagged its envelope with.
type Message struct {
	Text      string
	Origin    string
	Timestamp time.Time
}

// NewMessage creates a message stamped with the current time.
func NewMessage(text, origin string) Message {
	return Message{
		Text:      text,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// Reverse returns s with its characters in reverse order.
// The listener applies this to ciphertext before relaying it, so both sides
// must use the same notion of character; tokens are base64, so runes and
// bytes agree on the wire.
func Reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
