// Package messaging defines the wire envelope and the chat message type.
//
// Every line on the wire is one JSON object with two string fields:
//
//	{"message":"<text or cipher token>","senderIp":"<address or identity hash>"}
//
// Which meaning each field carries depends on the protocol phase, so callers
// track the phase rather than the field name. The handshake package wraps each
// step in a typed message so the overloaded tag is never read ambiguously.
//
// Unmarshal fails with ErrMalformedEnvelope on invalid JSON or a missing field.
package messaging
