// Package limits provides centralized size limits for seeds, chat messages and
// wire lines. This ensures consistent validation across the session, relay and
// transport layers.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MinSeedLength is the shortest accepted shared seed, in characters.
	MinSeedLength = 16

	// MaxSeedLength bounds the seed so it always fits a single wire line once
	// encrypted for the seed proof step.
	MaxSeedLength = 1024

	// MaxPlaintextMessage is the largest chat message a peer may send.
	MaxPlaintextMessage = 16384

	// CipherBlockSize is the AES block size; padding adds up to one block.
	CipherBlockSize = 16

	// MaxCipherToken is the base64 length of the largest padded plaintext.
	MaxCipherToken = ((MaxPlaintextMessage+CipherBlockSize+2)/3)*4

	// MaxLineLength is the longest line the transport will buffer, leaving
	// room for the envelope's JSON framing and sender tag.
	MaxLineLength = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrSeedTooShort indicates a seed below MinSeedLength
	ErrSeedTooShort = errors.New("seed too short")

	// ErrSeedTooLong indicates a seed above MaxSeedLength
	ErrSeedTooLong = errors.New("seed too long")
)

// ValidateSeed checks the seed length in characters.
func ValidateSeed(seed string) error {
	n := utf8.RuneCountInString(seed)
	if n < MinSeedLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrSeedTooShort, n, MinSeedLength)
	}
	if len(seed) > MaxSeedLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrSeedTooLong, len(seed), MaxSeedLength)
	}
	return nil
}

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message string, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage validates an outgoing chat message.
func ValidatePlaintextMessage(message string) error {
	return ValidateMessageSize(message, MaxPlaintextMessage)
}

// ValidateLine validates a serialized envelope before it is written.
func ValidateLine(line string) error {
	return ValidateMessageSize(line, MaxLineLength)
}
