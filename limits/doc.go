// Package limits holds the size constants shared by the session, relay and
// transport layers.
//
//   - MinSeedLength (16 characters): the IV is sliced from the first 16 hash
//     characters, and a seed at least that long keeps operator input from being
//     trivially short.
//   - MaxPlaintextMessage (16 KiB): the largest chat message accepted for sending.
//   - MaxCipherToken: the base64 size of the largest padded ciphertext.
//   - MaxLineLength (64 KiB): the transport's read buffer bound. Longer lines
//     are a transport error, which protects the reader from unbounded memory use.
//
// Validation errors wrap ErrMessageEmpty, ErrMessageTooLarge, ErrSeedTooShort
// or ErrSeedTooLong so callers can use errors.Is.
package limits
