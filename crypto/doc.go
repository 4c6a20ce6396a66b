// Package crypto derives session key material from a shared seed and
// implements the cipher codec used on the wire.
//
// A seed is hashed with SHA-256 and rendered as 64 lowercase hex characters.
// The first 32 of those characters, taken as bytes, are the AES-256 key and
// the first 16 are the CBC IV:
//
//	km, err := crypto.NewKeyMaterial("abcdef0123456789")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer km.Wipe()
//
//	token, _ := km.Encrypt("hello")
//	plain, _ := km.Decrypt(token) // "hello"
//
// Tokens are standard base64 of AES-CBC ciphertext with PKCS#7 padding. There
// is no integrity tag: decrypting under the wrong key shows up as ErrCrypto
// (invalid padding) or, rarely, as garbage plaintext. Malformed tokens fail
// with ErrDecode.
package crypto
