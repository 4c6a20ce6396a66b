package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrDecode indicates a token that is not valid encoded cipher output.
	ErrDecode = errors.New("malformed cipher token")

	// ErrCrypto indicates the decrypted padding was invalid, which is what a
	// wrong key or IV looks like since no integrity tag is carried.
	ErrCrypto = errors.New("cipher padding mismatch")

	// ErrKeyWiped indicates key material used after the owning session ended.
	ErrKeyWiped = errors.New("key material has been wiped")
)

// Encrypt encrypts plaintext with AES-CBC and PKCS#7 padding and returns the
// ciphertext as standard padded base64 with no line breaks.
func Encrypt(plaintext string, key, iv []byte) (string, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	return aes.NewCipher(key)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}
