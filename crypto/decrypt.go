package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Decrypt reverses Encrypt. A token that is not base64 or not a whole number
// of blocks fails with ErrDecode; bad padding fails with ErrCrypto.
func Decrypt(token string, key, iv []byte) (string, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrDecode, len(data), aes.BlockSize)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		NewLogger("Decrypt").
			WithFields(SecureFieldHash(data, "ciphertext")).
			Debug("Rejected ciphertext with invalid padding")
		return "", err
	}
	return string(plain), nil
}

// pkcs7Unpad checks every padding byte so that a wrong key is reported as
// ErrCrypto rather than yielding a truncated plaintext.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrCrypto
	}
	pad := data[len(data)-n:]
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(pad, want) != 1 {
		return nil, ErrCrypto
	}
	return data[:len(data)-n], nil
}
