package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// HashLength is the length of a derived hash in hex characters.
	HashLength = sha256.Size * 2

	// KeySize is the AES-256 key size taken from the hash.
	KeySize = 32

	// IVSize is the AES block size taken from the hash.
	IVSize = 16
)

// ErrShortHash indicates a hash string too short to slice key material from.
var ErrShortHash = errors.New("hash too short for key material")

// DeriveHash returns the lowercase hex SHA-256 of the UTF-8 bytes of seed.
func DeriveHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// DeriveKey returns the first KeySize characters of hash as raw key bytes.
// The hex characters themselves are the key material; the hash is not decoded.
func DeriveKey(hash string) ([]byte, error) {
	return prefixBytes(hash, KeySize)
}

// DeriveIV returns the first IVSize characters of hash as raw IV bytes.
func DeriveIV(hash string) ([]byte, error) {
	return prefixBytes(hash, IVSize)
}

func prefixBytes(hash string, n int) ([]byte, error) {
	if len(hash) < n {
		return nil, fmt.Errorf("%w: have %d characters, need %d", ErrShortHash, len(hash), n)
	}
	out := make([]byte, n)
	copy(out, hash[:n])
	return out, nil
}

// KeyMaterial is the per-session result of deriving a seed.
// It is owned by exactly one session and must be wiped when the session ends.
// Encrypt and Decrypt may be called concurrently with each other and with Wipe.
type KeyMaterial struct {
	Hash string
	Key  []byte
	IV   []byte

	mu    sync.RWMutex
	wiped bool
}

// NewKeyMaterial derives hash, key and IV from seed.
func NewKeyMaterial(seed string) (*KeyMaterial, error) {
	hash := DeriveHash(seed)

	key, err := DeriveKey(hash)
	if err != nil {
		return nil, err
	}
	iv, err := DeriveIV(hash)
	if err != nil {
		ZeroBytes(key)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewKeyMaterial",
		"hash_prefix": hash[:8],
	}).Debug("Derived session key material")

	return &KeyMaterial{Hash: hash, Key: key, IV: iv}, nil
}

// Encrypt encrypts plaintext under this key material.
func (km *KeyMaterial) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.wiped {
		return "", ErrKeyWiped
	}
	return Encrypt(plaintext, km.Key, km.IV)
}

// Decrypt decrypts a token produced under the same key material.
func (km *KeyMaterial) Decrypt(token string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.wiped {
		return "", ErrKeyWiped
	}
	return Decrypt(token, km.Key, km.IV)
}

// Wipe zeroes the key and IV. Further Encrypt/Decrypt calls fail with ErrKeyWiped.
func (km *KeyMaterial) Wipe() {
	if km == nil {
		return
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.wiped {
		return
	}
	ZeroBytes(km.Key)
	ZeroBytes(km.IV)
	km.wiped = true
}

// Wiped reports whether Wipe has been called.
func (km *KeyMaterial) Wiped() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.wiped
}
