package hapcrypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts and authenticates plaintext with a 256-bit key and the
// given 12-byte nonce, no associated data, returning ciphertext with the
// 16-byte Poly1305 tag appended.
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and verifies ciphertext (with its trailing 16-byte tag)
// under key and nonce, no associated data. A tag mismatch is reported as
// ErrAuthentication, matching the spec's requirement that AEAD failures
// surface as the same Authentication error class as an SRP proof mismatch.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// PairSetupNonce builds the 12-byte nonce HAP Pair-Setup uses for a given
// message label ("PS-Msg05" or "PS-Msg06"): the 8-byte ASCII label
// followed by four zero bytes.
func PairSetupNonce(label string) []byte {
	nonce := make([]byte, 12)
	copy(nonce, label)
	return nonce
}
