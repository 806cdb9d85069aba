package hapcrypto

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFExpand derives length bytes from ikm using HKDF-SHA-512 with the
// given salt and info strings, as every Pair-Setup key derivation
// (session key, iOSDeviceX, AccessoryX) requires.
func HKDFExpand(ikm, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha512.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hapcrypto: hkdf expand: %w", err)
	}
	return out, nil
}
