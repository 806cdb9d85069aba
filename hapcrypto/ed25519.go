package hapcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Identity is a long-term Ed25519 keypair paired with the HAP pairing id
// string that identifies it (the accessory's own identity, or a
// controller's once paired).
type Identity struct {
	PairingID  string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity creates a fresh accessory identity with a random seed.
func GenerateIdentity(pairingID string) (*Identity, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("hapcrypto: generate seed: %w", err)
	}
	return IdentityFromSeed(pairingID, seed)
}

// IdentityFromSeed deterministically derives an accessory's long-term
// keypair from a stored 32-byte seed, so the accessory's identity survives
// restarts without persisting the expanded 64-byte private key.
func IdentityFromSeed(pairingID string, seed [32]byte) (*Identity, error) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &Identity{
		PairingID:  pairingID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Sign signs msg with the identity's long-term private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks an Ed25519 signature over msg under the given raw 32-byte
// public key, reporting any mismatch as ErrAuthentication.
func Verify(publicKey, msg, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrAuthentication
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), msg, signature) {
		return ErrAuthentication
	}
	return nil
}
