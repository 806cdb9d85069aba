// Package hapcrypto implements the cryptographic primitives HAP Pair-Setup
// needs: SRP-6a over the RFC 5054 3072-bit group, HKDF-SHA-512 key
// derivation, ChaCha20-Poly1305 AEAD, and Ed25519 identity signing. Every
// constant and the order in which hashes are combined is bit-exact with
// Apple's HAP specification; deviating breaks interoperability with real
// iOS controllers.
package hapcrypto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// group3072Hex is the RFC 5054 3072-bit MODP group modulus.
const group3072Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
	"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
	"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
	"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
	"49286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8" +
	"FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C" +
	"180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D" +
	"04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7D" +
	"B3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D226" +
	"1AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
	"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFC" +
	"E0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

var (
	groupN = mustHexBig(group3072Hex)
	groupG = big.NewInt(5)
	// groupNWidth is n's serialized width in bytes, 384 for the 3072-bit group.
	groupNWidth = (groupN.BitLen() + 7) / 8
)

func mustHexBig(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("hapcrypto: invalid group modulus constant")
	}
	return n
}

// toBytes serializes an integer big-endian with the minimal number of
// bytes implied by its bit length (zero maps to an empty slice).
func toBytes(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	return n.Bytes()
}

// padLeft pads b with leading zero bytes to the given width.
func padLeft(b []byte, width int) []byte {
	if len(b) >= width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}

// srpK computes k = H(N || pad_width(g)), the RFC 5054 multiplier, with g
// left-padded to N's serialized width — the detail HAP implementations most
// often get wrong.
func srpK() *big.Int {
	h := sha512.New()
	h.Write(padLeft(toBytes(groupN), groupNWidth))
	h.Write(padLeft(toBytes(groupG), groupNWidth))
	return new(big.Int).SetBytes(h.Sum(nil))
}

// srpX computes x = H(salt || H(username ":" password)).
func srpX(username, password string, salt []byte) *big.Int {
	inner := sha512.Sum512([]byte(username + ":" + password))
	h := sha512.New()
	h.Write(salt)
	h.Write(inner[:])
	return new(big.Int).SetBytes(h.Sum(nil))
}

// srpU computes u = H(A || B) over the minimal-byte big-endian
// serializations of A and B — not padded to group width, matching what
// real HAP controllers send.
func srpU(a, b []byte) *big.Int {
	h := sha512.New()
	h.Write(a)
	h.Write(b)
	return new(big.Int).SetBytes(h.Sum(nil))
}

// ErrAuthentication reports a failed cryptographic verification: an SRP
// proof mismatch, an AEAD authentication-tag failure, or an Ed25519
// signature that does not verify. HAP Pair-Setup reports all three as the
// same in-band AUTHENTICATION error.
var ErrAuthentication = fmt.Errorf("hapcrypto: authentication failed")

// SRPSession holds one party's state in an SRP-6a exchange, restricted to
// the accessory (server) role Pair-Setup needs: generate salt and public
// value B from a username/password, accept the controller's public value
// A, and derive the shared secret and session key.
type SRPSession struct {
	username string
	password string
	salt     []byte

	privateB *big.Int
	publicB  []byte

	publicA []byte

	sharedSecret []byte // S, set once the peer's public value is known
	sessionKey   []byte // K = H(S), 64 bytes
}

// NewServerSession creates a fresh accessory-role SRP session for the
// given username and setup-code password, with a random 16-byte salt.
func NewServerSession(username, password string) (*SRPSession, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("hapcrypto: generate salt: %w", err)
	}

	privB, err := randomPrivateScalar()
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: generate private key: %w", err)
	}

	return newServerSessionFromPrivate(username, password, salt, privB), nil
}

// newServerSessionFromPrivate builds a server session from an explicit
// salt and private scalar b, factored out so interop tests can reproduce
// Apple's published SRP-6a test vectors exactly.
func newServerSessionFromPrivate(username, password string, salt []byte, privB *big.Int) *SRPSession {
	s := &SRPSession{username: username, password: password, salt: salt, privateB: privB}

	x := srpX(username, password, salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	gb := new(big.Int).Exp(groupG, privB, groupN)
	k := srpK()

	b := new(big.Int).Add(new(big.Int).Mul(k, v), gb)
	b.Mod(b, groupN)
	s.publicB = toBytes(b)

	return s
}

func randomPrivateScalar() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}

// Salt returns the 16-byte salt generated for this session.
func (s *SRPSession) Salt() []byte { return s.salt }

// PublicKey returns the server's public value B.
func (s *SRPSession) PublicKey() []byte { return s.publicB }

// SetClientPublicKey records the controller's public value A and derives
// the shared secret S and session key K = H(S). Returns an error if A is
// degenerate (A mod N == 0), which SRP-6a requires rejecting to prevent a
// trivial shared secret.
func (s *SRPSession) SetClientPublicKey(a []byte) error {
	aInt := new(big.Int).SetBytes(a)
	if new(big.Int).Mod(aInt, groupN).Sign() == 0 {
		return fmt.Errorf("hapcrypto: client public key is degenerate (A mod N == 0)")
	}
	s.publicA = a

	x := srpX(s.username, s.password, s.salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	u := srpU(s.publicA, s.publicB)

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(v, u, groupN)
	base := new(big.Int).Mul(aInt, vu)
	base.Mod(base, groupN)
	sInt := new(big.Int).Exp(base, s.privateB, groupN)

	s.sharedSecret = toBytes(sInt)
	h := sha512.Sum512(s.sharedSecret)
	s.sessionKey = h[:]

	return nil
}

// SharedSecret returns the raw SRP shared secret S, required by the M5
// stage to derive further HKDF keys. Only valid after SetClientPublicKey.
func (s *SRPSession) SharedSecret() []byte { return s.sharedSecret }

// SessionKey returns K = H(S), the 64-byte SRP session key. Only valid
// after SetClientPublicKey.
func (s *SRPSession) SessionKey() []byte { return s.sessionKey }

// hNXorHG computes H(N) XOR H(g), the first component of both SRP proofs.
func hNXorHG() []byte {
	hn := sha512.Sum512(padLeft(toBytes(groupN), groupNWidth))
	hg := sha512.Sum512(padLeft(toBytes(groupG), groupNWidth))
	out := make([]byte, len(hn))
	for i := range out {
		out[i] = hn[i] ^ hg[i]
	}
	return out
}

// VerifyClientProof checks the controller's M1 proof against the derived
// session key. Must be called after SetClientPublicKey.
func (s *SRPSession) VerifyClientProof(clientProof []byte) bool {
	expected := s.expectedClientProof()
	return subtle.ConstantTimeCompare(expected, clientProof) == 1
}

func (s *SRPSession) expectedClientProof() []byte {
	hu := sha512.Sum512([]byte(s.username))

	h := sha512.New()
	h.Write(hNXorHG())
	h.Write(hu[:])
	h.Write(s.salt)
	h.Write(s.publicA)
	h.Write(s.publicB)
	h.Write(s.sessionKey)
	return h.Sum(nil)
}

// ServerProof computes M2, the accessory's proof, over the controller's
// already-verified M1 proof.
func (s *SRPSession) ServerProof(clientProof []byte) []byte {
	h := sha512.New()
	h.Write(s.publicA)
	h.Write(clientProof)
	h.Write(s.sessionKey)
	return h.Sum(nil)
}

// Close zeroizes all key material held by the session. Call on every
// terminal path — success, authentication failure, or connection
// teardown — so no sensitive bytes survive in reusable buffers.
func (s *SRPSession) Close() {
	clear(s.sharedSecret)
	clear(s.sessionKey)
	clear(s.salt)
	s.privateB = nil
}
