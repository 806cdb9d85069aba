package pairsetup

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"math/big"
	"strings"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/hap-go/backend"
	"github.com/cvsouth/hap-go/hapcrypto"
	"github.com/cvsouth/hap-go/session"
	"github.com/cvsouth/hap-go/tlv8"
)

// The tests below play the controller side of Pair-Setup against a real
// Handler, independently reimplementing the SRP-6a group arithmetic and
// HAP's key-derivation/AEAD conventions rather than reaching into
// hapcrypto's unexported internals — the same black-box posture a real iOS
// controller has toward this server.

const testGroup3072Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
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

func testGroup(t *testing.T) (n, g *big.Int, width int) {
	t.Helper()
	n, ok := new(big.Int).SetString(testGroup3072Hex, 16)
	if !ok {
		t.Fatalf("bad test group constant")
	}
	return n, big.NewInt(5), (n.BitLen() + 7) / 8
}

func padLeft(b []byte, width int) []byte {
	if len(b) >= width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}

func toBytes(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	return n.Bytes()
}

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// clientSRP plays the controller's side of the SRP-6a exchange against the
// accessory's published B and salt.
type clientSRP struct {
	t            *testing.T
	n, g         *big.Int
	width        int
	username     string
	password     string
	salt         []byte
	serverPublic []byte
	priv         *big.Int
	public       []byte
	sessionKey   []byte
	sharedSecret []byte
}

func newClientSRP(t *testing.T, username, password string, salt, serverPublic []byte) *clientSRP {
	t.Helper()
	n, g, width := testGroup(t)

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	priv := new(big.Int).SetBytes(buf)
	public := toBytes(new(big.Int).Exp(g, priv, n))

	c := &clientSRP{
		t: t, n: n, g: g, width: width,
		username: username, password: password,
		salt: salt, serverPublic: serverPublic,
		priv: priv, public: public,
	}
	c.derive()
	return c
}

func (c *clientSRP) derive() {
	inner := sha512.Sum512([]byte(c.username + ":" + c.password))
	hx := sha512.New()
	hx.Write(c.salt)
	hx.Write(inner[:])
	x := new(big.Int).SetBytes(hx.Sum(nil))

	hk := sha512.New()
	hk.Write(padLeft(toBytes(c.n), c.width))
	hk.Write(padLeft(toBytes(c.g), c.width))
	k := new(big.Int).SetBytes(hk.Sum(nil))

	hu := sha512.New()
	hu.Write(c.public)
	hu.Write(c.serverPublic)
	u := new(big.Int).SetBytes(hu.Sum(nil))

	v := new(big.Int).Exp(c.g, x, c.n)
	kv := new(big.Int).Mod(new(big.Int).Mul(k, v), c.n)
	base := new(big.Int).Sub(new(big.Int).SetBytes(c.serverPublic), kv)
	base.Mod(base, c.n)
	exp := new(big.Int).Add(c.priv, new(big.Int).Mul(u, x))
	s := new(big.Int).Exp(base, exp, c.n)

	c.sharedSecret = toBytes(s)
	sum := sha512.Sum512(c.sharedSecret)
	c.sessionKey = sum[:]
}

func (c *clientSRP) hNXorHG() []byte {
	hn := sha512.Sum512(padLeft(toBytes(c.n), c.width))
	hg := sha512.Sum512(padLeft(toBytes(c.g), c.width))
	out := make([]byte, len(hn))
	for i := range out {
		out[i] = hn[i] ^ hg[i]
	}
	return out
}

func (c *clientSRP) proof() []byte {
	hu := sha512.Sum512([]byte(c.username))
	sum := sha512.Sum512(concatAll(c.hNXorHG(), hu[:], c.salt, c.public, c.serverPublic, c.sessionKey))
	return sum[:]
}

func (c *clientSRP) expectedServerProof(clientProof []byte) []byte {
	sum := sha512.Sum512(concatAll(c.public, clientProof, c.sessionKey))
	return sum[:]
}

func hkdfExpand(t *testing.T, ikm, salt, info []byte, length int) []byte {
	t.Helper()
	out := make([]byte, length)
	kdf := hkdf.New(sha512.New, ikm, salt, info)
	if _, err := io.ReadFull(kdf, out); err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	return out
}

func sealChaCha(t *testing.T, key, nonce, plaintext []byte) []byte {
	t.Helper()
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		t.Fatalf("chacha20poly1305.New: %v", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil)
}

func openChaCha(t *testing.T, key, nonce, ciphertext []byte) []byte {
	t.Helper()
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		t.Fatalf("chacha20poly1305.New: %v", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("aead.Open: %v", err)
	}
	return plain
}

func nonce(label string) []byte {
	n := make([]byte, 12)
	copy(n, label)
	return n
}

func findTag(t *testing.T, items []tlv8.Item, tag tlv8.Tag) []byte {
	t.Helper()
	v, ok := tlv8.Find(items, tag)
	if !ok {
		t.Fatalf("response missing tag %v: %+v", tag, items)
	}
	return v
}

func newTestHandler(t *testing.T) (*Handler, *backend.Memory, *hapcrypto.Identity) {
	t.Helper()
	b := backend.NewMemory()
	identity, err := hapcrypto.GenerateIdentity("accessory-1")
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return New(b, identity, "843-15-743", nil), b, identity
}

// TestFullHandshakeRoundTrip runs M1/M3/M5 against a real Handler and
// verifies the returned accessory identity's Ed25519 signature, end to end.
func TestFullHandshakeRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, b, identity := newTestHandler(t)
	sess := session.New()

	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetupWithAuth)},
	}
	m2, unrecognized := h.ServeTLV(ctx, m1, sess)
	if unrecognized {
		t.Fatalf("M1 reported unrecognized state")
	}
	if _, hasErr := tlv8.Find(m2, tlv8.Error); hasErr {
		t.Fatalf("M1 returned an error: %+v", m2)
	}
	salt := findTag(t, m2, tlv8.Salt)
	serverPublic := findTag(t, m2, tlv8.PublicKey)
	if len(salt) != 16 {
		t.Fatalf("salt length = %d, want 16", len(salt))
	}

	client := newClientSRP(t, "Pair-Setup", "843-15-743", salt, serverPublic)
	clientProof := client.proof()

	m3 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM3)},
		{Tag: tlv8.PublicKey, Value: client.public},
		{Tag: tlv8.Proof, Value: clientProof},
	}
	m4, unrecognized := h.ServeTLV(ctx, m3, sess)
	if unrecognized {
		t.Fatalf("M3 reported unrecognized state")
	}
	if _, hasErr := tlv8.Find(m4, tlv8.Error); hasErr {
		t.Fatalf("M3 returned an error: %+v", m4)
	}
	serverProof := findTag(t, m4, tlv8.Proof)
	if !bytes.Equal(serverProof, client.expectedServerProof(clientProof)) {
		t.Fatalf("server proof did not verify under client-derived K")
	}

	sessionKey := hkdfExpand(t, client.sharedSecret, []byte(encryptSalt), []byte(encryptInfo), 32)

	iosPub, iosPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	const iosPairingID = "controller-1"
	iosDeviceX := hkdfExpand(t, client.sharedSecret, []byte(controllerSignSalt), []byte(controllerSignInfo), 32)
	iosDeviceInfo := concatAll(iosDeviceX, []byte(iosPairingID), iosPub)
	iosSig := ed25519.Sign(iosPriv, iosDeviceInfo)

	inner := tlv8.Encode([]tlv8.Item{
		{Tag: tlv8.Identifier, Value: []byte(iosPairingID)},
		{Tag: tlv8.PublicKey, Value: iosPub},
		{Tag: tlv8.Signature, Value: iosSig},
	})
	encrypted := sealChaCha(t, sessionKey, nonce(nonceM05), inner)

	m5 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM5)},
		{Tag: tlv8.EncryptedData, Value: encrypted},
	}
	m6, unrecognized := h.ServeTLV(ctx, m5, sess)
	if unrecognized {
		t.Fatalf("M5 reported unrecognized state")
	}
	if _, hasErr := tlv8.Find(m6, tlv8.Error); hasErr {
		t.Fatalf("M5 returned an error: %+v", m6)
	}

	respEncrypted := findTag(t, m6, tlv8.EncryptedData)
	respPlain := openChaCha(t, sessionKey, nonce(nonceM06), respEncrypted)
	respItems, err := tlv8.Decode(respPlain)
	if err != nil {
		t.Fatalf("decode M6 inner TLV: %v", err)
	}

	accessoryPairingID := findTag(t, respItems, tlv8.Identifier)
	accessoryPub := findTag(t, respItems, tlv8.PublicKey)
	accessorySig := findTag(t, respItems, tlv8.Signature)

	if !bytes.Equal(accessoryPub, identity.PublicKey) {
		t.Fatalf("accessory public key in M6 does not match identity")
	}

	accessoryX := hkdfExpand(t, client.sharedSecret, []byte(accessorySignSalt), []byte(accessorySignInfo), 32)
	accessoryInfo := concatAll(accessoryX, accessoryPairingID, accessoryPub)
	if !ed25519.Verify(ed25519.PublicKey(accessoryPub), accessoryInfo, accessorySig) {
		t.Fatalf("accessory signature does not verify under its own published public key")
	}

	if !sess.IsPaired() {
		t.Fatalf("session not marked paired after a successful M5/M6")
	}
	pairings := b.Pairings()
	if len(pairings) != 1 || pairings[0].PairingID != iosPairingID {
		t.Fatalf("unexpected stored pairings: %+v", pairings)
	}
}

func TestM1RejectsFlags(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetup)},
		{Tag: tlv8.Flags, Value: tlv8.Uint(1)},
	}
	resp, unrecognized := h.ServeTLV(ctx, m1, sess)
	if unrecognized {
		t.Fatalf("reported unrecognized state")
	}
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if errCode != ErrorAuthentication {
		t.Fatalf("error = %d, want AUTHENTICATION", errCode)
	}
}

func TestM1UnknownMethodShape(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	m1 := []tlv8.Item{{Tag: tlv8.State, Value: tlv8.Uint(StateM1)}}
	resp, _ := h.ServeTLV(ctx, m1, sess)
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if errCode != ErrorUnknown {
		t.Fatalf("error = %d, want UNKNOWN", errCode)
	}
}

func TestM3WithoutSRPSession(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	m3 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM3)},
		{Tag: tlv8.PublicKey, Value: []byte{1, 2, 3}},
		{Tag: tlv8.Proof, Value: []byte{4, 5, 6}},
	}
	resp, _ := h.ServeTLV(ctx, m3, sess)
	state, _ := tlv8.ParseUint(findTag(t, resp, tlv8.State))
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if state != StateM4 || errCode != ErrorUnknown {
		t.Fatalf("got state=%d error=%d, want state=4 error=UNKNOWN", state, errCode)
	}
}

func TestM5WithoutSRPSession(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	m5 := []tlv8.Item{{Tag: tlv8.State, Value: tlv8.Uint(StateM5)}}
	resp, _ := h.ServeTLV(ctx, m5, sess)
	state, _ := tlv8.ParseUint(findTag(t, resp, tlv8.State))
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if state != StateM6 || errCode != ErrorUnknown {
		t.Fatalf("got state=%d error=%d, want state=6 error=UNKNOWN", state, errCode)
	}
}

func TestUnrecognizedState(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	resp, unrecognized := h.ServeTLV(ctx, []tlv8.Item{{Tag: tlv8.State, Value: tlv8.Uint(9)}}, sess)
	if !unrecognized {
		t.Fatalf("expected unrecognized state, got response %+v", resp)
	}
}

// TestBusyConcurrentAttempt verifies that a second connection's M1 is
// refused with BUSY while another connection's Pair-Setup is in progress.
func TestBusyConcurrentAttempt(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)

	first := session.New()
	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetupWithAuth)},
	}
	resp, _ := h.ServeTLV(ctx, m1, first)
	if _, hasErr := tlv8.Find(resp, tlv8.Error); hasErr {
		t.Fatalf("first M1 returned an error: %+v", resp)
	}

	second := session.New()
	resp2, _ := h.ServeTLV(ctx, m1, second)
	errCode, _ := tlv8.ParseUint(findTag(t, resp2, tlv8.Error))
	if errCode != ErrorBusy {
		t.Fatalf("second connection's M1 error = %d, want BUSY", errCode)
	}
}

// TestAbandonedConnectionReleasesBusySlot verifies that a connection which
// starts Pair-Setup, takes a plain M3 authentication failure (which does not
// itself release the slot), and then has its Session reset — as the
// connection loop does on close, however the connection ends — frees the
// busy-attempt slot for the next connection's M1, rather than wedging it
// for the life of the process.
func TestAbandonedConnectionReleasesBusySlot(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)

	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetupWithAuth)},
	}

	first := session.New()
	resp, _ := h.ServeTLV(ctx, m1, first)
	if _, has := tlv8.Find(resp, tlv8.Error); has {
		t.Fatalf("first M1 returned an error: %+v", resp)
	}

	badM3 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM3)},
		{Tag: tlv8.PublicKey, Value: []byte{1, 2, 3}},
		{Tag: tlv8.Proof, Value: []byte(strings.Repeat("x", 64))},
	}
	resp, _ = h.ServeTLV(ctx, badM3, first)
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if errCode != ErrorAuthentication {
		t.Fatalf("M3 failure error = %d, want AUTHENTICATION", errCode)
	}

	blocked := session.New()
	resp, _ = h.ServeTLV(ctx, m1, blocked)
	errCode, _ = tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if errCode != ErrorBusy {
		t.Fatalf("other connection's M1 error = %d, want BUSY while first is still open", errCode)
	}

	// The connection loop always resets a connection's Session on close,
	// regardless of whether Pair-Setup ever completed.
	first.Reset()

	next := session.New()
	resp, _ = h.ServeTLV(ctx, m1, next)
	if _, has := tlv8.Find(resp, tlv8.Error); has {
		t.Fatalf("M1 after first's connection closed should succeed, got %+v", resp)
	}
}

// TestUnavailableAfterAdminPairing verifies that once the accessory has an
// admin pairing, further M1 attempts are refused with UNAVAILABLE.
func TestUnavailableAfterAdminPairing(t *testing.T) {
	ctx := context.Background()
	h, b, _ := newTestHandler(t)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := b.StorePairing(ctx, backend.PairingRecord{PairingID: "existing", PublicKey: pub, Admin: true}); err != nil {
		t.Fatalf("StorePairing: %v", err)
	}

	sess := session.New()
	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetupWithAuth)},
	}
	resp, _ := h.ServeTLV(ctx, m1, sess)
	errCode, _ := tlv8.ParseUint(findTag(t, resp, tlv8.Error))
	if errCode != ErrorUnavailable {
		t.Fatalf("error = %d, want UNAVAILABLE", errCode)
	}
}

// TestSecondAuthFailureTriggersBackoff verifies that a second consecutive
// M3 proof failure on the same connection reports BACKOFF with a
// RetryDelay.
func TestSecondAuthFailureTriggersBackoff(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t)
	sess := session.New()

	m1 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM1)},
		{Tag: tlv8.Method, Value: tlv8.Uint(MethodPairSetupWithAuth)},
	}
	h.ServeTLV(ctx, m1, sess)

	badM3 := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM3)},
		{Tag: tlv8.PublicKey, Value: []byte{1, 2, 3}},
		{Tag: tlv8.Proof, Value: []byte(strings.Repeat("x", 64))},
	}

	resp1, _ := h.ServeTLV(ctx, badM3, sess)
	errCode1, _ := tlv8.ParseUint(findTag(t, resp1, tlv8.Error))
	if errCode1 != ErrorAuthentication {
		t.Fatalf("first failure error = %d, want AUTHENTICATION", errCode1)
	}

	h.ServeTLV(ctx, m1, sess)
	resp2, _ := h.ServeTLV(ctx, badM3, sess)
	errCode2, _ := tlv8.ParseUint(findTag(t, resp2, tlv8.Error))
	if errCode2 != ErrorBackoff {
		t.Fatalf("second failure error = %d, want BACKOFF", errCode2)
	}
	if _, hasDelay := tlv8.Find(resp2, tlv8.RetryDelay); !hasDelay {
		t.Fatalf("BACKOFF response missing RetryDelay")
	}
}
