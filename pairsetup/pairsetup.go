// Package pairsetup drives the Pair-Setup state machine: the M1/M3/M5
// requests a controller sends on a single connection to establish a
// long-term pairing with this accessory. Each method consumes one request's
// decoded TLV items and the connection's Session, and returns the TLV items
// to send back — never an HTTP error status; protocol failures are carried
// in-band per the State/Error convention.
package pairsetup

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cvsouth/hap-go/backend"
	"github.com/cvsouth/hap-go/hapcrypto"
	"github.com/cvsouth/hap-go/session"
	"github.com/cvsouth/hap-go/tlv8"
)

// Method values carried in the Method TLV.
const (
	MethodPairSetup         = 0
	MethodPairSetupWithAuth = 1
)

// State values carried in the State TLV, M1 through M6.
const (
	StateM1 = 1
	StateM2 = 2
	StateM3 = 3
	StateM4 = 4
	StateM5 = 5
	StateM6 = 6
)

// Error codes carried in the Error TLV.
const (
	ErrorUnknown        = 1
	ErrorAuthentication = 2
	ErrorBackoff        = 3
	ErrorMaxPeers       = 4
	ErrorMaxTries       = 5
	ErrorUnavailable    = 6
	ErrorBusy           = 7
)

// srpUsername is the fixed SRP username HAP Pair-Setup uses; the setup code
// is the password.
const srpUsername = "Pair-Setup"

// HKDF salt/info strings, bit-exact per HAP Pair-Setup.
const (
	encryptSalt = "Pair-Setup-Encrypt-Salt"
	encryptInfo = "Pair-Setup-Encrypt-Info"

	controllerSignSalt = "Pair-Setup-Controller-Sign-Salt"
	controllerSignInfo = "Pair-Setup-Controller-Sign-Info"

	accessorySignSalt = "Pair-Setup-Accessory-Sign-Salt"
	accessorySignInfo = "Pair-Setup-Accessory-Sign-Info"
)

const (
	nonceM05 = "PS-Msg05"
	nonceM06 = "PS-Msg06"
)

// StepError is a protocol-level Pair-Setup failure that must be answered
// in-band as (State, Error) rather than as an HTTP error status. RetryDelay
// is seconds to wait before retrying, present only alongside BACKOFF.
type StepError struct {
	State      int
	Code       int
	RetryDelay int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pairsetup: state=%d error=%d", e.State, e.Code)
}

func stepErr(state, code int) error { return &StepError{State: state, Code: code} }

// backoffDelaySeconds is the RetryDelay sent alongside a second consecutive
// authentication failure on one connection.
const backoffDelaySeconds = 2

// Handler drives Pair-Setup for every connection on one accessory. It holds
// the accessory's long-term identity and setup code, and gates concurrent
// attempts: while one connection is mid-handshake, every other connection's
// M1 is refused with BUSY, and once an admin pairing exists, every M1 is
// refused with UNAVAILABLE.
//
// The busy-attempt gate is a single mutex-guarded owner pointer, the same
// shape as link.Link.CircIDs guarding circuit-ID allocation across a link's
// connection: state shared across request goroutines needs its own lock
// distinct from any single connection's Session. The owning Session's
// release hook (session.Session.SetReleaseHook) guarantees the slot is
// freed once that connection's Session is reset, however the connection
// ends, so an abandoned or failed handshake can never wedge the gate.
type Handler struct {
	Backend  backend.Backend
	Identity *hapcrypto.Identity
	Logger   *slog.Logger

	setupCode string

	mu        sync.Mutex
	busyOwner *session.Session
}

// New creates a Handler for the given accessory identity and setup code
// (format "XXX-XX-XXX"), persisting pairings through backend.
func New(b backend.Backend, identity *hapcrypto.Identity, setupCode string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Backend:   b,
		Identity:  identity,
		setupCode: setupCode,
		Logger:    logger,
	}
}

// acquire claims the single in-progress-attempt slot for sess. Returns false
// if another connection already owns it. Also installs a release hook on
// sess so the slot is freed when the connection ends for any reason —
// success, a failure that doesn't itself release, or the controller simply
// abandoning the handshake and closing the connection — not only the
// explicit release call sites inside the handshake steps.
func (h *Handler) acquire(sess *session.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busyOwner != nil && h.busyOwner != sess {
		return false
	}
	h.busyOwner = sess
	sess.SetReleaseHook(func() { h.release(sess) })
	return true
}

// release gives up the in-progress-attempt slot if sess holds it.
func (h *Handler) release(sess *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busyOwner == sess {
		h.busyOwner = nil
	}
}

// ServeTLV dispatches a decoded Pair-Setup request to the matching step
// based on its State TLV, returning the TLV items to send back. The caller
// (httpserver) handles malformed-TLV and wrong-content-type responses
// before calling ServeTLV; it handles a true unrecognizedState=true by
// answering HTTP 422 instead of writing the returned items.
func (h *Handler) ServeTLV(ctx context.Context, items []tlv8.Item, sess *session.Session) (response []tlv8.Item, unrecognizedState bool) {
	stateBytes, ok := tlv8.Find(items, tlv8.State)
	if !ok {
		return nil, true
	}
	state, err := tlv8.ParseUint(stateBytes)
	if err != nil {
		return nil, true
	}

	switch state {
	case StateM1:
		return h.step1(ctx, items, sess), false
	case StateM3:
		return h.step3(items, sess), false
	case StateM5:
		return h.step5(ctx, items, sess), false
	default:
		return nil, true
	}
}

func asTLV(err error) []tlv8.Item {
	se, ok := err.(*StepError)
	if !ok {
		se = &StepError{State: StateM2, Code: ErrorUnknown}
	}
	items := []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(uint64(se.State))},
		{Tag: tlv8.Error, Value: tlv8.Uint(uint64(se.Code))},
	}
	if se.RetryDelay > 0 {
		items = append(items, tlv8.Item{Tag: tlv8.RetryDelay, Value: tlv8.Uint(uint64(se.RetryDelay))})
	}
	return items
}

// step1 handles M1 -> M2: validates the request shape, gates on BUSY and
// UNAVAILABLE, starts a fresh SRP session, and returns the server's public
// value and salt.
func (h *Handler) step1(ctx context.Context, items []tlv8.Item, sess *session.Session) []tlv8.Item {
	if _, hasFlags := tlv8.Find(items, tlv8.Flags); hasFlags {
		return asTLV(stepErr(StateM2, ErrorAuthentication))
	}

	methodBytes, ok := tlv8.Find(items, tlv8.Method)
	if !ok {
		return asTLV(stepErr(StateM2, ErrorUnknown))
	}
	method, err := tlv8.ParseUint(methodBytes)
	if err != nil || method != MethodPairSetupWithAuth {
		return asTLV(stepErr(StateM2, ErrorUnknown))
	}

	if has, err := h.Backend.HasAdminPairing(ctx); err != nil {
		h.Logger.Error("check admin pairing", "err", err)
		return asTLV(stepErr(StateM2, ErrorUnknown))
	} else if has {
		return asTLV(stepErr(StateM2, ErrorUnavailable))
	}

	if !h.acquire(sess) {
		return asTLV(stepErr(StateM2, ErrorBusy))
	}

	srp, err := hapcrypto.NewServerSession(srpUsername, h.setupCode)
	if err != nil {
		h.Logger.Error("new SRP session", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM2, ErrorUnknown))
	}
	sess.StartSRP(srp)

	return []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM2)},
		{Tag: tlv8.PublicKey, Value: srp.PublicKey()},
		{Tag: tlv8.Salt, Value: srp.Salt()},
	}
}

// step3 handles M3 -> M4: sets the controller's public key, verifies its
// proof, and on success answers with the accessory's proof.
func (h *Handler) step3(items []tlv8.Item, sess *session.Session) []tlv8.Item {
	srp := sess.SRP()
	if srp == nil {
		return asTLV(stepErr(StateM4, ErrorUnknown))
	}

	a, hasA := tlv8.Find(items, tlv8.PublicKey)
	clientProof, hasProof := tlv8.Find(items, tlv8.Proof)
	if !hasA || !hasProof {
		return asTLV(stepErr(StateM4, ErrorUnknown))
	}

	if err := srp.SetClientPublicKey(a); err != nil {
		return asTLV(h.authFailure(sess, StateM4))
	}

	if !srp.VerifyClientProof(clientProof) {
		return asTLV(h.authFailure(sess, StateM4))
	}

	sess.MarkKeyed()
	sess.ResetAuthFailures()
	serverProof := srp.ServerProof(clientProof)

	return []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM4)},
		{Tag: tlv8.Proof, Value: serverProof},
	}
}

// step5 handles M5 -> M6: decrypts and verifies the controller's identity,
// persists the pairing, and returns the accessory's encrypted identity.
func (h *Handler) step5(ctx context.Context, items []tlv8.Item, sess *session.Session) []tlv8.Item {
	srp := sess.SRP()
	if srp == nil || srp.SessionKey() == nil {
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}

	encrypted, ok := tlv8.Find(items, tlv8.EncryptedData)
	if !ok {
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}

	sharedSecret := srp.SharedSecret()
	sessionKey, err := hapcrypto.HKDFExpand(sharedSecret, []byte(encryptSalt), []byte(encryptInfo), 32)
	if err != nil {
		h.Logger.Error("derive pair-setup session key", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}
	defer clear(sessionKey)

	plaintext, err := hapcrypto.Open(sessionKey, hapcrypto.PairSetupNonce(nonceM05), encrypted)
	if err != nil {
		return asTLV(h.authFailure(sess, StateM6))
	}

	inner, err := tlv8.Decode(plaintext)
	if err != nil {
		return asTLV(h.authFailure(sess, StateM6))
	}

	pairingIDBytes, hasID := tlv8.Find(inner, tlv8.Identifier)
	iosLTPK, hasKey := tlv8.Find(inner, tlv8.PublicKey)
	iosSig, hasSig := tlv8.Find(inner, tlv8.Signature)
	if !hasID || !hasKey || !hasSig {
		return asTLV(h.authFailure(sess, StateM6))
	}

	iosDeviceX, err := hapcrypto.HKDFExpand(sharedSecret, []byte(controllerSignSalt), []byte(controllerSignInfo), 32)
	if err != nil {
		h.Logger.Error("derive iOSDeviceX", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}
	defer clear(iosDeviceX)
	iosDeviceInfo := concat(iosDeviceX, pairingIDBytes, iosLTPK)
	if err := hapcrypto.Verify(iosLTPK, iosDeviceInfo, iosSig); err != nil {
		return asTLV(h.authFailure(sess, StateM6))
	}

	pairingID := string(pairingIDBytes)
	record := backend.PairingRecord{
		PairingID: pairingID,
		PublicKey: ed25519.PublicKey(append([]byte(nil), iosLTPK...)),
		Admin:     true,
	}
	if err := h.Backend.StorePairing(ctx, record); err != nil {
		h.Logger.Error("store pairing", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}

	accessoryX, err := hapcrypto.HKDFExpand(sharedSecret, []byte(accessorySignSalt), []byte(accessorySignInfo), 32)
	if err != nil {
		h.Logger.Error("derive AccessoryX", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}
	defer clear(accessoryX)
	accessoryInfo := concat(accessoryX, []byte(h.Identity.PairingID), h.Identity.PublicKey)
	accessorySig := h.Identity.Sign(accessoryInfo)

	innerResp := tlv8.Encode([]tlv8.Item{
		{Tag: tlv8.Identifier, Value: []byte(h.Identity.PairingID)},
		{Tag: tlv8.PublicKey, Value: h.Identity.PublicKey},
		{Tag: tlv8.Signature, Value: accessorySig},
	})

	ciphertext, err := hapcrypto.Seal(sessionKey, hapcrypto.PairSetupNonce(nonceM06), innerResp)
	if err != nil {
		h.Logger.Error("seal M6 response", "err", err)
		h.release(sess)
		return asTLV(stepErr(StateM6, ErrorUnknown))
	}

	sess.Pair(session.PeerIdentity{PairingID: pairingID, PublicKey: ed25519.PublicKey(append([]byte(nil), iosLTPK...))})
	h.release(sess)

	return []tlv8.Item{
		{Tag: tlv8.State, Value: tlv8.Uint(StateM6)},
		{Tag: tlv8.EncryptedData, Value: ciphertext},
	}
}

// authFailure clears the SRP session on an authentication failure and
// builds the error to report: plain AUTHENTICATION on a connection's first
// failure, BACKOFF with a RetryDelay on its second consecutive failure
// without an intervening verified M3 proof. A BACKOFF failure also releases
// the busy-attempt slot so a fresh M1 from elsewhere is not stuck behind a
// connection that must now wait out its delay.
func (h *Handler) authFailure(sess *session.Session, state int) error {
	sess.ClearSRP()
	if n := sess.RecordAuthFailure(); n >= 2 {
		h.release(sess)
		return &StepError{State: state, Code: ErrorBackoff, RetryDelay: backoffDelaySeconds}
	}
	return &StepError{State: state, Code: ErrorAuthentication}
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
