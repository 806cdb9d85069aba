// Package session models the per-connection mutable state a HAP server
// threads across the three Pair-Setup requests that arrive on a single
// transport: the in-progress SRP exchange, and, once Pair-Setup completes,
// the verified peer identity.
package session

import (
	"crypto/ed25519"
	"sync"

	"github.com/cvsouth/hap-go/hapcrypto"
)

// State names where in the Pair-Setup handshake a connection's Session
// currently sits.
type State int

const (
	// Idle: no Pair-Setup attempt is in progress on this connection.
	Idle State = iota
	// SRPStarted: M1 has run; an SRP session exists but the controller's
	// public key has not yet been set.
	SRPStarted
	// SRPKeyed: M3 has run; the shared secret and session key are derived
	// and the client's proof has been verified.
	SRPKeyed
	// Paired: M5/M6 completed; the connection has a verified peer identity.
	Paired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SRPStarted:
		return "srp_started"
	case SRPKeyed:
		return "srp_keyed"
	case Paired:
		return "paired"
	default:
		return "unknown"
	}
}

// PeerIdentity is the controller identity established by a successful
// Pair-Setup, as recorded in Session once M6 completes.
type PeerIdentity struct {
	PairingID string
	PublicKey ed25519.PublicKey
}

// Session is the per-connection container a HAP server's connection loop
// creates on accept and discards on close. It is not safe for concurrent
// use by more than one goroutine at a time — exactly one request is ever
// in flight per connection, so the connection's own goroutine is the only
// writer.
type Session struct {
	mu sync.Mutex

	state State
	srp   *hapcrypto.SRPSession
	peer  *PeerIdentity

	// authFailures counts consecutive Pair-Setup authentication failures
	// on this connection since the last verified M3 proof, used to trigger a
	// BACKOFF response on the second consecutive failure.
	authFailures int

	// onRelease, if set, is called once when the session is Reset — which
	// the connection loop does however the connection ends, after a
	// completed handshake or mid-attempt — so a caller can tie its own
	// cross-connection state (e.g. a single-attempt-at-a-time gate) to this
	// session's lifetime without the session needing to know what that
	// caller is.
	onRelease func()
}

// New creates an Idle session for a freshly accepted connection.
func New() *Session {
	return &Session{state: Idle}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartSRP installs a new SRP session (M1), replacing and closing any
// prior one.
func (s *Session) StartSRP(srp *hapcrypto.SRPSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srp != nil {
		s.srp.Close()
	}
	s.srp = srp
	s.state = SRPStarted
}

// SRP returns the current SRP session, or nil if none is in progress.
func (s *Session) SRP() *hapcrypto.SRPSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srp
}

// MarkKeyed transitions SRPStarted to SRPKeyed once M3's client proof has
// verified.
func (s *Session) MarkKeyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SRPKeyed
}

// Pair completes the handshake (M5/M6): records the verified peer identity,
// zeroizes and discards the SRP session, and transitions to Paired.
func (s *Session) Pair(peer PeerIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srp != nil {
		s.srp.Close()
		s.srp = nil
	}
	s.peer = &peer
	s.state = Paired
}

// Peer returns the verified peer identity, if the session has completed
// Pair-Setup.
func (s *Session) Peer() (PeerIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return PeerIdentity{}, false
	}
	return *s.peer, true
}

// IsPaired reports whether this connection completed Pair-Setup.
func (s *Session) IsPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Paired
}

// ClearSRP discards and zeroizes the current SRP session without
// affecting any established pairing, as required after an authentication
// failure during M3 or M5 (the connection remains open; the peer may
// restart from M1).
func (s *Session) ClearSRP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srp != nil {
		s.srp.Close()
		s.srp = nil
	}
	if s.state != Paired {
		s.state = Idle
	}
}

// Reset zeroizes all key material and returns the session to Idle. Called
// on connection cancellation/close so no sensitive bytes survive in
// reusable buffers, and fires the release hook (if any) exactly once.
func (s *Session) Reset() {
	s.mu.Lock()
	fn := s.onRelease
	s.onRelease = nil
	if s.srp != nil {
		s.srp.Close()
		s.srp = nil
	}
	s.peer = nil
	s.state = Idle
	s.authFailures = 0
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// SetReleaseHook installs fn to run the next time Reset is called, then
// clears it — a one-shot callback for releasing cross-connection state tied
// to this session's lifetime (installing a new hook replaces any pending
// one rather than stacking).
func (s *Session) SetReleaseHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = fn
}

// RecordAuthFailure increments this connection's consecutive
// authentication-failure counter and returns the new count.
func (s *Session) RecordAuthFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
	return s.authFailures
}

// ResetAuthFailures clears the consecutive authentication-failure counter,
// called once the controller's M3 proof has verified. A successful M1 does
// not clear it.
func (s *Session) ResetAuthFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures = 0
}
