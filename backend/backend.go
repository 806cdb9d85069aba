// Package backend defines the persistence contract this HAP core consumes
// (but does not implement the accessory data model for): loading the
// accessory catalog at startup, storing a newly completed pairing, and
// storing accessory state mutations. Persistence format is
// implementation-chosen; this package only fixes the shape.
package backend

import (
	"context"
	"crypto/ed25519"

	"github.com/cvsouth/hap-go/catalog"
)

// Accessory is an opaque, backend-persisted accessory record. Its internal
// service/characteristic shape is owned by the accessory data model, which
// is out of scope for this core; Raw carries whatever that model chose to
// serialize.
type Accessory struct {
	AID int
	Raw []byte
}

// PairingRecord is what a successful Pair-Setup (M5/M6) produces: the
// controller's pairing id, its long-term Ed25519 public key, and whether
// it holds admin permissions. Pair-Setup always grants admin.
type PairingRecord struct {
	PairingID string
	PublicKey ed25519.PublicKey
	Admin     bool
}

// Backend is any object that can load and store accessory state, consumed
// as an external collaborator per this core's scope. Implementations must
// serialize their own mutations: Backend is shared across every
// connection's goroutine.
type Backend interface {
	// LoadAll loads every known accessory, resolving type UUIDs against
	// catalog. Called once at startup.
	LoadAll(ctx context.Context, catalog catalog.TypeCatalog) ([]Accessory, error)

	// StorePairing persists a pairing record produced by a successful
	// Pair-Setup. This is the commit point: once it returns without error,
	// the pairing must survive a restart.
	StorePairing(ctx context.Context, record PairingRecord) error

	// HasAdminPairing reports whether at least one admin pairing has been
	// stored, so Pair-Setup can refuse further M1 attempts once the
	// accessory is paired.
	HasAdminPairing(ctx context.Context) (bool, error)

	// StoreAccessory persists a mutation to the accessory catalog. Out of
	// scope for Pair-Setup itself but part of the Backend contract this
	// core's consumers rely on.
	StoreAccessory(ctx context.Context, accessory Accessory) error
}
