package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cvsouth/hap-go/catalog"
)

// fileState is the on-disk JSON layout for File: one document holding the
// full accessory and pairing state, rather than one record per line.
type fileState struct {
	Accessories map[int]storedAccessory `json:"accessories"`
	Pairings    []storedPairing         `json:"pairings"`
}

type storedAccessory struct {
	AID int    `json:"aid"`
	Raw []byte `json:"raw"`
}

type storedPairing struct {
	PairingID string `json:"pairing_id"`
	PublicKey []byte `json:"public_key"`
	Admin     bool   `json:"admin"`
}

// File is a Backend that persists accessory and pairing state as a single
// JSON document on disk, loaded lazily on first access and rewritten in
// full on every mutation, using os.ReadFile/os.WriteFile plus encoding/json
// over a directory-rooted path.
type File struct {
	path string

	mu     sync.Mutex
	loaded bool
	state  fileState
}

// NewFile creates a File backend persisting to the given path. The file
// is read lazily on first use, not at construction.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) ensureLoaded() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.state = fileState{Accessories: make(map[int]storedAccessory)}
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("backend: read state file: %w", err)
	}
	var s fileState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("backend: decode state file: %w", err)
	}
	if s.Accessories == nil {
		s.Accessories = make(map[int]storedAccessory)
	}
	f.state = s
	f.loaded = true
	return nil
}

func (f *File) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("backend: create state directory: %w", err)
	}
	data, err := json.Marshal(f.state)
	if err != nil {
		return fmt.Errorf("backend: encode state file: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("backend: write state file: %w", err)
	}
	return nil
}

func (f *File) LoadAll(ctx context.Context, _ catalog.TypeCatalog) ([]Accessory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Accessory, 0, len(f.state.Accessories))
	for _, a := range f.state.Accessories {
		out = append(out, Accessory{AID: a.AID, Raw: a.Raw})
	}
	return out, nil
}

func (f *File) StorePairing(ctx context.Context, record PairingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	f.state.Pairings = append(f.state.Pairings, storedPairing{
		PairingID: record.PairingID,
		PublicKey: append([]byte(nil), record.PublicKey...),
		Admin:     record.Admin,
	})
	return f.save()
}

func (f *File) HasAdminPairing(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return false, err
	}
	for _, p := range f.state.Pairings {
		if p.Admin {
			return true, nil
		}
	}
	return false, nil
}

func (f *File) StoreAccessory(ctx context.Context, accessory Accessory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	f.state.Accessories[accessory.AID] = storedAccessory{AID: accessory.AID, Raw: accessory.Raw}
	return f.save()
}
