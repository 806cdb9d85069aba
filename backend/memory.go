package backend

import (
	"context"
	"sync"

	"github.com/cvsouth/hap-go/catalog"
)

// Memory is an in-memory Backend: a plain map guarded by a mutex for
// store/load atomicity of the shared pairing record store.
type Memory struct {
	mu         sync.Mutex
	accessories map[int]Accessory
	pairings    []PairingRecord
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{accessories: make(map[int]Accessory)}
}

func (m *Memory) LoadAll(ctx context.Context, _ catalog.TypeCatalog) ([]Accessory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Accessory, 0, len(m.accessories))
	for _, a := range m.accessories {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) StorePairing(ctx context.Context, record PairingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings = append(m.pairings, record)
	return nil
}

func (m *Memory) HasAdminPairing(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pairings {
		if p.Admin {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) StoreAccessory(ctx context.Context, accessory Accessory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessories[accessory.AID] = accessory
	return nil
}

// Pairings returns a snapshot of the stored pairing records, for tests.
func (m *Memory) Pairings() []PairingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PairingRecord, len(m.pairings))
	copy(out, m.pairings)
	return out
}
