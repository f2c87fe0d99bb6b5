package relaytest

import (
	"sort"
	"sync"

	"github.com/forsta-im/librelay-go/store"
	"github.com/google/uuid"
)

// MemStore is an in-memory store.Store, used by this package's own
// handlers' callers and by the outgoing/incoming pipeline tests in place of
// FSStore/RedisStore; it needs no filesystem or redis fixture.
type MemStore struct {
	mu sync.Mutex

	state     map[string][]byte
	devices   map[uuid.UUID]map[int]bool
	blocked   map[uuid.UUID]bool
	sessions  map[string][]byte
	identity  map[uuid.UUID][]byte
	preKeys   map[uint32][]byte
	signedPre map[uint32][]byte
}

// NewMemStore builds a ready, already-initialized MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		state:     make(map[string][]byte),
		devices:   make(map[uuid.UUID]map[int]bool),
		blocked:   make(map[uuid.UUID]bool),
		sessions:  make(map[string][]byte),
		identity:  make(map[uuid.UUID][]byte),
		preKeys:   make(map[uint32][]byte),
		signedPre: make(map[uint32][]byte),
	}
}

func (m *MemStore) Initialize() error { return nil }
func (m *MemStore) Shutdown() error   { return nil }

func (m *MemStore) GetState(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *MemStore) PutState(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *MemStore) GetDeviceIds(addr uuid.UUID) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.devices[addr]))
	for id := range m.devices[addr] {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemStore) AddDeviceID(addr uuid.UUID, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[addr] == nil {
		m.devices[addr] = make(map[int]bool)
	}
	m.devices[addr][deviceID] = true
	return nil
}

func (m *MemStore) RemoveDeviceID(addr uuid.UUID, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices[addr], deviceID)
	return nil
}

func (m *MemStore) IsBlocked(addr uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[addr], nil
}

func (m *MemStore) AddBlocked(addr uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[addr] = true
	return nil
}

func (m *MemStore) RemoveBlocked(addr uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, addr)
	return nil
}

func (m *MemStore) GetSession(encodedAddr string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sessions[encodedAddr]
	return v, ok, nil
}

func (m *MemStore) PutSession(encodedAddr string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[encodedAddr] = record
	return nil
}

func (m *MemStore) RemoveSession(encodedAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, encodedAddr)
	return nil
}

func (m *MemStore) GetIdentityKey(addr uuid.UUID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.identity[addr]
	return v, ok, nil
}

func (m *MemStore) PutIdentityKey(addr uuid.UUID, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity[addr] = key
	return nil
}

func (m *MemStore) GetPreKey(id uint32) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.preKeys[id]
	return v, ok, nil
}

func (m *MemStore) PutPreKey(id uint32, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preKeys[id] = record
	return nil
}

func (m *MemStore) RemovePreKey(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.preKeys, id)
	return nil
}

func (m *MemStore) GetSignedPreKey(id uint32) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.signedPre[id]
	return v, ok, nil
}

func (m *MemStore) PutSignedPreKey(id uint32, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedPre[id] = record
	return nil
}

var _ store.Store = (*MemStore)(nil)
