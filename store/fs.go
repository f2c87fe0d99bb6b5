package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultRoot is the filesystem backend's default storage root.
const DefaultRoot = "~/.librelay/storage"

// FSStore is a filesystem-backed Store: one file per key under a
// label-namespaced directory tree. No filesystem-KV library appears
// anywhere in the retrieval pack (see DESIGN.md); this follows the same
// raw os.* idiom the pack's own disk-backed repos use.
type FSStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFSStore builds an FSStore rooted at root/label. An empty label stores
// directly under root.
func NewFSStore(root, label string) *FSStore {
	if root == "" {
		root = DefaultRoot
	}
	if strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, root[2:])
		}
	}
	if label != "" {
		root = filepath.Join(root, label)
	}
	return &FSStore{root: root, locks: make(map[string]*sync.Mutex)}
}

func (s *FSStore) Initialize() error {
	return os.MkdirAll(s.root, 0o700)
}

func (s *FSStore) Shutdown() error { return nil }

func (s *FSStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FSStore) path(parts ...string) string {
	sanitized := make([]string, len(parts))
	for i, p := range parts {
		sanitized[i] = strings.ReplaceAll(p, string(filepath.Separator), "_")
	}
	return filepath.Join(append([]string{s.root}, sanitized...)...)
}

func (s *FSStore) read(key string) ([]byte, bool, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read %s: %w", key, err)
	}
	return data, true, nil
}

func (s *FSStore) write(key string, value []byte) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	full := s.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", key, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("store: commit %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) remove(key string) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) GetState(key string) ([]byte, bool, error) {
	return s.read(filepath.Join("state", key))
}

func (s *FSStore) PutState(key string, value []byte) error {
	return s.write(filepath.Join("state", key), value)
}

func (s *FSStore) deviceListPath(addr uuid.UUID) string {
	return filepath.Join("devices", addr.String())
}

func (s *FSStore) GetDeviceIds(addr uuid.UUID) ([]int, error) {
	data, ok, err := s.read(s.deviceListPath(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []int{}, nil
	}
	var ids []int
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("store: decode device list for %s: %w", addr, err)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *FSStore) AddDeviceID(addr uuid.UUID, deviceID int) error {
	ids, err := s.GetDeviceIds(addr)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == deviceID {
			return nil
		}
	}
	ids = append(ids, deviceID)
	sort.Ints(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("store: encode device list for %s: %w", addr, err)
	}
	return s.write(s.deviceListPath(addr), data)
}

func (s *FSStore) RemoveDeviceID(addr uuid.UUID, deviceID int) error {
	ids, err := s.GetDeviceIds(addr)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, id := range ids {
		if id != deviceID {
			out = append(out, id)
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("store: encode device list for %s: %w", addr, err)
	}
	return s.write(s.deviceListPath(addr), data)
}

func (s *FSStore) IsBlocked(addr uuid.UUID) (bool, error) {
	_, ok, err := s.read(filepath.Join("blocked", addr.String()))
	return ok, err
}

func (s *FSStore) AddBlocked(addr uuid.UUID) error {
	return s.write(filepath.Join("blocked", addr.String()), []byte("1"))
}

func (s *FSStore) RemoveBlocked(addr uuid.UUID) error {
	return s.remove(filepath.Join("blocked", addr.String()))
}

func (s *FSStore) GetSession(encodedAddr string) ([]byte, bool, error) {
	return s.read(filepath.Join("sessions", encodedAddr))
}

func (s *FSStore) PutSession(encodedAddr string, record []byte) error {
	return s.write(filepath.Join("sessions", encodedAddr), record)
}

func (s *FSStore) RemoveSession(encodedAddr string) error {
	return s.remove(filepath.Join("sessions", encodedAddr))
}

func (s *FSStore) GetIdentityKey(addr uuid.UUID) ([]byte, bool, error) {
	return s.read(filepath.Join("identities", addr.String()))
}

func (s *FSStore) PutIdentityKey(addr uuid.UUID, key []byte) error {
	return s.write(filepath.Join("identities", addr.String()), key)
}

func (s *FSStore) GetPreKey(id uint32) ([]byte, bool, error) {
	return s.read(filepath.Join("prekeys", strconv.FormatUint(uint64(id), 10)))
}

func (s *FSStore) PutPreKey(id uint32, record []byte) error {
	return s.write(filepath.Join("prekeys", strconv.FormatUint(uint64(id), 10)), record)
}

func (s *FSStore) RemovePreKey(id uint32) error {
	return s.remove(filepath.Join("prekeys", strconv.FormatUint(uint64(id), 10)))
}

func (s *FSStore) GetSignedPreKey(id uint32) ([]byte, bool, error) {
	return s.read(filepath.Join("signed_prekeys", strconv.FormatUint(uint64(id), 10)))
}

func (s *FSStore) PutSignedPreKey(id uint32, record []byte) error {
	return s.write(filepath.Join("signed_prekeys", strconv.FormatUint(uint64(id), 10)), record)
}

var _ Store = (*FSStore)(nil)
