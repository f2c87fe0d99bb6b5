package sessioncipher

import (
	"testing"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/envelope"
	"github.com/forsta-im/librelay-go/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// memStore is a minimal in-memory store.Store for exercising SessionBuilder
// and SessionCipher without a filesystem or redis fixture. It defined here
// rather than imported from relaytest because relaytest itself depends on
// this package (via signalservice), which would be an import cycle.
type memStore struct {
	sessions map[string][]byte
	identity map[uuid.UUID][]byte
	devices  map[uuid.UUID]map[int]bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string][]byte),
		identity: make(map[uuid.UUID][]byte),
		devices:  make(map[uuid.UUID]map[int]bool),
	}
}

func (m *memStore) Initialize() error { return nil }
func (m *memStore) Shutdown() error   { return nil }
func (m *memStore) GetState(key string) ([]byte, bool, error)    { return nil, false, nil }
func (m *memStore) PutState(key string, value []byte) error      { return nil }
func (m *memStore) GetDeviceIds(addr uuid.UUID) ([]int, error) {
	out := make([]int, 0, len(m.devices[addr]))
	for id := range m.devices[addr] {
		out = append(out, id)
	}
	return out, nil
}
func (m *memStore) AddDeviceID(addr uuid.UUID, deviceID int) error {
	if m.devices[addr] == nil {
		m.devices[addr] = make(map[int]bool)
	}
	m.devices[addr][deviceID] = true
	return nil
}
func (m *memStore) RemoveDeviceID(addr uuid.UUID, deviceID int) error {
	delete(m.devices[addr], deviceID)
	return nil
}
func (m *memStore) IsBlocked(addr uuid.UUID) (bool, error) { return false, nil }
func (m *memStore) AddBlocked(addr uuid.UUID) error        { return nil }
func (m *memStore) RemoveBlocked(addr uuid.UUID) error     { return nil }
func (m *memStore) GetSession(encodedAddr string) ([]byte, bool, error) {
	v, ok := m.sessions[encodedAddr]
	return v, ok, nil
}
func (m *memStore) PutSession(encodedAddr string, record []byte) error {
	m.sessions[encodedAddr] = record
	return nil
}
func (m *memStore) RemoveSession(encodedAddr string) error {
	delete(m.sessions, encodedAddr)
	return nil
}
func (m *memStore) GetIdentityKey(addr uuid.UUID) ([]byte, bool, error) {
	v, ok := m.identity[addr]
	return v, ok, nil
}
func (m *memStore) PutIdentityKey(addr uuid.UUID, key []byte) error {
	m.identity[addr] = key
	return nil
}
func (m *memStore) GetPreKey(id uint32) ([]byte, bool, error)       { return nil, false, nil }
func (m *memStore) PutPreKey(id uint32, record []byte) error        { return nil }
func (m *memStore) RemovePreKey(id uint32) error                    { return nil }
func (m *memStore) GetSignedPreKey(id uint32) ([]byte, bool, error) { return nil, false, nil }
func (m *memStore) PutSignedPreKey(id uint32, record []byte) error  { return nil }

var _ store.Store = (*memStore)(nil)

// setupSession builds Alice's view of a session against a freshly generated
// Bob identity, mirroring what the OutgoingMessage pipeline does after a
// successful prekey fetch (outgoing.Pipeline.buildSessions). It returns the
// stores and addresses both sides need to keep exchanging messages.
func setupSession(t *testing.T) (aliceStore *memStore, bobStore *memStore, aliceAddr, bobAddr address.Address, bobOwn OwnPreKeyBundle) {
	t.Helper()

	aliceStore = newMemStore()
	bobStore = newMemStore()

	aliceIdentity, err := GenerateIdentityKeyPair()
	assert.NoError(t, err)
	bobIdentity, err := GenerateIdentityKeyPair()
	assert.NoError(t, err)

	bobSignedPreKey, err := GenerateSignedPreKey(bobIdentity, 1)
	assert.NoError(t, err)

	aliceAddr, err = address.New("3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e", address.Primary)
	assert.NoError(t, err)
	bobAddr, err = address.New("4f4e4e4e-4e4e-4e4e-4e4e-4e4e4e4e4e4e", address.Primary)
	assert.NoError(t, err)

	builder := &SessionBuilder{Store: aliceStore, Identity: aliceIdentity}
	err = builder.ProcessPreKeyBundle(bobAddr, PreKeyBundle{
		DeviceID:        bobAddr.Device,
		IdentityKey:     bobIdentity.Pub[:],
		SignedPreKey:    bobSignedPreKey.Pub[:],
		SignedPreKeySig: bobSignedPreKey.Signature,
		RegistrationID:  42,
	})
	assert.NoError(t, err)

	bobOwn = OwnPreKeyBundle{
		Identity:     bobIdentity,
		SignedPreKey: bobSignedPreKey.Priv,
	}
	return
}

func TestSessionBuilderEstablishesSession(t *testing.T) {
	aliceStore, _, _, bobAddr, _ := setupSession(t)

	open, err := HasOpenSession(aliceStore, bobAddr)
	assert.NoError(t, err)
	assert.True(t, open)
}

func TestFirstMessageCarriesHandshakeAsPreKeyBundle(t *testing.T) {
	aliceStore, bobStore, aliceAddr, bobAddr, bobOwn := setupSession(t)

	cipher := &SessionCipher{Store: aliceStore, Addr: bobAddr}
	enc, err := cipher.Encrypt([]byte("hello bob"))
	assert.NoError(t, err)
	assert.Equal(t, envelope.TypePreKeyBundle, enc.Type)

	bobCipher := &SessionCipher{Store: bobStore, Addr: aliceAddr}
	plaintext, err := bobCipher.DecryptPreKeyWhisperMessage(enc.Content, bobOwn)
	assert.NoError(t, err)
	assert.Equal(t, "hello bob", string(plaintext))
}

func TestSecondMessageIsPlainCiphertext(t *testing.T) {
	aliceStore, bobStore, aliceAddr, bobAddr, bobOwn := setupSession(t)

	cipher := &SessionCipher{Store: aliceStore, Addr: bobAddr}
	first, err := cipher.Encrypt([]byte("first"))
	assert.NoError(t, err)

	bobCipher := &SessionCipher{Store: bobStore, Addr: aliceAddr}
	_, err = bobCipher.DecryptPreKeyWhisperMessage(first.Content, bobOwn)
	assert.NoError(t, err)

	second, err := cipher.Encrypt([]byte("second"))
	assert.NoError(t, err)
	assert.Equal(t, envelope.TypeCiphertext, second.Type)

	plaintext, err := bobCipher.DecryptWhisperMessage(second.Content)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(plaintext))
}

func TestBidirectionalExchangeAcrossManyMessages(t *testing.T) {
	aliceStore, bobStore, aliceAddr, bobAddr, bobOwn := setupSession(t)

	aliceCipher := &SessionCipher{Store: aliceStore, Addr: bobAddr}
	bobCipher := &SessionCipher{Store: bobStore, Addr: aliceAddr}

	first, err := aliceCipher.Encrypt([]byte("ping 0"))
	assert.NoError(t, err)
	_, err = bobCipher.DecryptPreKeyWhisperMessage(first.Content, bobOwn)
	assert.NoError(t, err)

	for i := 1; i < 10; i++ {
		if i%2 == 0 {
			enc, err := aliceCipher.Encrypt([]byte("from alice"))
			assert.NoError(t, err)
			pt, err := bobCipher.DecryptWhisperMessage(enc.Content)
			assert.NoError(t, err)
			assert.Equal(t, "from alice", string(pt))
		} else {
			enc, err := bobCipher.Encrypt([]byte("from bob"))
			assert.NoError(t, err)
			pt, err := aliceCipher.DecryptWhisperMessage(enc.Content)
			assert.NoError(t, err)
			assert.Equal(t, "from bob", string(pt))
		}
	}
}

func TestDuplicateCounterIsRejected(t *testing.T) {
	aliceStore, bobStore, aliceAddr, bobAddr, bobOwn := setupSession(t)

	aliceCipher := &SessionCipher{Store: aliceStore, Addr: bobAddr}
	bobCipher := &SessionCipher{Store: bobStore, Addr: aliceAddr}

	enc, err := aliceCipher.Encrypt([]byte("replay me"))
	assert.NoError(t, err)

	_, err = bobCipher.DecryptPreKeyWhisperMessage(enc.Content, bobOwn)
	assert.NoError(t, err)

	_, err = bobCipher.DecryptPreKeyWhisperMessage(enc.Content, bobOwn)
	assert.Error(t, err)
	var counterErr *MessageCounterError
	assert.ErrorAs(t, err, &counterErr)
}

func TestProcessPreKeyBundleDetectsIdentityKeyChange(t *testing.T) {
	aliceStore, _, _, bobAddr, _ := setupSession(t)

	aliceIdentity, err := GenerateIdentityKeyPair()
	assert.NoError(t, err)
	newBobIdentity, err := GenerateIdentityKeyPair()
	assert.NoError(t, err)
	newSignedPreKey, err := GenerateSignedPreKey(newBobIdentity, 2)
	assert.NoError(t, err)

	builder := &SessionBuilder{Store: aliceStore, Identity: aliceIdentity}
	err = builder.ProcessPreKeyBundle(bobAddr, PreKeyBundle{
		DeviceID:        bobAddr.Device,
		IdentityKey:     newBobIdentity.Pub[:],
		SignedPreKey:    newSignedPreKey.Pub[:],
		SignedPreKeySig: newSignedPreKey.Signature,
		RegistrationID:  99,
	})

	var untrusted *UntrustedIdentityKeyError
	assert.ErrorAs(t, err, &untrusted)
	assert.Equal(t, newBobIdentity.Pub[:], untrusted.IdentityKey)
}

func TestFingerprintIsDeterministicForSameKeys(t *testing.T) {
	identity, err := GenerateIdentityKeyPair()
	assert.NoError(t, err)

	f1, err := Fingerprint(identity.Pub[:], []byte("user-a"))
	assert.NoError(t, err)
	f2, err := Fingerprint(identity.Pub[:], []byte("user-a"))
	assert.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestFingerprintRejectsWrongKeyLength(t *testing.T) {
	_, err := Fingerprint([]byte("too-short"), []byte("user-a"))
	assert.Error(t, err)
}
