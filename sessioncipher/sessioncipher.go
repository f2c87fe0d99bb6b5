// Package sessioncipher wires the doubleratchet and x3dh/{alice,bob}
// packages to a store.Store, exposing SessionBuilder.ProcessPreKeyBundle
// and SessionCipher's Encrypt/DecryptWhisperMessage/
// DecryptPreKeyWhisperMessage, plus the typed MessageCounterError/
// UntrustedIdentityKeyError/SessionError/PreKeyError the incoming
// pipeline's recovery table switches on.
package sessioncipher

import (
	"encoding/json"
	"fmt"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/envelope"
	"github.com/forsta-im/librelay-go/sessioncipher/doubleratchet"
	"github.com/forsta-im/librelay-go/sessioncipher/fingerprint"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/key25519"
	"github.com/forsta-im/librelay-go/sessioncipher/x3dh/alice"
	"github.com/forsta-im/librelay-go/sessioncipher/x3dh/bob"
	"github.com/forsta-im/librelay-go/store"
)

// IdentityKeyPair is the long-term ed25519 identity key pair for this
// device, kept by the caller (provisioning) and handed to every
// SessionBuilder/SessionCipher that needs to sign or verify with it.
type IdentityKeyPair struct {
	Priv [32]byte
	Pub  [32]byte
}

// PreKeyBundle is the wire-agnostic device key entry: what a
// prekey fetch returns for one remote device, in plain byte slices so
// packages outside the sessioncipher tree (outgoing, signalservice) can
// build one without reaching into the internal key25519 type.
type PreKeyBundle struct {
	DeviceID        int
	IdentityKey     []byte
	PreKey          []byte // optional one-time prekey; nil if none offered
	SignedPreKey    []byte
	SignedPreKeySig []byte
	RegistrationID  uint32
}

// OwnPreKeyBundle is the local device's own key material, used to respond
// to an incoming PREKEY_BUNDLE envelope (the Bob side of X3DH).
type OwnPreKeyBundle struct {
	Identity      IdentityKeyPair
	SignedPreKey  [32]byte
	OneTimePreKey *[32]byte
}

// sessionRecord is the opaque, store-owned session blob: a well-formed
// ratchet state plus the bookkeeping needed for
// identity-trust and duplicate-counter detection. It is never
// partially-constructed on disk: callers build the whole thing in memory
// and persist it in one PutSession call.
type sessionRecord struct {
	Ratchet              *doubleratchet.State
	RemoteIdentityKey    key25519.PublicKey
	RemoteRegistrationID uint32
	SeenCounters         map[string]bool
	// PendingHandshake is non-nil only between ProcessPreKeyBundle and the
	// next successful Encrypt: the first message to a freshly-built session
	// must carry the X3DH handshake material so the recipient can build
	// its own side (envelope Type PREKEY_BUNDLE); every message after that
	// is a plain CIPHERTEXT.
	PendingHandshake *X3DHHandshake
}

// skippedEntry flattens one doubleratchet.MkSkippedKey->MsgKey pair.
// doubleratchet.State.MkSkipped is keyed by a struct, which encoding/json
// cannot use as a map key directly; the wire DTO below carries it as a
// slice instead so the session-cipher layer can persist State without
// reaching into the (near-verbatim) doubleratchet package to add
// marshaling support it has no other reason to need.
type skippedEntry struct {
	RatchetPub key25519.PublicKey     `json:"ratchetPub"`
	N          doubleratchet.MsgIndex `json:"n"`
	Key        doubleratchet.MsgKey   `json:"key"`
}

type stateDTO struct {
	Dhs       key25519.Pair             `json:"dhs"`
	Dhr       *key25519.PublicKey       `json:"dhr,omitempty"`
	Rk        doubleratchet.RatchetKey  `json:"rk"`
	Cks       *doubleratchet.RatchetKey `json:"cks,omitempty"`
	Ckr       *doubleratchet.RatchetKey `json:"ckr,omitempty"`
	Ns        doubleratchet.MsgIndex    `json:"ns"`
	Nr        doubleratchet.MsgIndex    `json:"nr"`
	Pn        doubleratchet.MsgIndex    `json:"pn"`
	MkSkipped []skippedEntry            `json:"mkSkipped,omitempty"`
}

type sessionRecordDTO struct {
	Ratchet              stateDTO           `json:"ratchet"`
	RemoteIdentityKey    key25519.PublicKey `json:"remoteIdentityKey"`
	RemoteRegistrationID uint32             `json:"remoteRegistrationId"`
	SeenCounters         map[string]bool    `json:"seenCounters"`
	PendingHandshake     *X3DHHandshake     `json:"pendingHandshake,omitempty"`
}

func toDTO(rec *sessionRecord) sessionRecordDTO {
	st := rec.Ratchet
	dto := stateDTO{
		Dhs: st.Dhs,
		Dhr: st.Dhr,
		Rk:  st.Rk,
		Cks: st.Cks,
		Ckr: st.Ckr,
		Ns:  st.Ns,
		Nr:  st.Nr,
		Pn:  st.Pn,
	}
	for k, v := range st.MkSkipped {
		dto.MkSkipped = append(dto.MkSkipped, skippedEntry{RatchetPub: k.RatchetPub, N: k.N, Key: *v})
	}
	return sessionRecordDTO{
		Ratchet:              dto,
		RemoteIdentityKey:    rec.RemoteIdentityKey,
		RemoteRegistrationID: rec.RemoteRegistrationID,
		SeenCounters:         rec.SeenCounters,
		PendingHandshake:     rec.PendingHandshake,
	}
}

func fromDTO(dto sessionRecordDTO) *sessionRecord {
	skipped := make(map[doubleratchet.MkSkippedKey]*doubleratchet.MsgKey, len(dto.Ratchet.MkSkipped))
	for _, e := range dto.Ratchet.MkSkipped {
		key := e.Key
		skipped[doubleratchet.MkSkippedKey{RatchetPub: e.RatchetPub, N: e.N}] = &key
	}
	return &sessionRecord{
		Ratchet: &doubleratchet.State{
			Dhs:       dto.Ratchet.Dhs,
			Dhr:       dto.Ratchet.Dhr,
			Rk:        dto.Ratchet.Rk,
			Cks:       dto.Ratchet.Cks,
			Ckr:       dto.Ratchet.Ckr,
			Ns:        dto.Ratchet.Ns,
			Nr:        dto.Ratchet.Nr,
			Pn:        dto.Ratchet.Pn,
			MkSkipped: skipped,
		},
		RemoteIdentityKey:    dto.RemoteIdentityKey,
		RemoteRegistrationID: dto.RemoteRegistrationID,
		SeenCounters:         dto.SeenCounters,
		PendingHandshake:     dto.PendingHandshake,
	}
}

func loadSession(s store.Store, addr address.Address) (*sessionRecord, bool, error) {
	data, ok, err := s.GetSession(addr.String())
	if err != nil {
		return nil, false, fmt.Errorf("sessioncipher: load session %s: %w", addr, err)
	}
	if !ok {
		return nil, false, nil
	}
	var dto sessionRecordDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, false, fmt.Errorf("sessioncipher: decode session %s: %w", addr, err)
	}
	rec := fromDTO(dto)
	if rec.SeenCounters == nil {
		rec.SeenCounters = make(map[string]bool)
	}
	return rec, true, nil
}

func saveSession(s store.Store, addr address.Address, rec *sessionRecord) error {
	data, err := json.Marshal(toDTO(rec))
	if err != nil {
		return fmt.Errorf("sessioncipher: encode session %s: %w", addr, err)
	}
	if err := s.PutSession(addr.String(), data); err != nil {
		return fmt.Errorf("sessioncipher: store session %s: %w", addr, err)
	}
	return nil
}

// HasOpenSession reports whether a well-formed session exists for addr,
// without constructing one.
func HasOpenSession(s store.Store, addr address.Address) (bool, error) {
	_, ok, err := loadSession(s, addr)
	return ok, err
}

// SessionRegistrationID returns the remote registration id recorded for
// addr's session, for the outgoing pipeline to stamp onto the per-device
// ciphertext it transmits.
func SessionRegistrationID(s store.Store, addr address.Address) (uint32, error) {
	rec, ok, err := loadSession(s, addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &SessionError{Addr: addr, Cause: fmt.Errorf("no session")}
	}
	return rec.RemoteRegistrationID, nil
}

// CloseOpenSession discards the ratchet state for addr but, unlike
// RemoveSession, is meant to be followed by a fresh ProcessPreKeyBundle.
// Callers use this for the 410 stale-device path where the record should
// be considered gone but a retry is imminent.
func CloseOpenSession(s store.Store, addr address.Address) error {
	return s.RemoveSession(addr.String())
}

// RemoveSession discards the session for addr outright, as for a 404 on a
// non-primary device or an END_SESSION data flag.
func RemoveSession(s store.Store, addr address.Address) error {
	return s.RemoveSession(addr.String())
}

// SessionBuilder establishes new ratchet sessions from a fetched prekey
// bundle (the Alice side of X3DH).
type SessionBuilder struct {
	Store    store.Store
	Identity IdentityKeyPair
}

// ProcessPreKeyBundle runs X3DH against bundle and persists the resulting
// session for addr. If a remote identity key is already on file and differs
// from bundle.IdentityKey, it returns *UntrustedIdentityKeyError without
// mutating any state; the caller decides
// whether to emit keychange and retry.
func (b *SessionBuilder) ProcessPreKeyBundle(addr address.Address, bundle PreKeyBundle) error {
	var remoteIdentity key25519.PublicKey
	if len(bundle.IdentityKey) != len(remoteIdentity) {
		return &SessionError{Addr: addr, Cause: fmt.Errorf("identity key must be %d bytes", len(remoteIdentity))}
	}
	copy(remoteIdentity[:], bundle.IdentityKey)

	if existing, ok, err := b.Store.GetIdentityKey(addr.ID); err != nil {
		return &SessionError{Addr: addr, Cause: err}
	} else if ok && string(existing) != string(remoteIdentity[:]) {
		return &UntrustedIdentityKeyError{Addr: addr, IdentityKey: bundle.IdentityKey}
	}

	var signedPreKey key25519.PublicKey
	if len(bundle.SignedPreKey) != len(signedPreKey) {
		return &SessionError{Addr: addr, Cause: fmt.Errorf("signed prekey must be %d bytes", len(signedPreKey))}
	}
	copy(signedPreKey[:], bundle.SignedPreKey)

	aliceBundle := alice.BobPrekeyBundle{
		IdentityKey: remoteIdentity,
		Prekey:      signedPreKey,
		PrekeySig:   bundle.SignedPreKeySig,
	}
	if len(bundle.PreKey) == len(signedPreKey) {
		var otp key25519.PublicKey
		copy(otp[:], bundle.PreKey)
		aliceBundle.OneTimePrekey = &otp
	}

	sharedSecret, ephPubKey, err := alice.PerformKeyAgreement(&aliceBundle, key25519.PrivateKey(b.Identity.Priv))
	if err != nil {
		return &PreKeyError{Addr: addr, Cause: err}
	}

	var ratchetKey doubleratchet.RatchetKey
	copy(ratchetKey[:], sharedSecret)

	ratchet, err := doubleratchet.InitAlice(ratchetKey, signedPreKey)
	if err != nil {
		return &SessionError{Addr: addr, Cause: err}
	}

	ownIdentityPub, err := key25519.PrivateKey(b.Identity.Priv).Public()
	if err != nil {
		return &SessionError{Addr: addr, Cause: err}
	}

	if err := b.Store.PutIdentityKey(addr.ID, remoteIdentity[:]); err != nil {
		return &SessionError{Addr: addr, Cause: err}
	}
	if err := saveSession(b.Store, addr, &sessionRecord{
		Ratchet:              ratchet.CurrentState,
		RemoteIdentityKey:    remoteIdentity,
		RemoteRegistrationID: bundle.RegistrationID,
		SeenCounters:         make(map[string]bool),
		PendingHandshake: &X3DHHandshake{
			EphemeralKey:   ephPubKey[:],
			RemoteIdentity: ownIdentityPub[:],
		},
	}); err != nil {
		return err
	}
	if err := b.Store.AddDeviceID(addr.ID, bundle.DeviceID); err != nil {
		return &SessionError{Addr: addr, Cause: err}
	}
	return nil
}

// EncryptedMessage is the plaintext-independent shape a SessionCipher
// produces: an envelope Type (CIPHERTEXT once a ratchet is flowing both
// ways, PREKEY_BUNDLE is only used on the Bob->Alice handshake response
// here since Alice always has a session before encrypting) plus the
// serialized body.
type EncryptedMessage struct {
	Type    envelope.Type
	Content []byte
}

type cipherBody struct {
	Header     doubleratchet.Header `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
	Handshake  *X3DHHandshake       `json:"handshake,omitempty"`
}

// SessionCipher encrypts/decrypts whisper messages for one (address,
// device) session.
type SessionCipher struct {
	Store store.Store
	Addr  address.Address
}

// Encrypt ratchets the session forward and encrypts plaintext. It requires
// an existing session (the OutgoingMessage pipeline always runs
// ProcessPreKeyBundle first when one is missing).
func (c *SessionCipher) Encrypt(plaintext []byte) (*EncryptedMessage, error) {
	rec, ok, err := loadSession(c.Store, c.Addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &SessionError{Addr: c.Addr, Cause: fmt.Errorf("no session")}
	}

	ratchet := &doubleratchet.DoubleRatchet{CurrentState: rec.Ratchet}
	ad := associatedData(rec.RemoteIdentityKey)
	header, ciphertext, err := ratchet.Encrypt(plaintext, ad, false)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	rec.Ratchet = ratchet.CurrentState

	handshake := rec.PendingHandshake
	rec.PendingHandshake = nil
	if err := saveSession(c.Store, c.Addr, rec); err != nil {
		return nil, err
	}

	body, err := json.Marshal(cipherBody{Header: *header, Ciphertext: ciphertext, Handshake: handshake})
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	msgType := envelope.TypeCiphertext
	if handshake != nil {
		msgType = envelope.TypePreKeyBundle
	}
	return &EncryptedMessage{Type: msgType, Content: body}, nil
}

// DecryptWhisperMessage decrypts a CIPHERTEXT-type body against an existing
// session. Returns *MessageCounterError if the header's N has already been
// consumed on this chain.
func (c *SessionCipher) DecryptWhisperMessage(body []byte) ([]byte, error) {
	var cb cipherBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	rec, ok, err := loadSession(c.Store, c.Addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &SessionError{Addr: c.Addr, Cause: fmt.Errorf("no session")}
	}
	return c.decryptBody(rec, cb)
}

// DecryptPreKeyWhisperMessage decrypts a PREKEY_BUNDLE-type body, building
// the Bob side of the session on first contact if one does not already
// exist. The handshake material (sender's ephemeral and identity keys)
// rides along inside body itself. own is this device's own key material,
// needed to run X3DH.
func (c *SessionCipher) DecryptPreKeyWhisperMessage(body []byte, own OwnPreKeyBundle) ([]byte, error) {
	var cb cipherBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}

	rec, ok, err := loadSession(c.Store, c.Addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		if cb.Handshake == nil {
			return nil, &PreKeyError{Addr: c.Addr, Cause: fmt.Errorf("missing handshake on first message")}
		}
		rec, err = c.buildBobSession(cb.Handshake, own)
		if err != nil {
			return nil, err
		}
	}
	return c.decryptBody(rec, cb)
}

// X3DHHandshake is the Alice-supplied key material riding along with the
// first message to a recipient that has not yet built a Bob-side session.
type X3DHHandshake struct {
	EphemeralKey   []byte
	RemoteIdentity []byte
}

func (c *SessionCipher) buildBobSession(h *X3DHHandshake, own OwnPreKeyBundle) (*sessionRecord, error) {
	var remoteIdentity, ephemeral key25519.PublicKey
	if len(h.RemoteIdentity) != len(remoteIdentity) || len(h.EphemeralKey) != len(ephemeral) {
		return nil, &SessionError{Addr: c.Addr, Cause: fmt.Errorf("malformed handshake keys")}
	}
	copy(remoteIdentity[:], h.RemoteIdentity)
	copy(ephemeral[:], h.EphemeralKey)

	if existing, ok, err := c.Store.GetIdentityKey(c.Addr.ID); err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	} else if ok && string(existing) != string(remoteIdentity[:]) {
		return nil, &UntrustedIdentityKeyError{Addr: c.Addr, IdentityKey: h.RemoteIdentity}
	}

	bobBundle := bob.BobPrekeyBundle{
		IdentityKey: key25519.PrivateKey(own.Identity.Priv),
		Prekey:      key25519.PrivateKey(own.SignedPreKey),
	}
	if own.OneTimePreKey != nil {
		otp := key25519.PrivateKey(*own.OneTimePreKey)
		bobBundle.OneTimePrekey = &otp
	}

	sharedSecret, err := bob.PerformKeyAgreement(&bobBundle, &bob.ReceivedAliceKeyBundle{
		IdentityKey:  remoteIdentity,
		EphemeralKey: ephemeral,
	})
	if err != nil {
		return nil, &PreKeyError{Addr: c.Addr, Cause: err}
	}

	var ratchetKey doubleratchet.RatchetKey
	copy(ratchetKey[:], sharedSecret)

	signedPrekeyPub, err := key25519.PrivateKey(own.SignedPreKey).Public()
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	ratchet := doubleratchet.InitBob(ratchetKey, key25519.Pair{
		Priv: key25519.PrivateKey(own.SignedPreKey),
		Pub:  *signedPrekeyPub,
	})

	if err := c.Store.PutIdentityKey(c.Addr.ID, remoteIdentity[:]); err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	rec := &sessionRecord{
		Ratchet:           ratchet.CurrentState,
		RemoteIdentityKey: remoteIdentity,
		SeenCounters:      make(map[string]bool),
	}
	if err := saveSession(c.Store, c.Addr, rec); err != nil {
		return nil, err
	}
	if err := c.Store.AddDeviceID(c.Addr.ID, c.Addr.Device); err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}
	return rec, nil
}

func (c *SessionCipher) decryptBody(rec *sessionRecord, cb cipherBody) ([]byte, error) {
	counterKey := fmt.Sprintf("%x.%d", cb.Header.RatchetPub, cb.Header.N)
	if rec.SeenCounters[counterKey] {
		return nil, &MessageCounterError{Addr: c.Addr, N: uint32(cb.Header.N)}
	}

	ratchet := &doubleratchet.DoubleRatchet{CurrentState: rec.Ratchet}
	ad := associatedData(rec.RemoteIdentityKey)
	plaintext, err := ratchet.Decrypt(cb.Header, cb.Ciphertext, ad)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Cause: err}
	}

	rec.Ratchet = ratchet.CurrentState
	rec.SeenCounters[counterKey] = true
	if err := saveSession(c.Store, c.Addr, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func associatedData(remoteIdentity key25519.PublicKey) []byte {
	ad := make([]byte, 0, len(remoteIdentity))
	return append(ad, remoteIdentity[:]...)
}

// Fingerprint computes the safety-number display for a remote identity key,
// surfaced to the keychange event payload so a listener can show it to the
// user for manual verification.
func Fingerprint(identityKey []byte, userIdentifier []byte) (*[30]int, error) {
	var pub key25519.PublicKey
	if len(identityKey) != len(pub) {
		return nil, fmt.Errorf("sessioncipher: identity key must be %d bytes", len(pub))
	}
	copy(pub[:], identityKey)
	return fingerprint.Fingerprint(pub, userIdentifier)
}
