// Package store is the session store facade: a uniform interface
// over the persistent backend for identity keys, prekeys, signed prekeys,
// per-device sessions, the blocked-sender set, and scalar process state
// (own address, own device id, signaling key). Pipelines hold no
// cryptographic state of their own beyond one in-flight operation; all of
// it flows through this interface.
//
// Two backends are provided, selected by config.StorageBacking: FSStore
// (files under a per-label directory tree) and RedisStore (namespaced by
// label). Both must provide per-key atomicity for session records, identity
// keys, and prekey sets; access is serialized per key.
package store

import (
	"github.com/google/uuid"
)

// Process-state keys, scalar and fixed per process instance once
// provisioning has run.
const (
	StateOwnAddr        = "ownAddr"
	StateOwnDeviceID    = "ownDeviceId"
	StateSignalingKey   = "signalingKey"
	StateRegistrationID = "registrationId"
)

// Store is the Session Store Facade consumed by the sessioncipher
// composition layer, the OutgoingMessage and IncomingMessage pipelines.
type Store interface {
	// Initialize opens/prepares the backend. Shutdown releases it. Both are
	// lifecycle hooks only; neither pipeline calls them more than once.
	Initialize() error
	Shutdown() error

	// GetState/PutState hold scalar process state (own address, own device
	// id, signaling key, local registration id).
	GetState(key string) ([]byte, bool, error)
	PutState(key string, value []byte) error

	// GetDeviceIds returns the sorted, possibly-empty list of device ids we
	// have session or key material for under addr.
	GetDeviceIds(addr uuid.UUID) ([]int, error)
	AddDeviceID(addr uuid.UUID, deviceID int) error
	RemoveDeviceID(addr uuid.UUID, deviceID int) error

	// IsBlocked reports whether addr is in the blocked-sender set. The set
	// is read-only from the IncomingMessage pipeline's perspective; only
	// provisioning-side tooling mutates it.
	IsBlocked(addr uuid.UUID) (bool, error)
	AddBlocked(addr uuid.UUID) error
	RemoveBlocked(addr uuid.UUID) error

	// Session records are opaque blobs keyed by the "<addr>.<deviceId>"
	// encoding (address.Address.String()). A session either does not
	// exist, or exists with a well-formed ratchet state; no
	// partially-constructed session is ever observable by a reader.
	GetSession(encodedAddr string) ([]byte, bool, error)
	PutSession(encodedAddr string, record []byte) error
	RemoveSession(encodedAddr string) error

	// Identity keys, one per remote user.
	GetIdentityKey(addr uuid.UUID) ([]byte, bool, error)
	PutIdentityKey(addr uuid.UUID, key []byte) error

	// Own prekeys and signed prekeys, keyed by numeric id.
	GetPreKey(id uint32) ([]byte, bool, error)
	PutPreKey(id uint32, record []byte) error
	RemovePreKey(id uint32) error

	GetSignedPreKey(id uint32) ([]byte, bool, error)
	PutSignedPreKey(id uint32, record []byte) error
}
