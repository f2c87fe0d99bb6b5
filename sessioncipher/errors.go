package sessioncipher

import (
	"fmt"

	"github.com/forsta-im/librelay-go/address"
)

// MessageCounterError is raised when a whisper message's chain counter has
// already been consumed, a duplicate delivery. The incoming pipeline treats
// this as idempotent and drops the envelope silently.
type MessageCounterError struct {
	Addr address.Address
	N    uint32
}

func (e *MessageCounterError) Error() string {
	return fmt.Sprintf("sessioncipher: duplicate counter %d from %s", e.N, e.Addr)
}

// UntrustedIdentityKeyError is raised when a remote identity key differs
// from the one already on file for that address. The incoming pipeline
// surfaces this as a keychange event and, if accepted, retries once;
// OutgoingMessage pipeline does the same on the sending side.
type UntrustedIdentityKeyError struct {
	Addr        address.Address
	IdentityKey []byte
}

func (e *UntrustedIdentityKeyError) Error() string {
	return fmt.Sprintf("sessioncipher: identity key changed for %s", e.Addr)
}

// SessionError wraps any other session-cipher fault: a malformed header, a
// ratchet step that failed, or a missing session where one was required.
type SessionError struct {
	Addr  address.Address
	Cause error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("sessioncipher: session error for %s: %v", e.Addr, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// PreKeyError is raised when a prekey bundle could not be verified or
// processed, including the exhaustion of one-time prekeys on our own side,
// which should trigger replenishment and registration with the service.
type PreKeyError struct {
	Addr  address.Address
	Cause error
}

func (e *PreKeyError) Error() string {
	return fmt.Sprintf("sessioncipher: prekey error for %s: %v", e.Addr, e.Cause)
}

func (e *PreKeyError) Unwrap() error { return e.Cause }
