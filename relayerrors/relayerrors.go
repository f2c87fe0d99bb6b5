// Package relayerrors is the typed error taxonomy of the OutgoingMessage and
// IncomingMessage pipelines. Every error carries enough context (address,
// timestamp, message buffer, cause) for a caller to retry or surface it
// without re-deriving state that the pipeline already had in hand.
package relayerrors

import (
	"fmt"

	"github.com/forsta-im/librelay-go/address"
)

// ProtocolError wraps a non-2xx response from the signal service with its
// HTTP-like numeric code. Codes 404/409/410 carry structural meaning to the
// pipelines; every other code is opaque and simply propagates.
type ProtocolError struct {
	Code     int
	Response any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relayerrors: protocol error %d", e.Code)
}

// MismatchedDevicesResponse is the 409 response body: the server's device
// list for the address disagrees with the one we sent to.
type MismatchedDevicesResponse struct {
	ExtraDevices   []int `json:"extraDevices"`
	MissingDevices []int `json:"missingDevices"`
}

// StaleDevicesResponse is the 410 response body: these devices are known to
// both sides but their sessions have expired server-side.
type StaleDevicesResponse struct {
	StaleDevices []int `json:"staleDevices"`
}

// UnregisteredUserError is raised when the service reports 404 for an
// address's primary device, or from sendMessages: the address has no
// account, or no devices, at all.
type UnregisteredUserError struct {
	Addr address.Address
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("relayerrors: %s is not registered", e.Addr)
}

// SendMessageError records a transmit failure that survived reconciliation
// retries.
type SendMessageError struct {
	Addr      address.Address
	JSONData  any
	Timestamp uint64
	Cause     error
}

func (e *SendMessageError) Error() string {
	return fmt.Sprintf("relayerrors: failed to send message to %s at %d: %v", e.Addr, e.Timestamp, e.Cause)
}

func (e *SendMessageError) Unwrap() error { return e.Cause }

// OutgoingMessageError is the generic outgoing-pipeline fault: anything that
// fails before or during encryption and has no more specific classification.
type OutgoingMessageError struct {
	Addr          address.Address
	MessageBuffer []byte
	Timestamp     uint64
	Cause         error
}

func (e *OutgoingMessageError) Error() string {
	return fmt.Sprintf("relayerrors: outgoing message to %s at %d failed: %v", e.Addr, e.Timestamp, e.Cause)
}

func (e *OutgoingMessageError) Unwrap() error { return e.Cause }

// OutgoingIdentityKeyError is raised when the recipient's identity key
// changed and either the sender has already retried once, or the listener
// declined to accept the new key.
type OutgoingIdentityKeyError struct {
	Addr          address.Address
	MessageBuffer []byte
	Timestamp     uint64
	IdentityKey   []byte
}

func (e *OutgoingIdentityKeyError) Error() string {
	return fmt.Sprintf("relayerrors: identity key for %s changed, not accepted", e.Addr)
}

// RetryLimitError is raised when a drift-reconciliation loop (409/410)
// would need a third transmit attempt; the pipeline caps retries at one
// reconciliation round.
type RetryLimitError struct {
	Addr address.Address
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("relayerrors: retry limit reached sending to %s", e.Addr)
}

// ReferenceError marks a self-referential sync-message validation failure,
// such as a sync message claiming to come from our own device id.
type ReferenceError struct {
	Msg string
}

func (e *ReferenceError) Error() string { return "relayerrors: " + e.Msg }

// DeprecatedError marks a branch of the protocol that the service no longer
// exercises (blocked/contacts/groups/request sync messages).
type DeprecatedError struct {
	Msg string
}

func (e *DeprecatedError) Error() string { return "relayerrors: deprecated: " + e.Msg }
