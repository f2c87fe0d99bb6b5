// Package envelope decodes the outer envelope structure delivered by the
// streaming transport, decrypts the signaling-key-protected websocket
// frame, and exposes the enumerations (envelope Type, DataMessage Flags)
// and the Content/DataMessage/SyncMessage wire structs the incoming
// pipeline routes on. The wire format is JSON over the websocket.
package envelope

import "encoding/json"

// Type enumerates the outer envelope's payload shape.
type Type int

const (
	TypeUnknown      Type = 0
	TypeCiphertext   Type = 1
	TypePreKeyBundle Type = 3
	TypeReceipt      Type = 5
)

// Flags enumerates DataMessage.Flags.
type Flags int

const (
	FlagEndSession Flags = 1
)

// Envelope is the outer container delivered over the stream or pulled via
// drain mode. Either Content or LegacyMessage is present for non-receipt
// envelopes; Timestamp is the sender's clock, subject to skew, used only
// for cross-referencing.
type Envelope struct {
	Type          Type   `json:"type"`
	Source        string `json:"source"`
	SourceDevice  int    `json:"sourceDevice"`
	Timestamp     uint64 `json:"timestamp"`
	Content       []byte `json:"content,omitempty"`
	LegacyMessage []byte `json:"legacyMessage,omitempty"`
}

// Decode parses a raw envelope frame (already signaling-key-decrypted).
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Content is the decoded body of a CIPHERTEXT/PREKEY_BUNDLE envelope: it may
// carry a DataMessage, a SyncMessage, or both.
type Content struct {
	DataMessage *DataMessage `json:"dataMessage,omitempty"`
	SyncMessage *SyncMessage `json:"syncMessage,omitempty"`
}

// DataMessage is a plaintext message body with its sender-side timestamp
// and protocol flags.
type DataMessage struct {
	Body      string `json:"body,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Flags     Flags  `json:"flags,omitempty"`
}

// SyncMessage carries self-to-self device synchronization data. Blocked,
// Contacts, Groups, and Request are deprecated; they are kept as raw
// fields purely to distinguish "present" from "absent" on the wire.
type SyncMessage struct {
	Sent     *SyncSent        `json:"sent,omitempty"`
	Read     []SyncRead       `json:"read,omitempty"`
	Blocked  *json.RawMessage `json:"blocked,omitempty"`
	Contacts *json.RawMessage `json:"contacts,omitempty"`
	Groups   *json.RawMessage `json:"groups,omitempty"`
	Request  *json.RawMessage `json:"request,omitempty"`
}

// SyncSent mirrors a DataMessage this device sent, so other devices of the
// same user learn about it.
type SyncSent struct {
	Destination string `json:"destination"`
	Timestamp   uint64 `json:"timestamp"`
}

// SyncRead is one read-receipt entry.
type SyncRead struct {
	Sender    string `json:"sender"`
	Timestamp uint64 `json:"timestamp"`
}

// DecodeContent parses a decrypted CIPHERTEXT/PREKEY_BUNDLE plaintext body.
func DecodeContent(data []byte) (*Content, error) {
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeLegacyDataMessage parses a decrypted legacy-path plaintext body,
// which is a bare DataMessage rather than a Content wrapper.
func DecodeLegacyDataMessage(data []byte) (*DataMessage, error) {
	var d DataMessage
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
