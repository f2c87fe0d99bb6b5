// Package internal holds the low-level primitives composed by sessioncipher:
// the Curve25519/Ed25519 key type, X25519 Diffie-Hellman, HKDF, AES-256-CBC,
// and HMAC-SHA256 building blocks used by the double ratchet and X3DH.
package internal

import "crypto/sha256"

var (
	// DefaultHashFunc is the hash used throughout HKDF/HMAC derivations.
	DefaultHashFunc = sha256.New
)

const (
	HMACSHA256Size = 32
)
