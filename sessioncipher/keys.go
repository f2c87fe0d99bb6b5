package sessioncipher

import (
	"fmt"

	"github.com/forsta-im/librelay-go/sessioncipher/internal/key25519"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/signerschnorr"
)

// GenerateIdentityKeyPair mints a fresh long-term ed25519 identity key
// pair in the IdentityKeyPair shape the rest of this package consumes.
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	priv, err := key25519.New()
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("sessioncipher: generate identity key: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("sessioncipher: derive identity public key: %w", err)
	}
	return IdentityKeyPair{Priv: *priv, Pub: *pub}, nil
}

// SignedPreKey is one signed prekey: the key pair plus the identity-key
// signature over its public half that a remote party verifies before using
// it in X3DH (alice.BobPrekeyBundle.Verify).
type SignedPreKey struct {
	ID        uint32
	Priv      [32]byte
	Pub       [32]byte
	Signature []byte
}

// GenerateSignedPreKey mints a fresh signed prekey under identity, signing
// its public half the same way bob.BobPrekeyBundle.ToPublicBundle does.
func GenerateSignedPreKey(identity IdentityKeyPair, id uint32) (*SignedPreKey, error) {
	priv, err := key25519.New()
	if err != nil {
		return nil, fmt.Errorf("sessioncipher: generate signed prekey: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, fmt.Errorf("sessioncipher: derive signed prekey public: %w", err)
	}
	sig, err := signerschnorr.Sign(key25519.PrivateKey(identity.Priv), pub[:])
	if err != nil {
		return nil, fmt.Errorf("sessioncipher: sign prekey: %w", err)
	}
	return &SignedPreKey{ID: id, Priv: *priv, Pub: *pub, Signature: sig}, nil
}

// GenerateOneTimePreKeys mints count fresh one-time prekeys, ids starting at
// startID, for replenishing the service-side prekey pool after
// exhaustion.
func GenerateOneTimePreKeys(startID uint32, count int) ([]SignedPreKey, error) {
	out := make([]SignedPreKey, 0, count)
	for i := 0; i < count; i++ {
		priv, err := key25519.New()
		if err != nil {
			return nil, fmt.Errorf("sessioncipher: generate one-time prekey: %w", err)
		}
		pub, err := priv.Public()
		if err != nil {
			return nil, fmt.Errorf("sessioncipher: derive one-time prekey public: %w", err)
		}
		out = append(out, SignedPreKey{ID: startID + uint32(i), Priv: *priv, Pub: *pub})
	}
	return out, nil
}
