package alice

import (
	"github.com/forsta-im/librelay-go/sessioncipher/internal/key25519"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/signerschnorr"
)

type BobPrekeyBundle struct {
	IdentityKey   key25519.PublicKey
	Prekey        key25519.PublicKey
	PrekeySig     []byte
	OneTimePrekey *key25519.PublicKey // optional
}

type aliceKeyBundle struct {
	IdentityKey  key25519.PrivateKey
	EphemeralKey key25519.PrivateKey
}

func (bob *BobPrekeyBundle) Verify() error {
	return signerschnorr.Verify(bob.IdentityKey, bob.Prekey[:], bob.PrekeySig)
}
