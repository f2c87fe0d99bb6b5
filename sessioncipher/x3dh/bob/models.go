package bob

import (
	"fmt"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/key25519"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/signerschnorr"
	"github.com/forsta-im/librelay-go/sessioncipher/x3dh/alice"
)

type BobPrekeyBundle struct {
	IdentityKey   key25519.PrivateKey
	Prekey        key25519.PrivateKey
	OneTimePrekey *key25519.PrivateKey // optional
}

type ReceivedAliceKeyBundle struct {
	IdentityKey  key25519.PublicKey
	EphemeralKey key25519.PublicKey
}

func (bob *BobPrekeyBundle) ToPublicBundle() (alice.BobPrekeyBundle, error) {
	identityKeyPub, err := bob.IdentityKey.Public()
	if err != nil {
		return alice.BobPrekeyBundle{}, fmt.Errorf("failed to get public identity key: %w", err)
	}

	prekeyPub, err := bob.Prekey.Public()
	if err != nil {
		return alice.BobPrekeyBundle{}, fmt.Errorf("failed to get public prekey: %w", err)
	}

	var oneTimePrekeyPub *key25519.PublicKey
	if bob.OneTimePrekey != nil {
		oneTimePrekeyPub, err = bob.OneTimePrekey.Public()
		if err != nil {
			return alice.BobPrekeyBundle{}, fmt.Errorf("failed to get public one-time prekey: %w", err)
		}
	}

	prekeySig, err := signerschnorr.Sign(bob.IdentityKey, prekeyPub[:])
	if err != nil {
		return alice.BobPrekeyBundle{}, fmt.Errorf("failed to sign prekey: %w", err)
	}

	return alice.BobPrekeyBundle{
		IdentityKey:   *identityKeyPub,
		Prekey:        *prekeyPub,
		PrekeySig:     prekeySig,
		OneTimePrekey: oneTimePrekeyPub,
	}, nil
}
