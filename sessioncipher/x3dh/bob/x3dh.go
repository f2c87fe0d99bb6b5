package bob

import (
	"github.com/forsta-im/librelay-go/sessioncipher/internal/dh25519"
	"github.com/forsta-im/librelay-go/sessioncipher/internal/hkdf"
)

// https://signal.org/docs/specifications/x3dh/
// Terminology:
// - Alice: sender
// - Bob: receiver

func PerformKeyAgreement(bob *BobPrekeyBundle, alice *ReceivedAliceKeyBundle) (key []byte, err error) {
	var sk []byte

	// 1. Bob computes the shared secret
	dh1, err := dh25519.GetSharedSecret(bob.Prekey, alice.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh25519.GetSharedSecret(bob.IdentityKey, alice.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh25519.GetSharedSecret(bob.Prekey, alice.EphemeralKey)
	if err != nil {
		return nil, err
	}

	sk = append(sk, dh1...)
	sk = append(sk, dh2...)
	sk = append(sk, dh3...)

	// If Alice used Bob's one-time key
	if bob.OneTimePrekey != nil {
		dh4, err := dh25519.GetSharedSecret(*bob.OneTimePrekey, alice.EphemeralKey)
		if err != nil {
			return nil, err
		}
		sk = append(sk, dh4...)
	}

	// 2. Bob derives the key
	key, err = hkdf.New32BytesKeyFromSecret(sk)
	if err != nil {
		return nil, err
	}
	return key, nil
}
