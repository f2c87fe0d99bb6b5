package hkdf

import (
	"hash"
	"io"

	"github.com/forsta-im/librelay-go/sessioncipher/internal"

	"golang.org/x/crypto/hkdf"
)

// x3dhInfo is the HKDF info parameter for the X3DH shared-secret derivation.
var x3dhInfo = []byte("librelay-x3dh")

// New32BytesKeyFromSecret derives a new 32-byte key from a secret using HKDF.
func New32BytesKeyFromSecret(secret []byte) ([]byte, error) {
	hkdfReader := hkdf.New(internal.DefaultHashFunc, secret, nil, x3dhInfo)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KDF helps with the double ratchet's root/chain key derivations.
func KDF(hash func() hash.Hash, keyMaterial []byte, salt []byte, info []byte, buffer []byte) (int, error) {
	hkdfReader := hkdf.New(hash, keyMaterial[:], salt[:], info)
	return io.ReadFull(hkdfReader, buffer)
}
