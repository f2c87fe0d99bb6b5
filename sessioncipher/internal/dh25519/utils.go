package dh25519

import (
	"errors"

	"github.com/forsta-im/librelay-go/sessioncipher/internal/key25519"
)

var (
	ErrInvalid = errors.New("invalid input")
)

// GetSharedSecret returns the X25519 Diffie-Hellman shared secret between a
// local private key and a remote public key.
func GetSharedSecret(privKey key25519.PrivateKey, pubKey key25519.PublicKey) ([]byte, error) {
	privScalar, err := privKey.ToScalar()
	if err != nil {
		return nil, err
	}
	pubPoint, err := pubKey.ToPoint()
	if err != nil {
		return nil, err
	}
	secretPoint := key25519.Suite.Point().Mul(privScalar, pubPoint)
	return secretPoint.MarshalBinary()
}
