package key25519

import (
	"encoding/json"
	"errors"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/suites"
)

type (
	// PrivateKey is a 32-byte private key
	PrivateKey [32]byte
	// PublicKey is a 32-byte public key
	PublicKey [32]byte
	Pair      struct {
		Priv PrivateKey
		Pub  PublicKey
	}
)

var (
	Suite = suites.MustFind("Ed25519") // Use the edwards25519-curve

	ErrKeyLength = errors.New("key25519: key must be 32 bytes")
)

func New() (*PrivateKey, error) {
	privK := Suite.Scalar().Pick(Suite.RandomStream())
	b, err := privK.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var out PrivateKey
	if len(b) != len(out) {
		return nil, ErrKeyLength
	}
	copy(out[:], b)
	return &out, nil
}

func (privB PrivateKey) Public() (*PublicKey, error) {
	privK, err := privB.ToScalar()
	if err != nil {
		return nil, err
	}
	pubK := Suite.Point().Mul(privK, nil)
	b, err := pubK.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var out PublicKey
	if len(b) != len(out) {
		return nil, ErrKeyLength
	}
	copy(out[:], b)
	return &out, nil
}

func (privB PrivateKey) ToScalar() (kyber.Scalar, error) {
	privK := Suite.Scalar()
	if err := privK.UnmarshalBinary(privB[:]); err != nil {
		return nil, err
	}
	return privK, nil
}

func (pubB PublicKey) ToPoint() (kyber.Point, error) {
	pubK := Suite.Point()
	if err := pubK.UnmarshalBinary(pubB[:]); err != nil {
		return nil, err
	}
	return pubK, nil
}

// MarshalJSON renders the key as a base64 string, matching the wire
// representation a raw byte slice would have produced.
func (pubB PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pubB[:])
}

func (pubB *PublicKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != len(*pubB) {
		return ErrKeyLength
	}
	copy(pubB[:], b)
	return nil
}
