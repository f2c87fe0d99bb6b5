package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randomSignalingKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 64)
	_, err := rand.Read(key)
	assert.NoError(t, err)
	return key
}

func TestDeriveSigningKeysSplitsCipherAndMACHalves(t *testing.T) {
	key := randomSignalingKey(t)
	keys, err := DeriveSigningKeys(key)
	assert.NoError(t, err)
	assert.Equal(t, key[:32], keys.CipherKey[:])
	assert.Equal(t, key[32:], keys.MACKey[:])
}

func TestDeriveSigningKeysRejectsWrongLength(t *testing.T) {
	_, err := DeriveSigningKeys(make([]byte, 32))
	assert.Error(t, err)
}

func TestEncryptDecryptFrameRoundTrip(t *testing.T) {
	key := randomSignalingKey(t)

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "short", plaintext: []byte("hello world")},
		{name: "exactly one aes block", plaintext: bytes.Repeat([]byte("x"), 16)},
		{name: "several blocks", plaintext: bytes.Repeat([]byte("y"), 200)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := EncryptFrame(key, tc.plaintext)
			assert.NoError(t, err)

			got, err := DecryptFrame(key, frame)
			assert.NoError(t, err)
			assert.Equal(t, tc.plaintext, got)
		})
	}
}

func TestDecryptFrameRejectsTooShortFrame(t *testing.T) {
	key := randomSignalingKey(t)
	_, err := DecryptFrame(key, make([]byte, 5))
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecryptFrameRejectsTamperedMAC(t *testing.T) {
	key := randomSignalingKey(t)
	frame, err := EncryptFrame(key, []byte("hello"))
	assert.NoError(t, err)

	frame[len(frame)-1] ^= 0xFF

	_, err = DecryptFrame(key, frame)
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestDecryptFrameRejectsTamperedCiphertext(t *testing.T) {
	key := randomSignalingKey(t)
	frame, err := EncryptFrame(key, []byte("hello, world, this spans a block"))
	assert.NoError(t, err)

	frame[20] ^= 0xFF

	_, err = DecryptFrame(key, frame)
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"type":1,"source":"3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e","sourceDevice":1,"timestamp":1000,"content":"aGVsbG8="}`)
	e, err := Decode(raw)
	assert.NoError(t, err)
	assert.Equal(t, TypeCiphertext, e.Type)
	assert.Equal(t, "3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e", e.Source)
	assert.Equal(t, 1, e.SourceDevice)
	assert.Equal(t, uint64(1000), e.Timestamp)
	assert.Equal(t, []byte("hello"), e.Content)
}

func TestDecodeContent(t *testing.T) {
	raw := []byte(`{"dataMessage":{"body":"hi","timestamp":1000,"flags":1}}`)
	c, err := DecodeContent(raw)
	assert.NoError(t, err)
	assert.NotNil(t, c.DataMessage)
	assert.Equal(t, "hi", c.DataMessage.Body)
	assert.Equal(t, FlagEndSession, c.DataMessage.Flags)
	assert.Nil(t, c.SyncMessage)
}

func TestDecodeContentWithSyncMessage(t *testing.T) {
	raw := []byte(`{"syncMessage":{"sent":{"destination":"3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e","timestamp":42},"read":[{"sender":"4f4e4e4e-4e4e-4e4e-4e4e-4e4e4e4e4e4e","timestamp":7}]}}`)
	c, err := DecodeContent(raw)
	assert.NoError(t, err)
	assert.Nil(t, c.DataMessage)
	assert.NotNil(t, c.SyncMessage)
	assert.Equal(t, "3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e", c.SyncMessage.Sent.Destination)
	assert.Len(t, c.SyncMessage.Read, 1)
	assert.Equal(t, uint64(7), c.SyncMessage.Read[0].Timestamp)
}

func TestDecodeLegacyDataMessage(t *testing.T) {
	raw := []byte(`{"body":"legacy body","timestamp":55}`)
	d, err := DecodeLegacyDataMessage(raw)
	assert.NoError(t, err)
	assert.Equal(t, "legacy body", d.Body)
	assert.Equal(t, uint64(55), d.Timestamp)
}
