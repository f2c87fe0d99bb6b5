package relayerrors

import (
	"errors"
	"testing"

	"github.com/forsta-im/librelay-go/address"
	"github.com/stretchr/testify/assert"
)

func testAddr(t *testing.T) address.Address {
	t.Helper()
	a, err := address.New("3f3e3e3e-3e3e-3e3e-3e3e-3e3e3e3e3e3e", address.Primary)
	assert.NoError(t, err)
	return a
}

func TestUnregisteredUserErrorMessageNamesAddr(t *testing.T) {
	addr := testAddr(t)
	err := &UnregisteredUserError{Addr: addr}
	assert.Contains(t, err.Error(), addr.String())
}

func TestSendMessageErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("network blip")
	err := &SendMessageError{Addr: testAddr(t), Timestamp: 100, Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network blip")
}

func TestOutgoingMessageErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("store unavailable")
	err := &OutgoingMessageError{Addr: testAddr(t), Cause: cause}

	assert.ErrorIs(t, err, cause)
}

func TestErrorsAsMatchesProtocolErrorByPointer(t *testing.T) {
	var wrapped error = &ProtocolError{Code: 409, Response: MismatchedDevicesResponse{ExtraDevices: []int{2}}}

	var target *ProtocolError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 409, target.Code)

	mismatched, ok := target.Response.(MismatchedDevicesResponse)
	assert.True(t, ok)
	assert.Equal(t, []int{2}, mismatched.ExtraDevices)
}

func TestRetryLimitErrorMessageNamesAddr(t *testing.T) {
	addr := testAddr(t)
	err := &RetryLimitError{Addr: addr}
	assert.Contains(t, err.Error(), addr.String())
}
