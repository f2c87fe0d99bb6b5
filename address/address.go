// Package address implements the unit of session-store identity the rest of
// the core keys everything off: a user UUID plus a device id.
package address

import (
	"fmt"

	"github.com/google/uuid"
)

// Primary is the distinguished device id contacted when no device list is
// known yet.
const Primary = 1

// Address identifies a single device belonging to a user.
type Address struct {
	ID     uuid.UUID
	Device int
}

// New parses a user id string and pairs it with a device id.
func New(id string, device int) (Address, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid id %q: %w", id, err)
	}
	return Address{ID: parsed, Device: device}, nil
}

// String renders the store key convention "<addr>.<deviceId>" used to key
// session records.
func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.ID.String(), a.Device)
}

// Equal reports whether two addresses name the same (user, device) pair.
func (a Address) Equal(other Address) bool {
	return a.ID == other.ID && a.Device == other.Device
}

// SameUser reports whether two addresses share the same user id, regardless
// of device.
func (a Address) SameUser(other Address) bool {
	return a.ID == other.ID
}

// WithDevice returns a copy of a addressed at a different device of the same
// user.
func (a Address) WithDevice(device int) Address {
	return Address{ID: a.ID, Device: device}
}
