// Package outgoing implements the sender pipeline: the per-recipient state
// machine that fans a padded plaintext buffer out to every device of an
// address, builds sessions on demand, and recovers from 409/410/404
// device-list drift reported by the message service.
package outgoing

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/events"
	"github.com/forsta-im/librelay-go/relayerrors"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/forsta-im/librelay-go/store"
	"github.com/sirupsen/logrus"
)

// SentEntry is an append-only journal entry recording a delivered address.
type SentEntry struct {
	Addr address.Address
}

// ErrorEntry records a terminal per-address failure.
type ErrorEntry struct {
	Addr address.Address
	Err  error
}

// OutgoingMessage is one logical send: a timestamp-identified plaintext
// buffer fanned out to some number of addresses, each journaled exactly
// once into Sent or Errors.
type OutgoingMessage struct {
	Timestamp     uint64
	MessageBuffer []byte // already padded

	Sent   []SentEntry
	Errors []ErrorEntry
}

// Pipeline is the OutgoingMessage sender, bound to one account's service
// client, store, and identity.
type Pipeline struct {
	Service  *signalservice.Client
	Store    store.Store
	Identity sessioncipher.IdentityKeyPair
	OwnAddr  address.Address
	Events   *events.Dispatcher
	Logger   *logrus.Logger
}

// NewOutgoingMessage builds an OutgoingMessage from an already-padded
// buffer (see Pad).
func NewOutgoingMessage(timestamp uint64, paddedBuffer []byte) *OutgoingMessage {
	return &OutgoingMessage{Timestamp: timestamp, MessageBuffer: paddedBuffer}
}

// SendToAddr runs the full per-address flow for msg, up to two transmit
// attempts, and journals exactly one terminal outcome into msg.Sent or
// msg.Errors before returning.
func (p *Pipeline) SendToAddr(msg *OutgoingMessage, addr address.Address) {
	err := p.sendToAddr(msg, addr)
	if err == nil {
		msg.Sent = append(msg.Sent, SentEntry{Addr: addr})
		p.Events.Emit(events.Sent, addr)
		return
	}
	msg.Errors = append(msg.Errors, ErrorEntry{Addr: addr, Err: err})
	p.Events.Emit(events.Error, ErrorEntry{Addr: addr, Err: err})
}

func (p *Pipeline) sendToAddr(msg *OutgoingMessage, addr address.Address) error {
	deviceIDs, err := p.Store.GetDeviceIds(addr.ID)
	if err != nil {
		return &relayerrors.OutgoingMessageError{Addr: addr, MessageBuffer: msg.MessageBuffer, Timestamp: msg.Timestamp, Cause: err}
	}
	if len(deviceIDs) == 0 {
		if addr.ID == p.OwnAddr.ID {
			return nil // syncing to self with no other device is a no-op
		}
		deviceIDs = []int{address.Primary}
	}

	var updateDevices []int
	for _, d := range deviceIDs {
		ok, err := sessioncipher.HasOpenSession(p.Store, addr.WithDevice(d))
		if err != nil {
			return &relayerrors.OutgoingMessageError{Addr: addr, MessageBuffer: msg.MessageBuffer, Timestamp: msg.Timestamp, Cause: err}
		}
		if !ok {
			updateDevices = append(updateDevices, d)
		}
	}

	if err := p.buildSessions(addr, updateDevices, false); err != nil {
		return err
	}

	return p.encryptAndTransmit(msg, addr, 1)
}

// buildSessions fetches prekey bundles for deviceIDs (or, if nil, every
// device the service knows about for addr) and runs the session builder
// against each. reentrant marks the one permitted retry after a keychange
// event has been emitted.
func (p *Pipeline) buildSessions(addr address.Address, deviceIDs []int, reentrant bool) error {
	bundles, err := p.fetchKeys(addr, deviceIDs)
	if err != nil {
		var unreg *relayerrors.UnregisteredUserError
		if errors.As(err, &unreg) {
			return err // 404 for the primary device propagates
		}
		return err
	}

	builder := &sessioncipher.SessionBuilder{Store: p.Store, Identity: p.Identity}
	for deviceID, bundle := range bundles {
		a := addr.WithDevice(deviceID)
		err := builder.ProcessPreKeyBundle(a, bundle)
		if err == nil {
			continue
		}

		var untrusted *sessioncipher.UntrustedIdentityKeyError
		if errors.As(err, &untrusted) {
			if reentrant {
				return &relayerrors.OutgoingIdentityKeyError{Addr: addr, IdentityKey: untrusted.IdentityKey}
			}
			p.Events.Emit(events.KeyChange, struct {
				Addr        address.Address
				IdentityKey []byte
			}{addr, untrusted.IdentityKey})
			return p.buildSessions(addr, deviceIDs, true)
		}

		var unreg *relayerrors.UnregisteredUserError
		if errors.As(err, &unreg) {
			if deviceID == address.Primary {
				return err
			}
			_ = p.Store.RemoveDeviceID(addr.ID, deviceID)
			continue
		}

		return &relayerrors.OutgoingMessageError{Addr: addr, Timestamp: 0, Cause: err}
	}
	return nil
}

// fetchKeys calls the prekey fetch. A nil deviceIDs means "fetch every
// device in one call"; otherwise each id is fetched serially, since the
// service only accepts one explicit device id per request.
func (p *Pipeline) fetchKeys(addr address.Address, deviceIDs []int) (map[int]sessioncipher.PreKeyBundle, error) {
	out := make(map[int]sessioncipher.PreKeyBundle)

	if deviceIDs == nil {
		resp, err := p.Service.GetKeysForAddr(addr, 0)
		if err != nil {
			return nil, err
		}
		for _, d := range resp.Devices {
			out[d.DeviceID] = d.ToPreKeyBundle()
		}
		return out, nil
	}

	for _, deviceID := range deviceIDs {
		resp, err := p.Service.GetKeysForAddr(addr, deviceID)
		if err != nil {
			var unreg *relayerrors.UnregisteredUserError
			if errors.As(err, &unreg) && deviceID != address.Primary {
				_ = p.Store.RemoveDeviceID(addr.ID, deviceID)
				continue
			}
			return nil, err
		}
		for _, d := range resp.Devices {
			out[d.DeviceID] = d.ToPreKeyBundle()
		}
	}
	return out, nil
}

// encryptAndTransmit runs the encrypt fan-out and transmit step, and
// reconciles device-drift responses up to the attempt budget of two
// transmit calls per SendToAddr.
func (p *Pipeline) encryptAndTransmit(msg *OutgoingMessage, addr address.Address, attempt int) error {
	ciphertexts, err := p.encryptFanOut(msg, addr)
	if err != nil {
		return err
	}

	err = p.Service.SendMessages(addr, ciphertexts, msg.Timestamp)
	if err == nil {
		return nil
	}

	var unreg *relayerrors.UnregisteredUserError
	if errors.As(err, &unreg) {
		return err
	}

	var protoErr *relayerrors.ProtocolError
	if errors.As(err, &protoErr) {
		if attempt >= 2 && (protoErr.Code == 409 || protoErr.Code == 410) {
			return &relayerrors.RetryLimitError{Addr: addr}
		}
		switch protoErr.Code {
		case 409:
			mismatched, ok := protoErr.Response.(relayerrors.MismatchedDevicesResponse)
			if !ok {
				return &relayerrors.SendMessageError{Addr: addr, Timestamp: msg.Timestamp, Cause: err}
			}
			for _, d := range mismatched.ExtraDevices {
				_ = sessioncipher.RemoveSession(p.Store, addr.WithDevice(d))
				_ = p.Store.RemoveDeviceID(addr.ID, d)
			}
			if err := p.buildSessions(addr, mismatched.MissingDevices, false); err != nil {
				return err
			}
			return p.encryptAndTransmit(msg, addr, attempt+1)

		case 410:
			stale, ok := protoErr.Response.(relayerrors.StaleDevicesResponse)
			if !ok {
				return &relayerrors.SendMessageError{Addr: addr, Timestamp: msg.Timestamp, Cause: err}
			}
			for _, d := range stale.StaleDevices {
				_ = sessioncipher.CloseOpenSession(p.Store, addr.WithDevice(d))
			}
			if err := p.buildSessions(addr, stale.StaleDevices, false); err != nil {
				return err
			}
			return p.encryptAndTransmit(msg, addr, attempt+1)
		}
	}

	return &relayerrors.SendMessageError{Addr: addr, Timestamp: msg.Timestamp, Cause: err}
}

func (p *Pipeline) encryptFanOut(msg *OutgoingMessage, addr address.Address) ([]signalservice.PerDeviceCiphertext, error) {
	deviceIDs, err := p.Store.GetDeviceIds(addr.ID)
	if err != nil {
		return nil, &relayerrors.OutgoingMessageError{Addr: addr, MessageBuffer: msg.MessageBuffer, Timestamp: msg.Timestamp, Cause: err}
	}

	out := make([]signalservice.PerDeviceCiphertext, 0, len(deviceIDs))
	for _, d := range deviceIDs {
		a := addr.WithDevice(d)
		cipher := &sessioncipher.SessionCipher{Store: p.Store, Addr: a}
		enc, err := cipher.Encrypt(msg.MessageBuffer)
		if err != nil {
			return nil, &relayerrors.OutgoingMessageError{
				Addr:          addr,
				MessageBuffer: msg.MessageBuffer,
				Timestamp:     msg.Timestamp,
				Cause:         fmt.Errorf("failed to create message: %w", err),
			}
		}
		regID, err := sessioncipher.SessionRegistrationID(p.Store, a)
		if err != nil {
			return nil, &relayerrors.OutgoingMessageError{Addr: addr, MessageBuffer: msg.MessageBuffer, Timestamp: msg.Timestamp, Cause: err}
		}
		out = append(out, signalservice.PerDeviceCiphertext{
			Type:                      int(enc.Type),
			DestinationDeviceID:       d,
			DestinationRegistrationID: regID,
			Content:                   base64.StdEncoding.EncodeToString(enc.Content),
		})
	}
	return out, nil
}
