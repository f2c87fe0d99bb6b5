package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/forsta-im/librelay-go/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Scalar process-state keys this CLI owns beyond the core own-address,
// own-device, and signaling-key entries.
const (
	stateIdentityPriv     = "identityPriv"
	stateIdentityPub      = "identityPub"
	stateSignedPreKeyID   = "signedPreKeyId"
	stateSignedPreKeyPriv = "signedPreKeyPriv"
	stateSignedPreKeyPub  = "signedPreKeyPub"
	statePassword         = "servicePassword"
)

// newProvisionCommand registers a new account against the configured
// service and persists its process state into the configured store; every
// other subcommand depends on this having already run.
func newProvisionCommand() *cobra.Command {
	var (
		userID      string
		preKeyCount int
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Generate an identity, register keys with the service, and persist process state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Shutdown()

			ownAddr, err := resolveOwnAddress(userID)
			if err != nil {
				return err
			}

			identity, err := sessioncipher.GenerateIdentityKeyPair()
			if err != nil {
				return err
			}
			signed, err := sessioncipher.GenerateSignedPreKey(identity, 1)
			if err != nil {
				return err
			}
			preKeys, err := sessioncipher.GenerateOneTimePreKeys(1, preKeyCount)
			if err != nil {
				return err
			}
			signalingKey := make([]byte, 64)
			if _, err := rand.Read(signalingKey); err != nil {
				return fmt.Errorf("librelay: generate signaling key: %w", err)
			}
			password := randomPassword()

			if err := persistProcessState(s, ownAddr, identity, signed, signalingKey, password); err != nil {
				return err
			}

			client := signalservice.New(cfg.ServiceBaseURL, ownAddr.ID.String(), password, nil, logger)
			keySet := signalservice.KeySet{
				IdentityKey:     identity.Pub[:],
				SignedPreKey:    signed.Pub[:],
				SignedPreKeySig: signed.Signature,
				RegistrationID:  0,
			}
			for _, pk := range preKeys {
				keySet.PreKeys = append(keySet.PreKeys, pk.Pub[:])
			}
			if err := client.RegisterKeys(keySet); err != nil {
				return fmt.Errorf("librelay: register keys: %w", err)
			}

			fmt.Printf("Provisioned %s as device %d\n", ownAddr.ID, ownAddr.Device)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user UUID to provision (generated if omitted)")
	cmd.Flags().IntVar(&preKeyCount, "count", 100, "number of one-time prekeys to generate")
	return cmd
}

func resolveOwnAddress(userID string) (address.Address, error) {
	if userID == "" {
		return address.Address{ID: uuid.New(), Device: address.Primary}, nil
	}
	return address.New(userID, address.Primary)
}

func persistProcessState(
	s store.Store,
	ownAddr address.Address,
	identity sessioncipher.IdentityKeyPair,
	signed *sessioncipher.SignedPreKey,
	signalingKey []byte,
	password string,
) error {
	puts := map[string][]byte{
		store.StateOwnAddr:      []byte(ownAddr.ID.String()),
		store.StateOwnDeviceID:  []byte(strconv.Itoa(ownAddr.Device)),
		store.StateSignalingKey: signalingKey,
		stateIdentityPriv:       identity.Priv[:],
		stateIdentityPub:        identity.Pub[:],
		stateSignedPreKeyID:     []byte(strconv.FormatUint(uint64(signed.ID), 10)),
		stateSignedPreKeyPriv:   signed.Priv[:],
		stateSignedPreKeyPub:    signed.Pub[:],
		statePassword:           []byte(password),
	}
	for key, value := range puts {
		if err := s.PutState(key, value); err != nil {
			return fmt.Errorf("librelay: persist %s: %w", key, err)
		}
	}
	return nil
}

func randomPassword() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// loadProcessState re-reads everything provision wrote, for send/listen to
// rebuild the pipelines without re-registering.
type processState struct {
	OwnAddr      address.Address
	Identity     sessioncipher.IdentityKeyPair
	SignedPreKey sessioncipher.SignedPreKey
	SignalingKey []byte
	Password     string
}

func loadProcessState(s store.Store) (*processState, error) {
	addrBytes, ok, err := s.GetState(store.StateOwnAddr)
	if err != nil || !ok {
		return nil, fmt.Errorf("librelay: not provisioned (run `librelay provision` first)")
	}
	deviceBytes, _, err := s.GetState(store.StateOwnDeviceID)
	if err != nil {
		return nil, err
	}
	device, err := strconv.Atoi(string(deviceBytes))
	if err != nil {
		return nil, fmt.Errorf("librelay: decode own device id: %w", err)
	}
	ownAddr, err := address.New(string(addrBytes), device)
	if err != nil {
		return nil, err
	}

	identityPriv, _, err := s.GetState(stateIdentityPriv)
	if err != nil {
		return nil, err
	}
	identityPub, _, err := s.GetState(stateIdentityPub)
	if err != nil {
		return nil, err
	}
	var identity sessioncipher.IdentityKeyPair
	copy(identity.Priv[:], identityPriv)
	copy(identity.Pub[:], identityPub)

	signedIDBytes, _, err := s.GetState(stateSignedPreKeyID)
	if err != nil {
		return nil, err
	}
	signedID, err := strconv.ParseUint(string(signedIDBytes), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("librelay: decode signed prekey id: %w", err)
	}
	signedPriv, _, err := s.GetState(stateSignedPreKeyPriv)
	if err != nil {
		return nil, err
	}
	signedPub, _, err := s.GetState(stateSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	var signed sessioncipher.SignedPreKey
	signed.ID = uint32(signedID)
	copy(signed.Priv[:], signedPriv)
	copy(signed.Pub[:], signedPub)

	signalingKey, _, err := s.GetState(store.StateSignalingKey)
	if err != nil {
		return nil, err
	}
	password, _, err := s.GetState(statePassword)
	if err != nil {
		return nil, err
	}

	return &processState{
		OwnAddr:      ownAddr,
		Identity:     identity,
		SignedPreKey: signed,
		SignalingKey: signalingKey,
		Password:     string(password),
	}, nil
}
