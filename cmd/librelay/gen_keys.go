package main

import (
	"encoding/hex"
	"fmt"

	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/spf13/cobra"
)

// newGenKeysCommand prints the full identity + signed prekey bundle a
// fresh account needs before it can be provisioned.
func newGenKeysCommand() *cobra.Command {
	var preKeyCount int

	cmd := &cobra.Command{
		Use:   "gen-keys",
		Short: "Generate an identity key pair, a signed prekey, and a batch of one-time prekeys",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			fmt.Printf("IDENTITY_PRIVATE: %x\n", identity.Priv)
			fmt.Printf("IDENTITY_PUBLIC: %x\n", identity.Pub)
			fmt.Printf("SIGNED_PREKEY_ID: %d\n", signed.ID)
			fmt.Printf("SIGNED_PREKEY_PRIVATE: %x\n", signed.Priv)
			fmt.Printf("SIGNED_PREKEY_PUBLIC: %x\n", signed.Pub)
			fmt.Printf("SIGNED_PREKEY_SIGNATURE: %s\n", hex.EncodeToString(signed.Signature))
			for _, pk := range preKeys {
				fmt.Printf("PREKEY %d: %x / %x\n", pk.ID, pk.Priv, pk.Pub)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&preKeyCount, "count", 10, "number of one-time prekeys to generate")
	return cmd
}
