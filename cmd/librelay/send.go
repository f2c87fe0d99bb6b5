package main

import (
	"context"
	"fmt"
	"time"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/events"
	"github.com/forsta-im/librelay-go/outgoing"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/spf13/cobra"
)

// newSendCommand runs one SendToAddr call end to end: pad, encrypt for
// every device of the recipient, transmit, reconcile.
func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <recipient-uuid> <message>",
		Short: "Send a message to every device of a recipient address",
		Args:  cobra.ExactArgs(2),
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

			ps, err := loadProcessState(s)
			if err != nil {
				return err
			}

			recipient, err := address.New(args[0], address.Primary)
			if err != nil {
				return fmt.Errorf("librelay: invalid recipient: %w", err)
			}

			disp := events.New(logger)
			disp.On(events.KeyChange, func(payload any) error {
				logger.Warnf("identity key changed for recipient: %+v", payload)
				return nil
			})

			pipeline := &outgoing.Pipeline{
				Service:  signalservice.New(cfg.ServiceBaseURL, ps.OwnAddr.ID.String(), ps.Password, nil, logger),
				Store:    s,
				Identity: ps.Identity,
				OwnAddr:  ps.OwnAddr,
				Events:   disp,
				Logger:   logger,
			}

			timestamp := uint64(time.Now().UnixMilli())
			msg := outgoing.NewOutgoingMessage(timestamp, outgoing.Pad([]byte(args[1])))
			pipeline.SendToAddr(msg, recipient)

			if len(msg.Sent) > 0 {
				fmt.Printf("sent to %s at %d\n", recipient, timestamp)
				return nil
			}
			return fmt.Errorf("librelay: send failed: %v", msg.Errors[0].Err)
		},
	}
	return cmd
}
