package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/events"
	"github.com/forsta-im/librelay-go/incoming"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/spf13/cobra"
)

// newListenCommand runs the incoming pipeline's connect/reconnect loop
// until interrupted, logging every dispatched event.
func newListenCommand() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the streaming transport and log incoming events",
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

			disp := events.New(logger)
			disp.On(events.Message, func(payload any) error {
				logger.WithField("event", "message").Infof("%+v", payload)
				return nil
			})
			disp.On(events.Sent, func(payload any) error {
				logger.WithField("event", "sent").Infof("%+v", payload)
				return nil
			})
			disp.On(events.Receipt, func(payload any) error {
				logger.WithField("event", "receipt").Infof("%+v", payload)
				return nil
			})
			disp.On(events.Read, func(payload any) error {
				logger.WithField("event", "read").Infof("%+v", payload)
				return nil
			})
			disp.On(events.KeyChange, func(payload any) error {
				logger.WithField("event", "keychange").Warnf("%+v", payload)
				if kc, ok := payload.(struct {
					Addr        address.Address
					IdentityKey []byte
					Accept      chan<- bool
				}); ok && kc.Accept != nil {
					kc.Accept <- true
				}
				return nil
			})
			disp.On(events.Error, func(payload any) error {
				logger.WithField("event", "error").Errorf("%+v", payload)
				return nil
			})

			pipeline := &incoming.Pipeline{
				Service:      signalservice.New(cfg.ServiceBaseURL, ps.OwnAddr.ID.String(), ps.Password, nil, logger),
				Store:        s,
				OwnAddr:      ps.OwnAddr,
				SignalingKey: ps.SignalingKey,
				OwnKeys: sessioncipher.OwnPreKeyBundle{
					Identity:     ps.Identity,
					SignedPreKey: ps.SignedPreKey.Priv,
				},
				UseStream: !drain,
				Events:    disp,
				Logger:    logger,
			}

			pipeline.Connect()
			if drain {
				return pipeline.Drain()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			pipeline.Close()
			return nil
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "fetch pending envelopes once instead of opening a stream")
	return cmd
}
