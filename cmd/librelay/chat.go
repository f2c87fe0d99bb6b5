package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/envelope"
	"github.com/forsta-im/librelay-go/events"
	"github.com/forsta-im/librelay-go/incoming"
	"github.com/forsta-im/librelay-go/outgoing"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/jroimartin/gocui"
	"github.com/spf13/cobra"
)

// chatApp is the gocui two-pane chat UI driving the outgoing and incoming
// pipelines.
type chatApp struct {
	gui *gocui.Gui

	recipient address.Address
	messages  []string

	out *outgoing.Pipeline
	in  *incoming.Pipeline
}

// newChatCommand builds the outgoing/incoming pipelines from provisioned
// process state and runs the interactive chat UI against them.
func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the gocui chat UI against a provisioned account",
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

			app := &chatApp{}
			client := signalservice.New(cfg.ServiceBaseURL, ps.OwnAddr.ID.String(), ps.Password, nil, logger)

			disp := events.New(logger)
			app.out = &outgoing.Pipeline{
				Service:  client,
				Store:    s,
				Identity: ps.Identity,
				OwnAddr:  ps.OwnAddr,
				Events:   disp,
				Logger:   logger,
			}
			app.in = &incoming.Pipeline{
				Service:      client,
				Store:        s,
				OwnAddr:      ps.OwnAddr,
				SignalingKey: ps.SignalingKey,
				OwnKeys: sessioncipher.OwnPreKeyBundle{
					Identity:     ps.Identity,
					SignedPreKey: ps.SignedPreKey.Priv,
				},
				UseStream: true,
				Events:    disp,
				Logger:    logger,
			}
			disp.On(events.Message, func(payload any) error {
				app.onMessage(payload)
				return nil
			})

			if err := app.initGui(); err != nil {
				return fmt.Errorf("librelay: initialize gocui: %w", err)
			}
			defer app.gui.Close()

			if err := app.promptRecipientID(); err != nil {
				return err
			}

			if err := app.gui.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
				return err
			}
			app.in.Close()
			return nil
		},
	}
	return cmd
}

func (app *chatApp) initGui() error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return err
	}
	app.gui = g
	g.SetManagerFunc(app.layout)
	return nil
}

func (app *chatApp) promptRecipientID() error {
	return app.gui.SetKeybinding("prompt", gocui.KeyEnter, gocui.ModNone, func(g *gocui.Gui, v *gocui.View) error {
		id := strings.TrimSpace(v.Buffer())
		if id == "" {
			return nil
		}
		addr, err := address.New(id, address.Primary)
		if err != nil {
			return nil // leave the prompt open; malformed uuid
		}
		app.recipient = addr
		g.DeleteView("prompt")
		g.SetManagerFunc(app.layout)
		g.SetCurrentView("input")

		if err := g.SetKeybinding("input", gocui.KeyEnter, gocui.ModNone, app.sendMessageHandler); err != nil {
			return err
		}
		app.in.Connect()
		return nil
	})
}

func (app *chatApp) sendMessageHandler(g *gocui.Gui, v *gocui.View) error {
	message := strings.TrimSpace(v.Buffer())
	if message == "" {
		return nil
	}
	v.Clear()
	v.SetCursor(0, 0)

	timestamp := uint64(time.Now().UnixMilli())
	msg := outgoing.NewOutgoingMessage(timestamp, outgoing.Pad([]byte(message)))
	app.out.SendToAddr(msg, app.recipient)

	if len(msg.Errors) > 0 {
		app.messages = append(app.messages, fmt.Sprintf("[error] %v", msg.Errors[0].Err))
	} else {
		app.messages = append(app.messages, "[You] "+message)
	}
	return app.updateMessages(g)
}

func (app *chatApp) onMessage(payload any) {
	m, ok := payload.(struct {
		Addr      address.Address
		Message   *envelope.DataMessage
		KeyChange bool
	})
	if !ok || m.Message == nil {
		return
	}
	app.gui.Update(func(g *gocui.Gui) error {
		line := fmt.Sprintf("[%s] %s", m.Addr, m.Message.Body)
		if m.KeyChange {
			line += " (identity key changed)"
		}
		app.messages = append(app.messages, line)
		return app.updateMessages(g)
	})
}

func (app *chatApp) updateMessages(g *gocui.Gui) error {
	v, err := g.View("messages")
	if err != nil {
		return nil
	}
	v.Clear()
	for _, msg := range app.messages {
		fmt.Fprintln(v, msg)
	}
	return nil
}

func (app *chatApp) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if app.recipient == (address.Address{}) {
		if v, err := g.SetView("prompt", maxX/4, maxY/4, 3*maxX/4, maxY/2); err != nil {
			if !errors.Is(err, gocui.ErrUnknownView) {
				return err
			}
			v.Title = "Enter recipient UUID"
			v.Editable = true
			v.Wrap = true
			g.SetCurrentView("prompt")
		}
		return nil
	}

	if v, err := g.SetView("messages", 0, 0, maxX-1, maxY-5); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Chat with " + app.recipient.ID.String()
		v.Autoscroll = true
		v.Wrap = true
		app.updateMessages(g)
	}

	if v, err := g.SetView("input", 0, maxY-4, maxX-1, maxY-2); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Type a message"
		v.Editable = true
		v.Wrap = true
		g.SetCurrentView("input")
	}

	return g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, func(g *gocui.Gui, v *gocui.View) error {
		return gocui.ErrQuit
	})
}
