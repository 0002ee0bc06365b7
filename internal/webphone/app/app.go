// Package app wires the webphone together: the PBX API client, the SIP
// transport, the session controller, and the notification channel.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sebas/callsign/internal/webphone/config"
	"github.com/sebas/callsign/internal/webphone/notify"
	"github.com/sebas/callsign/internal/webphone/pbx"
	"github.com/sebas/callsign/internal/webphone/session"
	"github.com/sebas/callsign/internal/webphone/siptransport"
	"github.com/sebas/callsign/internal/webphone/transport"
)

// Webphone is the assembled client.
type Webphone struct {
	cfg *config.Config

	pbx        *pbx.Client
	sip        *siptransport.SIPTransport
	controller *session.Controller
	store      *notify.Store
	channel    *notify.Channel
}

// New assembles the webphone from configuration. The SIP listener runs
// until ctx is cancelled.
func New(ctx context.Context, cfg *config.Config) (*Webphone, error) {
	pbxClient := pbx.NewClient(cfg.PBXURL, cfg.Extension, cfg.Token)

	sip, err := siptransport.New(ctx, siptransport.Config{
		ListenAddr: cfg.SIPListenAddr,
		MediaPort:  cfg.MediaPort,
	})
	if err != nil {
		return nil, fmt.Errorf("create SIP transport: %w", err)
	}

	controller := session.NewController(session.Config{
		RingTimeout: cfg.RingTimeout,
	}, sip, pbxClient)

	store := notify.NewStore()
	channel := notify.NewChannel(notify.ChannelConfig{
		Endpoint: cfg.StreamEndpoint,
	}, store)

	// Desk-phone bindings have no SIP leg here; the stream is the only
	// signal that the bound device is ringing.
	channel.OnEvent(func(eventType string, payload []byte) {
		switch eventType {
		case "call_incoming":
			var ev struct {
				CallerID     string `json:"caller_id"`
				CallerNumber string `json:"caller_number"`
			}
			if err := json.Unmarshal(payload, &ev); err != nil {
				return
			}
			remote := ev.CallerNumber
			if remote == "" {
				remote = ev.CallerID
			}
			controller.NoteDeviceRinging(remote, ev.CallerID)
		case "call_missed":
			controller.NoteDeviceCallEnded()
		}
	})

	return &Webphone{
		cfg:        cfg,
		pbx:        pbxClient,
		sip:        sip,
		controller: controller,
		store:      store,
		channel:    channel,
	}, nil
}

// Start initializes the session, registers with the PBX, and opens the
// notification stream. A stream failure is not fatal: calls still work and
// the channel retries on its own.
func (w *Webphone) Start(ctx context.Context) error {
	reg := transport.Registration{
		Server:      w.cfg.Server,
		Domain:      w.cfg.Domain,
		Extension:   w.cfg.Extension,
		Password:    w.cfg.Password,
		DisplayName: w.cfg.DisplayName,
	}
	if err := w.controller.Initialize(ctx, reg); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	if err := w.controller.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if w.cfg.StreamEndpoint != "" {
		if err := w.channel.Connect(w.cfg.Token); err != nil {
			slog.Warn("[App] Notification stream unavailable", "error", err)
		}
	}
	return nil
}

// Stop disconnects the session and closes the stream and the SIP stack.
func (w *Webphone) Stop(ctx context.Context) error {
	w.channel.Disconnect()
	if err := w.controller.Disconnect(ctx); err != nil {
		slog.Warn("[App] Disconnect failed", "error", err)
	}
	return w.sip.Close()
}

// ApplyToken installs a fresh PBX token: API calls switch immediately and
// the notification stream is re-established with the new credential. SIP
// registration authenticates with the extension password, not the token,
// so it stays up across rotations.
func (w *Webphone) ApplyToken(ctx context.Context, token string) error {
	w.pbx.SetToken(token)

	if w.cfg.StreamEndpoint != "" {
		w.channel.Disconnect()
		if err := w.channel.Connect(token); err != nil {
			return fmt.Errorf("reopen notification stream: %w", err)
		}
	}
	slog.Info("[App] Token applied")
	return nil
}

// Session returns the session controller.
func (w *Webphone) Session() *session.Controller {
	return w.controller
}

// Notifications returns the notification store.
func (w *Webphone) Notifications() *notify.Store {
	return w.store
}

// Stream returns the notification channel.
func (w *Webphone) Stream() *notify.Channel {
	return w.channel
}

// PBX returns the PBX API client.
func (w *Webphone) PBX() *pbx.Client {
	return w.pbx
}
