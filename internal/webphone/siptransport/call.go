package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callsign/internal/webphone/media"
	"github.com/sebas/callsign/internal/webphone/transport"
)

// Invite implements transport.Transport. It sends the INVITE and returns
// immediately; response progress is reported through the handler.
func (t *SIPTransport) Invite(ctx context.Context, number string) (transport.SessionHandle, error) {
	t.mu.Lock()
	reg := t.reg
	t.mu.Unlock()

	host, port := t.serverHost()
	d := &dialogState{
		handle:   transport.SessionHandle(uuid.New().String()),
		callID:   uuid.New().String(),
		localTag: newTag(),
		toURI:    sip.Uri{Scheme: "sip", User: number, Host: reg.Domain},
		fromURI:  sip.Uri{Scheme: "sip", User: reg.Extension, Host: reg.Domain},
	}
	d.fromDisplay = reg.DisplayName

	offer, err := media.BuildOffer(media.Offer{
		Address:   t.cfg.MediaAddr,
		Port:      t.cfg.MediaPort,
		Formats:   []string{"0", "8", "101"},
		Direction: media.DirSendRecv,
	})
	if err != nil {
		return "", fmt.Errorf("build offer: %w", err)
	}

	invite := t.buildINVITE(d, host, port, 1, offer)

	tx, err := t.client.TransactionRequest(ctx, invite)
	if err != nil {
		return "", fmt.Errorf("send INVITE: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.cseq = 1
	t.storeDialog(d)

	slog.Info("[SIP] INVITE sent", "call_id", d.callID, "number", number)
	go t.watchInvite(watchCtx, d, invite, tx)
	return d.handle, nil
}

// buildINVITE constructs an outbound INVITE with an SDP offer.
func (t *SIPTransport) buildINVITE(d *dialogState, host string, port int, cseq uint32, body []byte) *sip.Request {
	requestURI := sip.Uri{Scheme: "sip", User: d.toURI.User, Host: host, Port: port}
	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: d.fromDisplay,
		Address:     d.fromURI,
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: d.toURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(d.callID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   d.fromURI.User,
			Host:   t.localHost,
			Port:   t.localPort,
		},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)

	return invite
}

// watchInvite follows the INVITE transaction and reports progress.
func (t *SIPTransport) watchInvite(ctx context.Context, d *dialogState, invite *sip.Request, tx sip.ClientTransaction) {
	h := t.currentHandler()
	for {
		select {
		case <-ctx.Done():
			t.sendCANCEL(d, invite)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				continue
			}
			if t.handleInviteResponse(d, invite, resp, tx, h) {
				return
			}

		case <-tx.Done():
			t.mu.Lock()
			answered := d.answered
			t.mu.Unlock()
			if !answered {
				t.dropDialog(d)
				if h != nil {
					h.OnProgress(transport.Progress{
						Session: d.handle,
						Kind:    transport.ProgressFailed,
						Code:    408,
						Reason:  "Request Timeout",
					})
				}
			}
			return
		}
	}
}

// handleInviteResponse processes one response; true means the transaction
// reached a final outcome.
func (t *SIPTransport) handleInviteResponse(d *dialogState, invite *sip.Request, resp *sip.Response, tx sip.ClientTransaction, h transport.Handler) bool {
	code := int(resp.StatusCode)
	slog.Debug("[SIP] INVITE response", "call_id", d.callID, "status", code, "reason", resp.Reason)

	switch {
	case code == 100:
		return false

	case code == 180 || code == 181:
		if h != nil {
			h.OnProgress(transport.Progress{Session: d.handle, Kind: transport.ProgressRinging, Code: code})
		}
		return false

	case code == 183:
		t.rememberRemoteMedia(d, resp)
		if h != nil {
			h.OnProgress(transport.Progress{Session: d.handle, Kind: transport.ProgressEarlyMedia, Code: code})
		}
		return false

	case code >= 200 && code < 300:
		t.completeDialog(d, invite, resp)
		if err := t.sendACK(d, invite, resp); err != nil {
			slog.Error("[SIP] ACK failed", "call_id", d.callID, "error", err)
		}
		if h != nil {
			h.OnProgress(transport.Progress{Session: d.handle, Kind: transport.ProgressAnswered, Code: code})
		}
		return true

	default:
		t.dropDialog(d)
		if h != nil {
			h.OnProgress(transport.Progress{
				Session: d.handle,
				Kind:    transport.ProgressFailed,
				Code:    code,
				Reason:  resp.Reason,
			})
		}
		slog.Info("[SIP] Call rejected", "call_id", d.callID, "status", code, "reason", resp.Reason)
		return true
	}
}

// completeDialog records the dialog identifiers from a 2xx.
func (t *SIPTransport) completeDialog(d *dialogState, invite *sip.Request, resp *sip.Response) {
	t.mu.Lock()
	d.answered = true
	if contact := resp.Contact(); contact != nil {
		d.remoteContact = contact.Address
	} else {
		d.remoteContact = invite.Recipient
	}
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	t.mu.Unlock()

	t.rememberRemoteMedia(d, resp)
}

// rememberRemoteMedia extracts the far-end RTP endpoint from an SDP answer.
func (t *SIPTransport) rememberRemoteMedia(d *dialogState, resp *sip.Response) {
	if len(resp.Body()) == 0 {
		return
	}
	addr, port, codec, err := media.ParseRemoteAudio(resp.Body())
	if err != nil {
		slog.Warn("[SIP] SDP answer unusable", "call_id", d.callID, "error", err)
		return
	}
	t.mu.Lock()
	d.remoteAddr = addr
	d.remotePort = port
	d.codec = codec
	t.mu.Unlock()
	slog.Debug("[SIP] Remote media", "call_id", d.callID, "addr", addr, "port", port, "codec", codec.Name)
}

// sendACK acknowledges a 2xx. Per RFC 3261 the ACK for 2xx is a standalone
// request aimed at the remote contact.
func (t *SIPTransport) sendACK(d *dialogState, invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if err := t.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	return nil
}

// sendCANCEL aborts an in-progress INVITE.
func (t *SIPTransport) sendCANCEL(d *dialogState, invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := t.roundTrip(ctx, cancelReq); err != nil {
		slog.Warn("[SIP] CANCEL failed", "call_id", d.callID, "error", err)
	}
	slog.Info("[SIP] CANCEL sent", "call_id", d.callID)
}

// Answer implements transport.Transport. It accepts a pending inbound
// invite with an SDP answer.
func (t *SIPTransport) Answer(ctx context.Context, s transport.SessionHandle) error {
	t.mu.Lock()
	d := t.dialogs[s]
	t.mu.Unlock()
	if d == nil || d.inviteTx == nil {
		return fmt.Errorf("unknown session %s", s)
	}

	answer, err := media.BuildOffer(media.Offer{
		Address:   t.cfg.MediaAddr,
		Port:      t.cfg.MediaPort,
		Formats:   []string{fmt.Sprintf("%d", d.codec.PayloadType), "101"},
		Direction: media.DirSendRecv,
	})
	if err != nil {
		return fmt.Errorf("build answer: %w", err)
	}

	resp := sip.NewResponseFromRequest(d.inviteReq, sip.StatusOK, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	resp.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   d.fromURI.User,
			Host:   t.localHost,
			Port:   t.localPort,
		},
	})
	if err := d.inviteTx.Respond(resp); err != nil {
		return fmt.Errorf("respond 200: %w", err)
	}

	t.mu.Lock()
	d.answered = true
	d.inviteTx = nil
	t.mu.Unlock()

	slog.Info("[SIP] Inbound call answered", "call_id", d.callID)
	return nil
}

// Bye implements transport.Transport. Answered dialogs get an in-dialog
// BYE; an unanswered outbound invite is cancelled and an unanswered
// inbound one rejected.
func (t *SIPTransport) Bye(ctx context.Context, s transport.SessionHandle) error {
	t.mu.Lock()
	d := t.dialogs[s]
	if d == nil {
		t.mu.Unlock()
		return fmt.Errorf("unknown session %s", s)
	}
	answered := d.answered
	inbound := d.inbound
	inviteTx := d.inviteTx
	inviteReq := d.inviteReq
	t.mu.Unlock()

	if !answered {
		if inbound && inviteTx != nil {
			resp := sip.NewResponseFromRequest(inviteReq, 486, "Busy Here", nil)
			if err := inviteTx.Respond(resp); err != nil {
				return fmt.Errorf("reject invite: %w", err)
			}
			t.dropDialog(d)
			slog.Info("[SIP] Inbound call declined", "call_id", d.callID)
			return nil
		}
		// Outbound setup: the watcher sends the CANCEL on context cancel.
		t.dropDialog(d)
		return nil
	}

	bye := t.buildInDialog(d, sip.BYE)
	t.dropDialog(d)

	resp, err := t.roundTrip(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	slog.Info("[SIP] BYE sent", "call_id", d.callID, "status", resp.StatusCode)
	return nil
}

// Hold implements transport.Transport. Hold is a re-INVITE with a
// direction attribute; the far end pauses its stream on sendonly.
func (t *SIPTransport) Hold(ctx context.Context, s transport.SessionHandle, hold bool) error {
	t.mu.Lock()
	d := t.dialogs[s]
	if d == nil {
		t.mu.Unlock()
		return fmt.Errorf("unknown session %s", s)
	}
	if !d.answered {
		t.mu.Unlock()
		return fmt.Errorf("session %s not answered", s)
	}
	t.mu.Unlock()

	dir := media.DirSendRecv
	if hold {
		dir = media.DirSendOnly
	}
	offer, err := media.BuildOffer(media.Offer{
		Address:   t.cfg.MediaAddr,
		Port:      t.cfg.MediaPort,
		Formats:   []string{"0", "8", "101"},
		Direction: dir,
	})
	if err != nil {
		return fmt.Errorf("build hold offer: %w", err)
	}

	reinvite := t.buildInDialog(d, sip.INVITE)
	contentType := sip.ContentTypeHeader("application/sdp")
	reinvite.AppendHeader(&contentType)
	reinvite.SetBody(offer)

	resp, err := t.roundTrip(ctx, reinvite)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hold rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	if err := t.sendACK(d, reinvite, resp); err != nil {
		slog.Warn("[SIP] Re-INVITE ACK failed", "call_id", d.callID, "error", err)
	}

	t.mu.Lock()
	d.onHold = hold
	t.mu.Unlock()
	slog.Info("[SIP] Hold state changed", "call_id", d.callID, "on_hold", hold)
	return nil
}

// Refer implements transport.Transport. A REFER asks the far end to call
// the transfer target; the PBX then tears this dialog down.
func (t *SIPTransport) Refer(ctx context.Context, s transport.SessionHandle, target string) error {
	t.mu.Lock()
	d := t.dialogs[s]
	reg := t.reg
	t.mu.Unlock()
	if d == nil {
		return fmt.Errorf("unknown session %s", s)
	}

	refer := t.buildInDialog(d, "REFER")
	refer.AppendHeader(sip.NewHeader("Refer-To", fmt.Sprintf("<sip:%s@%s>", target, reg.Domain)))
	refer.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:%s@%s>", reg.Extension, reg.Domain)))

	resp, err := t.roundTrip(ctx, refer)
	if err != nil {
		return fmt.Errorf("send REFER: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	slog.Info("[SIP] Transfer accepted", "call_id", d.callID, "target", target)
	return nil
}

// SendDTMF implements transport.Transport: RFC 4733 over the media stream
// when audio is attached, INFO dtmf-relay otherwise.
func (t *SIPTransport) SendDTMF(ctx context.Context, s transport.SessionHandle, tone rune) error {
	if _, ok := media.ToneToEvent(tone); !ok {
		return fmt.Errorf("invalid DTMF tone %q", tone)
	}
	t.mu.Lock()
	d := t.dialogs[s]
	var sender *media.DTMFSender
	if d != nil {
		sender = d.dtmf
	}
	t.mu.Unlock()
	if d == nil {
		return fmt.Errorf("unknown session %s", s)
	}

	if sender != nil {
		if err := sender.SendTone(tone, 250*time.Millisecond); err != nil {
			return fmt.Errorf("send DTMF: %w", err)
		}
		return nil
	}

	info := t.buildInDialog(d, "INFO")
	contentType := sip.ContentTypeHeader("application/dtmf-relay")
	info.AppendHeader(&contentType)
	info.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", tone)))

	resp, err := t.roundTrip(ctx, info)
	if err != nil {
		return fmt.Errorf("send INFO: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dtmf rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// buildInDialog constructs a request inside an established dialog: the
// remote contact as Request-URI, both tags, and the next CSeq.
func (t *SIPTransport) buildInDialog(d *dialogState, method sip.RequestMethod) *sip.Request {
	t.mu.Lock()
	d.cseq++
	cseq := d.cseq
	requestURI := d.remoteContact
	t.mu.Unlock()

	req := sip.NewRequest(method, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{Address: d.fromURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", d.remoteTag)
	req.AppendHeader(&sip.ToHeader{Address: d.toURI, Params: toParams})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   d.fromURI.User,
			Host:   t.localHost,
			Port:   t.localPort,
		},
	})
	return req
}

// handleINVITE accepts inbound calls: ring the line and report upward.
func (t *SIPTransport) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	if existing := t.lookupByCallID(callID); existing != nil {
		// Re-INVITE on an established dialog (hold from the far end).
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Warn("[SIP] Re-INVITE response failed", "call_id", callID, "error", err)
		}
		return
	}

	t.mu.Lock()
	reg := t.reg
	t.mu.Unlock()

	d := &dialogState{
		handle:    transport.SessionHandle(uuid.New().String()),
		callID:    callID,
		localTag:  newTag(),
		inbound:   true,
		answered:  false,
		inviteTx:  tx,
		inviteReq: req,
		fromURI:   sip.Uri{Scheme: "sip", User: reg.Extension, Host: reg.Domain},
		cseq:      1,
	}

	var number, name string
	if from := req.From(); from != nil {
		number = from.Address.User
		name = from.DisplayName
		d.toURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		d.remoteContact = contact.Address
	}
	if len(req.Body()) > 0 {
		if addr, port, codec, err := media.ParseRemoteAudio(req.Body()); err == nil {
			d.remoteAddr = addr
			d.remotePort = port
			d.codec = codec
		}
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		slog.Error("[SIP] 180 Ringing failed", "call_id", callID, "error", err)
		return
	}

	t.storeDialog(d)
	slog.Info("[SIP] Incoming call", "call_id", callID, "from", number)

	if h := t.currentHandler(); h != nil {
		h.OnIncoming(transport.IncomingCall{
			Session:      d.handle,
			RemoteNumber: number,
			RemoteName:   name,
		})
	}
}

// handleBYE tears down a dialog on remote hangup.
func (t *SIPTransport) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	d := t.lookupByCallID(callID)

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[SIP] BYE response failed", "call_id", callID, "error", err)
	}
	if d == nil {
		slog.Debug("[SIP] BYE for unknown dialog", "call_id", callID)
		return
	}

	t.dropDialog(d)
	slog.Info("[SIP] Remote hangup", "call_id", callID)
	if h := t.currentHandler(); h != nil {
		h.OnBye(d.handle)
	}
}

func (t *SIPTransport) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	// ACK completes the inbound answer exchange; nothing to do.
}

// handleCANCEL ends a still-ringing inbound call: the caller gave up.
func (t *SIPTransport) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	d := t.lookupByCallID(callID)

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[SIP] CANCEL response failed", "call_id", callID, "error", err)
	}
	if d == nil || d.answered {
		return
	}

	t.mu.Lock()
	inviteTx := d.inviteTx
	inviteReq := d.inviteReq
	t.mu.Unlock()
	if inviteTx != nil {
		terminated := sip.NewResponseFromRequest(inviteReq, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := inviteTx.Respond(terminated); err != nil {
			slog.Warn("[SIP] 487 response failed", "call_id", callID, "error", err)
		}
	}

	t.dropDialog(d)
	slog.Info("[SIP] Caller cancelled", "call_id", callID)
	if h := t.currentHandler(); h != nil {
		h.OnBye(d.handle)
	}
}

// Ensure SIPTransport implements transport.Transport
var _ transport.Transport = (*SIPTransport)(nil)
