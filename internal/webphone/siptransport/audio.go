package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/sebas/callsign/internal/webphone/media"
	"github.com/sebas/callsign/internal/webphone/transport"
)

// AttachAudio implements transport.Transport. It opens the local RTP socket
// advertised in the offer, decodes the inbound stream into the sink, and
// readies the RFC 4733 sender for DTMF.
func (t *SIPTransport) AttachAudio(ctx context.Context, s transport.SessionHandle, sink *media.Sink) error {
	t.mu.Lock()
	d := t.dialogs[s]
	if d == nil {
		t.mu.Unlock()
		return fmt.Errorf("unknown session %s", s)
	}
	if d.stream != nil {
		t.mu.Unlock()
		return nil
	}
	if d.remoteAddr == "" {
		t.mu.Unlock()
		return fmt.Errorf("no remote media for session %s", s)
	}
	remote := net.JoinHostPort(d.remoteAddr, strconv.Itoa(d.remotePort))
	codec := d.codec
	t.mu.Unlock()

	local := net.JoinHostPort(t.cfg.MediaAddr, strconv.Itoa(t.cfg.MediaPort))
	stream, err := media.ListenStream(local)
	if err != nil {
		return fmt.Errorf("open RTP socket: %w", err)
	}
	if err := stream.SetPeer(remote); err != nil {
		stream.Close()
		return fmt.Errorf("set RTP peer: %w", err)
	}

	t.mu.Lock()
	d.stream = stream
	d.dtmf = media.NewDTMFSender(stream)
	t.mu.Unlock()

	go func() {
		if err := media.NewReceiver(codec, sink).Run(stream); err != nil {
			slog.Debug("[SIP] Media stream closed", "call_id", d.callID, "error", err)
		}
	}()

	slog.Info("[SIP] Audio attached", "call_id", d.callID, "peer", remote)
	return nil
}
