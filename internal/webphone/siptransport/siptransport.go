// Package siptransport implements the signaling transport on top of sipgo.
// It speaks plain SIP over UDP: REGISTER with digest auth, INVITE dialogs
// for calls, re-INVITE for hold, INFO for DTMF, and REFER for blind
// transfer.
package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callsign/internal/webphone/media"
	"github.com/sebas/callsign/internal/webphone/transport"
)

// Config holds transport configuration.
type Config struct {
	// ListenAddr is the local SIP bind address, host:port.
	ListenAddr string

	// MediaAddr and MediaPort advertise the local RTP endpoint in offers.
	MediaAddr string
	MediaPort int

	// Expiry is the registration lifetime in seconds.
	Expiry int
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5566"
	}
	if c.MediaPort == 0 {
		c.MediaPort = 40000
	}
	if c.Expiry == 0 {
		c.Expiry = 300
	}
	return c
}

// SIPTransport is the sipgo-backed implementation of transport.Transport.
type SIPTransport struct {
	cfg Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu       sync.Mutex
	handler  transport.Handler
	reg      transport.Registration
	dialogs  map[transport.SessionHandle]*dialogState
	byCallID map[string]transport.SessionHandle
	refresh  registerRefresher

	localHost string
	localPort int
}

// dialogState tracks one SIP dialog from invite to bye.
type dialogState struct {
	handle   transport.SessionHandle
	callID   string
	localTag string

	remoteTag     string
	remoteContact sip.Uri
	toURI         sip.Uri
	fromURI       sip.Uri
	fromDisplay   string

	cseq     uint32
	answered bool
	inbound  bool
	onHold   bool

	// Pending inbound invite, held until Answer or reject.
	inviteTx  sip.ServerTransaction
	inviteReq *sip.Request

	// Cancels the outbound response watcher.
	cancel context.CancelFunc

	remoteAddr string
	remotePort int
	codec      media.Codec

	// Live RTP endpoint, present once audio is attached.
	stream *media.Stream
	dtmf   *media.DTMFSender
}

// New creates the transport and starts the SIP listener.
func New(ctx context.Context, cfg Config) (*SIPTransport, error) {
	cfg = cfg.withDefaults()

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("parse listen addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("parse listen port: %w", err)
	}
	if cfg.MediaAddr == "" {
		cfg.MediaAddr = host
	}

	t := &SIPTransport{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		dialogs:   make(map[transport.SessionHandle]*dialogState),
		byCallID:  make(map[string]transport.SessionHandle),
		localHost: host,
		localPort: port,
	}

	srv.OnRequest(sip.INVITE, t.handleINVITE)
	srv.OnRequest(sip.BYE, t.handleBYE)
	srv.OnRequest(sip.ACK, t.handleACK)
	srv.OnRequest(sip.CANCEL, t.handleCANCEL)
	srv.OnRequest(sip.OPTIONS, t.handleOPTIONS)

	go func() {
		if err := srv.ListenAndServe(ctx, "udp", cfg.ListenAddr); err != nil {
			slog.Error("[SIP] Listener stopped", "addr", cfg.ListenAddr, "error", err)
		}
	}()

	slog.Info("[SIP] Transport listening", "addr", cfg.ListenAddr)
	return t, nil
}

// SetHandler implements transport.Transport.
func (t *SIPTransport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Close stops the refresh timer and releases the SIP stack.
func (t *SIPTransport) Close() error {
	t.mu.Lock()
	t.refresh.stop()
	t.mu.Unlock()
	return t.ua.Close()
}

func (t *SIPTransport) currentHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *SIPTransport) lookupByCallID(callID string) *dialogState {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok := t.byCallID[callID]
	if !ok {
		return nil
	}
	return t.dialogs[handle]
}

func (t *SIPTransport) storeDialog(d *dialogState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialogs[d.handle] = d
	t.byCallID[d.callID] = d.handle
}

func (t *SIPTransport) dropDialog(d *dialogState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.stream != nil {
		d.stream.Close()
		d.stream = nil
		d.dtmf = nil
	}
	delete(t.dialogs, d.handle)
	delete(t.byCallID, d.callID)
}

// serverHost returns the registrar host and port from the configured server
// address, defaulting the port to 5060.
func (t *SIPTransport) serverHost() (string, int) {
	t.mu.Lock()
	server := t.reg.Server
	domain := t.reg.Domain
	t.mu.Unlock()

	if server == "" {
		server = domain
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return server, 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 5060
	}
	return host, port
}

// handleOPTIONS answers keepalive pings from the PBX.
func (t *SIPTransport) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[SIP] OPTIONS response failed", "error", err)
	}
}
