package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/callsign/internal/webphone/transport"
)

// registerRefresher re-registers at half the expiry interval to keep the
// binding alive.
type registerRefresher struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (r *registerRefresher) schedule(interval time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(interval, fn)
}

func (r *registerRefresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Register implements transport.Transport. It sends a REGISTER, answers the
// registrar's digest challenge, and schedules periodic refresh.
func (t *SIPTransport) Register(ctx context.Context, reg transport.Registration) error {
	t.mu.Lock()
	t.reg = reg
	t.mu.Unlock()

	if err := t.sendRegister(ctx, t.cfg.Expiry); err != nil {
		return err
	}

	t.mu.Lock()
	refresh := time.Duration(t.cfg.Expiry) * time.Second / 2
	t.refresh.schedule(refresh, t.refreshRegistration)
	t.mu.Unlock()

	slog.Info("[SIP] Registered",
		"extension", reg.Extension,
		"server", reg.Server,
		"expiry", t.cfg.Expiry,
	)
	return nil
}

// Unregister implements transport.Transport. A zero-expiry REGISTER removes
// the binding.
func (t *SIPTransport) Unregister(ctx context.Context) error {
	t.mu.Lock()
	t.refresh.stop()
	registered := t.reg.Extension != ""
	t.mu.Unlock()

	if !registered {
		return nil
	}
	if err := t.sendRegister(ctx, 0); err != nil {
		return err
	}
	slog.Info("[SIP] Unregistered")
	return nil
}

func (t *SIPTransport) refreshRegistration() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.sendRegister(ctx, t.cfg.Expiry); err != nil {
		slog.Warn("[SIP] Registration refresh failed", "error", err)
	}
	t.mu.Lock()
	refresh := time.Duration(t.cfg.Expiry) * time.Second / 2
	t.refresh.schedule(refresh, t.refreshRegistration)
	t.mu.Unlock()
}

// sendRegister performs one REGISTER exchange, retrying once with
// credentials when challenged.
func (t *SIPTransport) sendRegister(ctx context.Context, expiry int) error {
	t.mu.Lock()
	reg := t.reg
	t.mu.Unlock()

	host, port := t.serverHost()
	req := t.buildRegister(reg, host, port, expiry, 1, nil)

	resp, err := t.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == 401 || resp.StatusCode == 407 {
		authz, err := answerChallenge(resp, sip.REGISTER.String(), req.Recipient.String(), reg)
		if err != nil {
			return err
		}
		req = t.buildRegister(reg, host, port, expiry, 2, authz)
		resp, err = t.roundTrip(ctx, req)
		if err != nil {
			return err
		}
	}


	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("register rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func (t *SIPTransport) buildRegister(reg transport.Registration, host string, port, expiry int, cseq uint32, authz sip.Header) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", Host: host, Port: port}
	req := sip.NewRequest(sip.REGISTER, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	aor := sip.Uri{Scheme: "sip", User: reg.Extension, Host: reg.Domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{
		DisplayName: reg.DisplayName,
		Address:     aor,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})

	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   reg.Extension,
			Host:   t.localHost,
			Port:   t.localPort,
		},
	})

	expires := sip.ExpiresHeader(expiry)
	req.AppendHeader(&expires)

	if authz != nil {
		req.AppendHeader(authz)
	}
	return req
}

// roundTrip sends a request and waits for its final response.
func (t *SIPTransport) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s transaction ended without response", req.Method)
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated", req.Method)
		}
	}
}

// answerChallenge computes the digest answer header for a 401/407 response.
func answerChallenge(resp *sip.Response, method, uri string, reg transport.Registration) (sip.Header, error) {
	challengeHdr, answerName := "WWW-Authenticate", "Authorization"
	hdr := resp.GetHeader(challengeHdr)
	if hdr == nil {
		challengeHdr, answerName = "Proxy-Authenticate", "Proxy-Authorization"
		hdr = resp.GetHeader(challengeHdr)
	}
	if hdr == nil {
		return nil, fmt.Errorf("challenge response without authenticate header")
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: reg.Extension,
		Password: reg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}
	return sip.NewHeader(answerName, cred.String()), nil
}

func newTag() string {
	return uuid.New().String()[:8]
}
