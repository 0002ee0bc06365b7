// Package transport defines the signaling capability the session controller
// drives. The controller never touches a concrete protocol stack; it only
// sees this interface. Production uses the sipgo-backed implementation in
// package siptransport, tests use the Mock in this package.
package transport

import (
	"context"
	"fmt"

	"github.com/sebas/callsign/internal/webphone/media"
)

// Registration carries the credentials and server endpoints needed to
// register an extension with the PBX.
type Registration struct {
	// Server is the signaling endpoint, e.g. "wss://sip.callsign.io:7443/ws"
	// or "udp://10.0.0.5:5060" for plain SIP.
	Server      string
	Domain      string
	Extension   string
	Password    string
	DisplayName string

	// NAT traversal servers handed to the media layer.
	STUNServers []string
	TURNServers []string
}

// SessionHandle is an opaque reference to one signaling session (one call).
type SessionHandle string

// ProgressKind describes a call-progress update pushed by the transport.
type ProgressKind int

const (
	// ProgressRinging - remote side is alerting (180/181).
	ProgressRinging ProgressKind = iota
	// ProgressEarlyMedia - media before answer (183).
	ProgressEarlyMedia
	// ProgressAnswered - call accepted (2xx).
	ProgressAnswered
	// ProgressFailed - setup failed (4xx-6xx or timeout).
	ProgressFailed
)

// String returns the string representation of the progress kind.
func (k ProgressKind) String() string {
	switch k {
	case ProgressRinging:
		return "ringing"
	case ProgressEarlyMedia:
		return "early_media"
	case ProgressAnswered:
		return "answered"
	case ProgressFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Progress is one call-progress update for a session.
type Progress struct {
	Session SessionHandle
	Kind    ProgressKind
	// Code and Reason carry protocol detail for ProgressFailed.
	Code   int
	Reason string
}

// IncomingCall describes an inbound invite delivered by the transport.
type IncomingCall struct {
	Session      SessionHandle
	RemoteNumber string
	RemoteName   string
}

// Handler receives asynchronous transport events. All callbacks are invoked
// from the transport's own goroutines; implementations must be safe for that.
type Handler interface {
	// OnIncoming is called when a remote invite arrives.
	OnIncoming(call IncomingCall)

	// OnProgress is called as an outbound call advances.
	OnProgress(p Progress)

	// OnBye is called when the remote party ends an established call.
	OnBye(session SessionHandle)
}

// Transport is the signaling capability: registration plus the
// invite/bye/hold/refer/DTMF primitives, keyed by opaque session handles.
type Transport interface {
	// SetHandler installs the event sink. Must be called before Register.
	SetHandler(h Handler)

	// Register authenticates the extension with the signaling server.
	Register(ctx context.Context, reg Registration) error

	// Unregister drops the registration and releases transport resources.
	// Safe to call when not registered.
	Unregister(ctx context.Context) error

	// Invite starts an outbound call and returns its session handle.
	// Progress is reported through the Handler.
	Invite(ctx context.Context, number string) (SessionHandle, error)

	// Answer accepts an inbound invite.
	Answer(ctx context.Context, s SessionHandle) error

	// AttachAudio directs decoded inbound audio for an answered session
	// into the sink. No-op when audio is already attached.
	AttachAudio(ctx context.Context, s SessionHandle, sink *media.Sink) error

	// Bye ends a session. During setup it cancels the pending invite;
	// once answered it performs the bye exchange.
	Bye(ctx context.Context, s SessionHandle) error

	// Hold drives the hold/unhold exchange for an answered session.
	Hold(ctx context.Context, s SessionHandle, hold bool) error

	// Refer performs a blind transfer of an answered session.
	Refer(ctx context.Context, s SessionHandle, target string) error

	// SendDTMF forwards one tone on an answered session.
	SendDTMF(ctx context.Context, s SessionHandle, tone rune) error
}
