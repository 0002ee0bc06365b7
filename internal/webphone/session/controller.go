// Package session owns the user's call-signaling session: the connection
// and call state machines, the call-control API, and audio-device binding
// orchestration. One Controller instance manages at most one call.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callsign/internal/format"
	"github.com/sebas/callsign/internal/webphone/device"
	"github.com/sebas/callsign/internal/webphone/media"
	"github.com/sebas/callsign/internal/webphone/transport"
)

const (
	// DefaultSettleDelay is how long a terminated call is shown before the
	// slot settles back to idle and the record resets.
	DefaultSettleDelay = 1 * time.Second

	// DefaultRingTimeout bounds unanswered outbound setup. A negative
	// Config.RingTimeout disables the guard.
	DefaultRingTimeout = 60 * time.Second
)

// Backend is the PBX boundary the controller needs: the device list, the
// click-to-call flow for non-softphone bindings, and server-side audio-path
// routing.
type Backend interface {
	// Devices returns the endpoints registered to this extension.
	Devices(ctx context.Context) ([]device.Binding, error)

	// ClickToCall rings the bound device, then bridges it to destination.
	ClickToCall(ctx context.Context, extension, destination, deviceID string) error

	// RouteAudio re-points the server-side audio path at the device.
	RouteAudio(ctx context.Context, deviceID string) error
}

// Config carries the session configuration.
type Config struct {
	Registration transport.Registration
	SettleDelay  time.Duration
	RingTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	return c
}

// Snapshot is an immutable view of session state handed to observers.
type Snapshot struct {
	Connection  ConnectionState
	Call        CallState
	Record      CallRecord
	BoundDevice device.Binding
	Err         error
}

// Controller orchestrates the signaling transport and the device registry
// and exposes the call-control API. Construct with NewController; there is
// no package-level instance.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	tr      transport.Transport
	backend Backend
	devices *device.Registry

	conn    ConnectionState
	call    CallState
	record  CallRecord
	session transport.SessionHandle
	lastErr error

	observers []func(Snapshot)

	settle    *time.Timer
	ringGuard *time.Timer
	durStop   chan struct{}

	localSink  *media.Sink
	remoteSink *media.Sink

	initialized bool
}

// NewController creates a session controller. The transport's handler is
// installed here; Initialize must run before Connect.
func NewController(cfg Config, tr transport.Transport, backend Backend) *Controller {
	c := &Controller{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		backend: backend,
		devices: device.NewRegistry(),
	}
	tr.SetHandler((*transportEvents)(c))
	return c
}

// OnChange registers an observer invoked with a state snapshot after every
// mutation. Observers run on the mutating goroutine; keep them fast.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current state snapshot.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Devices returns the device registry.
func (c *Controller) Devices() *device.Registry {
	return c.devices
}

// Initialize stores the signaling configuration, populates the device
// registry from the backend, and provisions the local audio sinks when the
// softphone owns the binding. Safe to call again to refresh devices.
func (c *Controller) Initialize(ctx context.Context, reg transport.Registration) error {
	c.mu.Lock()
	mergeRegistration(&c.cfg.Registration, reg)
	c.mu.Unlock()

	list, err := c.backend.Devices(ctx)
	if err != nil {
		return transportErr("device refresh", err)
	}
	c.devices.Replace(list)

	c.mu.Lock()
	active, _ := c.devices.Active()
	if active.Kind == device.KindSoftphone && c.localSink == nil {
		// Local sink starts muted - you don't want to hear yourself.
		c.localSink = media.NewSink(true)
		c.remoteSink = media.NewSink(false)
	}
	c.initialized = true
	c.mu.Unlock()

	slog.Info("[Session] Initialized",
		"extension", reg.Extension,
		"devices", c.devices.Count(),
	)
	c.publish()
	return nil
}

// Connect registers with the signaling server. No-op when already
// registered; a connect racing an in-flight attempt starts no second
// registration. Failures are captured into session state.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.conn {
	case Connected, Registered:
		c.mu.Unlock()
		return nil
	case Connecting:
		c.mu.Unlock()
		slog.Debug("[Session] Connect already in flight")
		return nil
	}
	c.conn = Connecting
	c.lastErr = nil
	reg := c.cfg.Registration
	c.mu.Unlock()
	c.publish()

	err := c.tr.Register(ctx, reg)

	c.mu.Lock()
	if err != nil {
		c.conn = Failed
		c.lastErr = transportErr("register", err)
		c.mu.Unlock()
		c.publish()
		slog.Error("[Session] Registration failed", "error", err)
		return c.State().Err
	}
	c.conn = Registered
	c.mu.Unlock()
	c.publish()

	slog.Info("[Session] Registered", "extension", reg.Extension)
	return nil
}

// Disconnect hangs up any active call, stops the transport, and returns
// the session to Disconnected.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	active := c.call.Active()
	c.mu.Unlock()

	if active {
		c.Hangup(ctx)
	}

	c.mu.Lock()
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.call = CallIdle
	c.record.reset()
	c.mu.Unlock()

	err := c.tr.Unregister(ctx)

	c.mu.Lock()
	c.conn = Disconnected
	c.mu.Unlock()
	c.publish()

	slog.Info("[Session] Disconnected")
	if err != nil {
		return transportErr("unregister", err)
	}
	return nil
}

// BindToDevice swaps the active audio binding to the device with the given
// id. When leaving the softphone, the server-side audio path is re-pointed
// before the local sinks are torn down, so there is no audio gap.
func (c *Controller) BindToDevice(ctx context.Context, id string) error {
	var target device.Binding
	found := false
	for _, d := range c.devices.List() {
		if d.ID == id {
			target = d
			found = true
			break
		}
	}
	if !found {
		return device.ErrNotFound
	}

	if target.Kind != device.KindSoftphone {
		if err := c.backend.RouteAudio(ctx, id); err != nil {
			return transportErr("audio route", err)
		}
	}

	if _, err := c.devices.Bind(id); err != nil {
		return err
	}

	c.mu.Lock()
	if target.Kind == device.KindSoftphone {
		if c.localSink == nil {
			c.localSink = media.NewSink(true)
			c.remoteSink = media.NewSink(false)
		}
	} else if c.localSink != nil {
		c.localSink.Close()
		c.remoteSink.Close()
		c.localSink = nil
		c.remoteSink = nil
	}
	c.mu.Unlock()

	slog.Info("[Session] Bound to device", "device", target.DisplayName, "kind", target.Kind)
	c.publish()
	return nil
}

// UnbindDevice rebinds to the softphone entry. No-op (and no error) when
// no softphone is registered.
func (c *Controller) UnbindDevice(ctx context.Context) error {
	softphone, ok := c.devices.Softphone()
	if !ok {
		return nil
	}
	return c.BindToDevice(ctx, softphone.ID)
}

// Call starts an outbound call. Fails with ErrAlreadyOnCall unless the call
// slot is idle and ErrNotRegistered unless the session is registered. With
// a non-softphone binding, setup goes through the click-to-call flow.
func (c *Controller) Call(ctx context.Context, number string) error {
	c.mu.Lock()
	if c.conn != Registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if c.call != CallIdle {
		c.mu.Unlock()
		return ErrAlreadyOnCall
	}
	c.transitionLocked(CallDialing)
	c.record = CallRecord{
		ID:           uuid.New().String(),
		RemoteNumber: number,
		Direction:    DirectionOutbound,
	}
	callID := c.record.ID
	c.lastErr = nil
	extension := c.cfg.Registration.Extension
	c.mu.Unlock()
	c.publish()

	active, _ := c.devices.Active()
	if active.Kind != device.KindSoftphone {
		slog.Info("[Session] Click-to-call via bound device",
			"device", active.DisplayName,
			"number", number,
		)
		if err := c.backend.ClickToCall(ctx, extension, number, active.ID); err != nil {
			c.failCall(transportErr("click-to-call", err))
			return c.State().Err
		}
		// The PBX rings the bound device first; reflect that locally.
		c.mu.Lock()
		c.transitionLocked(CallRinging)
		c.mu.Unlock()
		c.publish()
		return nil
	}

	slog.Info("[Session] Calling", "number", number)
	handle, err := c.tr.Invite(ctx, number)
	if err != nil {
		c.failCall(transportErr("invite", err))
		return c.State().Err
	}

	c.mu.Lock()
	if c.call != CallDialing || c.record.ID != callID {
		// Hangup landed while the invite was in flight; the far end must
		// not keep ringing.
		c.mu.Unlock()
		if err := c.tr.Bye(ctx, handle); err != nil {
			slog.Warn("[Session] Bye for abandoned call failed", "error", err)
		}
		return nil
	}
	c.session = handle
	c.armRingGuardLocked()
	c.mu.Unlock()
	return nil
}

// Answer accepts an inbound call. Valid only while ringing inbound.
func (c *Controller) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.call != CallRinging || c.record.Direction != DirectionInbound {
		c.mu.Unlock()
		return ErrInvalidState
	}
	handle := c.session
	c.mu.Unlock()

	if err := c.tr.Answer(ctx, handle); err != nil {
		c.mu.Lock()
		c.lastErr = transportErr("answer", err)
		c.mu.Unlock()
		c.publish()
		return c.State().Err
	}

	c.establish(ctx)
	return nil
}

// Hangup ends the current call from any non-idle state: it cancels
// in-flight setup and tears down established calls, both converging on
// Terminated immediately and idle after the settle delay. Returns false
// when there was no call.
func (c *Controller) Hangup(ctx context.Context) bool {
	c.mu.Lock()
	if c.call == CallIdle {
		c.mu.Unlock()
		return false
	}
	handle := c.session
	c.mu.Unlock()

	if handle != "" {
		if err := c.tr.Bye(ctx, handle); err != nil {
			slog.Warn("[Session] Bye failed", "error", err)
		}
	}

	slog.Info("[Session] Hung up")
	c.terminate()
	return true
}

// ToggleMute flips the mute flag. Permitted only while established.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	if c.call != CallEstablished {
		c.mu.Unlock()
		return false, ErrInvalidState
	}
	c.record.Muted = !c.record.Muted
	muted := c.record.Muted
	c.mu.Unlock()
	c.publish()
	slog.Debug("[Session] Mute", "muted", muted)
	return muted, nil
}

// ToggleHold drives the transport hold/unhold exchange. Permitted while
// established or holding/held.
func (c *Controller) ToggleHold(ctx context.Context) (bool, error) {
	c.mu.Lock()
	switch c.call {
	case CallEstablished, CallHolding, CallHeld:
	default:
		c.mu.Unlock()
		return false, ErrInvalidState
	}
	hold := !c.record.OnHold
	handle := c.session
	if hold {
		c.transitionLocked(CallHolding)
	}
	c.mu.Unlock()
	c.publish()

	err := c.tr.Hold(ctx, handle, hold)

	c.mu.Lock()
	if err != nil {
		// The exchange failed, the call is still live. A failed hold
		// reverts to Established; a failed unhold stays Held.
		if hold {
			c.transitionLocked(CallEstablished)
		}
		c.lastErr = transportErr("hold", err)
		onHold := c.record.OnHold
		c.mu.Unlock()
		c.publish()
		return onHold, c.State().Err
	}
	c.record.OnHold = hold
	if hold {
		c.transitionLocked(CallHeld)
	} else {
		c.transitionLocked(CallEstablished)
	}
	c.mu.Unlock()
	c.publish()

	slog.Debug("[Session] Hold", "on_hold", hold)
	return hold, nil
}

// SendDTMF forwards one tone. Permitted only while established; no local
// state change.
func (c *Controller) SendDTMF(ctx context.Context, tone rune) error {
	c.mu.Lock()
	if c.call != CallEstablished {
		c.mu.Unlock()
		return ErrInvalidState
	}
	handle := c.session
	c.mu.Unlock()

	if err := c.tr.SendDTMF(ctx, handle, tone); err != nil {
		return transportErr("dtmf", err)
	}
	return nil
}

// Transfer performs a blind transfer. Permitted only while established;
// the remote bye that follows drives the state change.
func (c *Controller) Transfer(ctx context.Context, target string) error {
	c.mu.Lock()
	if c.call != CallEstablished {
		c.mu.Unlock()
		return ErrInvalidState
	}
	handle := c.session
	c.mu.Unlock()

	if err := c.tr.Refer(ctx, handle, target); err != nil {
		return transportErr("refer", err)
	}
	slog.Info("[Session] Transfer requested", "target", target)
	return nil
}

// NoteDeviceRinging reflects a PBX-reported inbound call ringing the bound
// device. Softphone bindings ignore it: the SIP invite drives those. Busy
// slots ignore it too.
func (c *Controller) NoteDeviceRinging(remote, name string) {
	active, _ := c.devices.Active()
	if active.Kind == device.KindSoftphone {
		return
	}
	c.mu.Lock()
	if c.call != CallIdle {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(CallRinging)
	c.record = CallRecord{
		ID:           uuid.New().String(),
		RemoteNumber: remote,
		RemoteName:   name,
		Direction:    DirectionInbound,
	}
	c.mu.Unlock()
	c.publish()
	slog.Info("[Session] Bound device ringing", "from", remote)
}

// NoteDeviceCallEnded clears an inbound device-leg call when the PBX
// reports it over. Calls with a signaling session are untouched: their
// transport events drive the teardown.
func (c *Controller) NoteDeviceCallEnded() {
	c.mu.Lock()
	deviceLeg := c.session == "" && c.call.Active() && c.record.Direction == DirectionInbound
	c.mu.Unlock()
	if !deviceLeg {
		return
	}
	c.terminate()
}

// --- internal state plumbing ---

// transitionLocked applies a call-state edge, logging invalid ones without
// changing state. Callers must hold the lock.
func (c *Controller) transitionLocked(next CallState) {
	if c.call == next {
		return
	}
	if !c.call.CanTransitionTo(next) {
		slog.Warn("[Session] Invalid call transition",
			"from", c.call,
			"to", next,
		)
		return
	}
	c.call = next
}

// establish moves the call to Established, attaches the softphone audio
// path, and starts the duration timer.
func (c *Controller) establish(ctx context.Context) {
	c.mu.Lock()
	c.transitionLocked(CallEstablished)
	c.record.StartTime = time.Now()
	c.record.DurationSeconds = 0
	c.cancelRingGuardLocked()
	stop := make(chan struct{})
	c.durStop = stop
	sink := c.remoteSink
	handle := c.session
	c.mu.Unlock()
	c.publish()

	if sink != nil && handle != "" {
		if err := c.tr.AttachAudio(ctx, handle, sink); err != nil {
			slog.Warn("[Session] Audio attach failed", "error", err)
		}
	}

	go c.runDurationTimer(stop)
	slog.Info("[Session] Call established", "call_id", c.State().Record.ID)
}

// terminate moves any active call to Terminated and schedules the settle
// transition back to idle.
func (c *Controller) terminate() {
	c.mu.Lock()
	if !c.call.Active() {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(CallTerminated)
	c.session = ""
	c.cancelRingGuardLocked()
	c.stopDurationTimerLocked()
	if c.settle != nil {
		c.settle.Stop()
	}
	c.settle = time.AfterFunc(c.cfg.SettleDelay, c.settleToIdle)
	remote := c.record.RemoteNumber
	seconds := c.record.DurationSeconds
	c.mu.Unlock()
	c.publish()

	slog.Info("[Session] Call ended",
		"remote", format.PhoneNumber(remote),
		"duration", format.Duration(seconds),
	)
}

// settleToIdle completes Terminated -> Idle and resets the record. The
// guard makes a stale timer harmless if state moved on meanwhile.
func (c *Controller) settleToIdle() {
	c.mu.Lock()
	if c.call != CallTerminated {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(CallIdle)
	c.record.reset()
	c.session = ""
	c.settle = nil
	c.mu.Unlock()
	c.publish()
}

// failCall captures a setup failure and frees the slot immediately; setup
// failures skip the settle delay.
func (c *Controller) failCall(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.transitionLocked(CallTerminated)
	c.transitionLocked(CallIdle)
	c.record.reset()
	c.session = ""
	c.cancelRingGuardLocked()
	c.mu.Unlock()
	c.publish()
	slog.Error("[Session] Call failed", "error", err)
}

// armRingGuardLocked bounds unanswered setup. Callers must hold the lock.
func (c *Controller) armRingGuardLocked() {
	if c.cfg.RingTimeout <= 0 {
		return
	}
	c.ringGuard = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.mu.Lock()
		inSetup := c.call.InSetup()
		handle := c.session
		c.mu.Unlock()
		if !inSetup {
			return
		}
		slog.Info("[Session] Ring timeout", "timeout", c.cfg.RingTimeout)
		if handle != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.tr.Bye(ctx, handle); err != nil {
				slog.Warn("[Session] Ring timeout bye failed", "error", err)
			}
		}
		c.terminate()
	})
}

// cancelRingGuardLocked stops the ring timer. Callers must hold the lock.
func (c *Controller) cancelRingGuardLocked() {
	if c.ringGuard != nil {
		c.ringGuard.Stop()
		c.ringGuard = nil
	}
}

// stopDurationTimerLocked stops the duration ticker. Callers must hold the
// lock.
func (c *Controller) stopDurationTimerLocked() {
	if c.durStop != nil {
		close(c.durStop)
		c.durStop = nil
	}
}

// runDurationTimer ticks the call duration once per second while the call
// stays up.
func (c *Controller) runDurationTimer(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.record.StartTime.IsZero() {
				c.mu.Unlock()
				continue
			}
			c.record.DurationSeconds = int(time.Since(c.record.StartTime) / time.Second)
			c.mu.Unlock()
			c.publish()
		}
	}
}

// snapshotLocked builds a snapshot. Callers must hold the lock.
func (c *Controller) snapshotLocked() Snapshot {
	bound, _ := c.devices.Active()
	return Snapshot{
		Connection:  c.conn,
		Call:        c.call,
		Record:      c.record,
		BoundDevice: bound,
		Err:         c.lastErr,
	}
}

// publish hands the current snapshot to every observer. Never call with
// the lock held.
func (c *Controller) publish() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	obs := append([]func(Snapshot){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

// mergeRegistration overlays non-empty fields of src onto dst.
func mergeRegistration(dst *transport.Registration, src transport.Registration) {
	if src.Server != "" {
		dst.Server = src.Server
	}
	if src.Domain != "" {
		dst.Domain = src.Domain
	}
	if src.Extension != "" {
		dst.Extension = src.Extension
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if len(src.STUNServers) > 0 {
		dst.STUNServers = src.STUNServers
	}
	if len(src.TURNServers) > 0 {
		dst.TURNServers = src.TURNServers
	}
}

// transportEvents adapts transport callbacks onto the controller without
// exporting the handler methods on Controller itself.
type transportEvents Controller

// OnIncoming implements transport.Handler.
func (e *transportEvents) OnIncoming(call transport.IncomingCall) {
	c := (*Controller)(e)
	c.mu.Lock()
	if c.call != CallIdle {
		c.mu.Unlock()
		slog.Info("[Session] Busy, ignoring inbound invite", "from", call.RemoteNumber)
		return
	}
	c.transitionLocked(CallRinging)
	c.record = CallRecord{
		ID:           uuid.New().String(),
		RemoteNumber: call.RemoteNumber,
		RemoteName:   call.RemoteName,
		Direction:    DirectionInbound,
	}
	c.session = call.Session
	c.mu.Unlock()
	c.publish()
	slog.Info("[Session] Incoming call", "from", call.RemoteNumber)
}

// OnProgress implements transport.Handler.
func (e *transportEvents) OnProgress(p transport.Progress) {
	c := (*Controller)(e)
	c.mu.Lock()
	if p.Session != c.session {
		c.mu.Unlock()
		return
	}
	switch p.Kind {
	case transport.ProgressRinging:
		c.transitionLocked(CallRinging)
		c.mu.Unlock()
		c.publish()
	case transport.ProgressEarlyMedia:
		c.transitionLocked(CallEarlyMedia)
		c.mu.Unlock()
		c.publish()
	case transport.ProgressAnswered:
		c.mu.Unlock()
		c.establish(context.Background())
	case transport.ProgressFailed:
		c.mu.Unlock()
		c.failCall(transportErr("invite", &progressFailure{code: p.Code, reason: p.Reason}))
	default:
		c.mu.Unlock()
	}
}

// OnBye implements transport.Handler.
func (e *transportEvents) OnBye(s transport.SessionHandle) {
	c := (*Controller)(e)
	c.mu.Lock()
	if s != c.session {
		c.mu.Unlock()
		return
	}
	c.session = ""
	c.mu.Unlock()
	slog.Info("[Session] Remote hangup")
	c.terminate()
}

// progressFailure carries the protocol detail of a failed setup.
type progressFailure struct {
	code   int
	reason string
}

func (p *progressFailure) Error() string {
	if p.reason == "" {
		return fmt.Sprintf("call setup failed (%d)", p.code)
	}
	return fmt.Sprintf("%d %s", p.code, p.reason)
}
