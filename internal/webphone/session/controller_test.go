package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callsign/internal/webphone/device"
	"github.com/sebas/callsign/internal/webphone/transport"
)

type fakeBackend struct {
	mu         sync.Mutex
	devices    []device.Binding
	devicesErr error
	clickErr   error
	routeErr   error
	clicks     [][3]string
	routes     []string
}

func (b *fakeBackend) Devices(ctx context.Context) ([]device.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.devicesErr != nil {
		return nil, b.devicesErr
	}
	return append([]device.Binding(nil), b.devices...), nil
}

func (b *fakeBackend) ClickToCall(ctx context.Context, extension, destination, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clickErr != nil {
		return b.clickErr
	}
	b.clicks = append(b.clicks, [3]string{extension, destination, deviceID})
	return nil
}

func (b *fakeBackend) RouteAudio(ctx context.Context, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.routeErr != nil {
		return b.routeErr
	}
	b.routes = append(b.routes, deviceID)
	return nil
}

func testDevices() []device.Binding {
	return []device.Binding{
		{ID: "sp-1", Kind: device.KindSoftphone, DisplayName: "Softphone"},
		{ID: "dp-1", Kind: device.KindDeskPhone, DisplayName: "Desk Phone", MAC: "00:11:22:33:44:55"},
	}
}

func newTestController(t *testing.T) (*Controller, *transport.Mock, *fakeBackend) {
	t.Helper()
	mock := transport.NewMock()
	backend := &fakeBackend{devices: testDevices()}
	c := NewController(Config{
		SettleDelay: 10 * time.Millisecond,
		RingTimeout: -1,
	}, mock, backend)
	require.NoError(t, c.Initialize(context.Background(), transport.Registration{
		Server:    "pbx.example.com:5060",
		Domain:    "pbx.example.com",
		Extension: "1001",
		Password:  "secret",
	}))
	return c, mock, backend
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, Registered, c.State().Connection)
}

// establishOutbound dials and answers a call, returning its handle.
func establishOutbound(t *testing.T, c *Controller, m *transport.Mock) transport.SessionHandle {
	t.Helper()
	require.NoError(t, c.Call(context.Background(), "5551234"))
	s := m.LastSession()
	m.FireProgress(s, transport.ProgressAnswered)
	require.Equal(t, CallEstablished, c.State().Call)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRegisters(t *testing.T) {
	c, mock, _ := newTestController(t)

	connect(t, c)
	assert.True(t, mock.Registered())
	assert.Equal(t, 1, mock.RegisterCalls())

	// Repeated connect while registered starts no second registration.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, mock.RegisterCalls())
}

func TestConnectFailure(t *testing.T) {
	c, mock, _ := newTestController(t)
	mock.RegisterErr = errors.New("408 request timeout")

	err := c.Connect(context.Background())
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "register", te.Op)
	assert.Equal(t, Failed, c.State().Connection)

	// A later attempt recovers.
	mock.RegisterErr = nil
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, Registered, c.State().Connection)
	assert.NoError(t, c.State().Err)
}

func TestOutboundCallLifecycle(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	snap := c.State()
	assert.Equal(t, CallDialing, snap.Call)
	assert.Equal(t, DirectionOutbound, snap.Record.Direction)
	assert.Equal(t, "5551234", snap.Record.RemoteNumber)
	assert.NotEmpty(t, snap.Record.ID)

	s := mock.LastSession()
	mock.FireProgress(s, transport.ProgressRinging)
	assert.Equal(t, CallRinging, c.State().Call)

	mock.FireProgress(s, transport.ProgressAnswered)
	snap = c.State()
	assert.Equal(t, CallEstablished, snap.Call)
	assert.False(t, snap.Record.StartTime.IsZero())

	assert.True(t, c.Hangup(context.Background()))
	assert.Equal(t, CallTerminated, c.State().Call)
	assert.Equal(t, []transport.SessionHandle{s}, mock.ByeCalls())

	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")
	assert.Empty(t, c.State().Record.ID)
}

func TestEarlyMediaProgress(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	s := mock.LastSession()
	mock.FireProgress(s, transport.ProgressEarlyMedia)
	assert.Equal(t, CallEarlyMedia, c.State().Call)
	mock.FireProgress(s, transport.ProgressAnswered)
	assert.Equal(t, CallEstablished, c.State().Call)
}

func TestCallRequiresRegistration(t *testing.T) {
	c, _, _ := newTestController(t)

	err := c.Call(context.Background(), "5551234")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, CallIdle, c.State().Call)
}

func TestCallWhileBusy(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	establishOutbound(t, c, mock)

	err := c.Call(context.Background(), "5555678")
	assert.ErrorIs(t, err, ErrAlreadyOnCall)
	assert.Equal(t, "5551234", c.State().Record.RemoteNumber)
}

func TestInviteFailureFreesSlotImmediately(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	mock.InviteErr = errors.New("503 service unavailable")

	err := c.Call(context.Background(), "5551234")
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "invite", te.Op)

	// Setup failures skip the settle delay; the slot is free right away.
	assert.Equal(t, CallIdle, c.State().Call)
	mock.InviteErr = nil
	assert.NoError(t, c.Call(context.Background(), "5555678"))
}

func TestRemoteRejectionFailsCall(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	mock.FireProgress(mock.LastSession(), transport.ProgressFailed)
	assert.Equal(t, CallIdle, c.State().Call)
	assert.Error(t, c.State().Err)
}

func TestInboundCallAnswered(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	s := mock.FireIncoming("5559876", "Alice Smith")
	snap := c.State()
	assert.Equal(t, CallRinging, snap.Call)
	assert.Equal(t, DirectionInbound, snap.Record.Direction)
	assert.Equal(t, "5559876", snap.Record.RemoteNumber)
	assert.Equal(t, "Alice Smith", snap.Record.RemoteName)

	require.NoError(t, c.Answer(context.Background()))
	assert.Equal(t, CallEstablished, c.State().Call)

	mock.FireBye(s)
	assert.Equal(t, CallTerminated, c.State().Call)
	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")
}

func TestInboundWhileBusyIgnored(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	establishOutbound(t, c, mock)

	mock.FireIncoming("5550000", "")
	snap := c.State()
	assert.Equal(t, CallEstablished, snap.Call)
	assert.Equal(t, "5551234", snap.Record.RemoteNumber)
}

func TestAnswerOutsideRinging(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	assert.ErrorIs(t, c.Answer(context.Background()), ErrInvalidState)

	// Answering our own outbound ring is also invalid.
	require.NoError(t, c.Call(context.Background(), "5551234"))
	mock.FireProgress(mock.LastSession(), transport.ProgressRinging)
	assert.ErrorIs(t, c.Answer(context.Background()), ErrInvalidState)
}

func TestHangupIdleReturnsFalse(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.False(t, c.Hangup(context.Background()))
}

func TestHangupCancelsSetup(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	mock.FireProgress(mock.LastSession(), transport.ProgressRinging)
	assert.True(t, c.Hangup(context.Background()))
	assert.Equal(t, CallTerminated, c.State().Call)
	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")
}

func TestHoldUnhold(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	establishOutbound(t, c, mock)

	onHold, err := c.ToggleHold(context.Background())
	require.NoError(t, err)
	assert.True(t, onHold)
	assert.Equal(t, CallHeld, c.State().Call)

	onHold, err = c.ToggleHold(context.Background())
	require.NoError(t, err)
	assert.False(t, onHold)
	assert.Equal(t, CallEstablished, c.State().Call)

	assert.Equal(t, []bool{true, false}, mock.HoldStates())
}

func TestHoldFailureReverts(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	establishOutbound(t, c, mock)
	mock.HoldErr = errors.New("488 not acceptable here")

	onHold, err := c.ToggleHold(context.Background())
	require.Error(t, err)
	assert.False(t, onHold)
	assert.Equal(t, CallEstablished, c.State().Call)
	assert.False(t, c.State().Record.OnHold)
}

func TestMuteOnlyWhileEstablished(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	_, err := c.ToggleMute()
	assert.ErrorIs(t, err, ErrInvalidState)

	establishOutbound(t, c, mock)
	muted, err := c.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	muted, err = c.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestDTMFAndTransfer(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	assert.ErrorIs(t, c.SendDTMF(context.Background(), '5'), ErrInvalidState)
	assert.ErrorIs(t, c.Transfer(context.Background(), "2000"), ErrInvalidState)

	establishOutbound(t, c, mock)
	require.NoError(t, c.SendDTMF(context.Background(), '5'))
	require.NoError(t, c.SendDTMF(context.Background(), '#'))
	assert.Equal(t, []rune{'5', '#'}, mock.DTMFTones())

	require.NoError(t, c.Transfer(context.Background(), "2000"))
	assert.Equal(t, []string{"2000"}, mock.ReferTargets())
}

func TestRingTimeout(t *testing.T) {
	mock := transport.NewMock()
	backend := &fakeBackend{devices: testDevices()}
	c := NewController(Config{
		SettleDelay: 10 * time.Millisecond,
		RingTimeout: 25 * time.Millisecond,
	}, mock, backend)
	require.NoError(t, c.Initialize(context.Background(), transport.Registration{Extension: "1001"}))
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	s := mock.LastSession()
	mock.FireProgress(s, transport.ProgressRinging)

	waitFor(t, func() bool { return c.State().Call == CallIdle }, "ring timeout never fired")
	assert.Equal(t, []transport.SessionHandle{s}, mock.ByeCalls())
}

func TestRingTimeoutDisarmedOnAnswer(t *testing.T) {
	mock := transport.NewMock()
	backend := &fakeBackend{devices: testDevices()}
	c := NewController(Config{
		SettleDelay: 10 * time.Millisecond,
		RingTimeout: 25 * time.Millisecond,
	}, mock, backend)
	require.NoError(t, c.Initialize(context.Background(), transport.Registration{Extension: "1001"}))
	connect(t, c)

	require.NoError(t, c.Call(context.Background(), "5551234"))
	mock.FireProgress(mock.LastSession(), transport.ProgressAnswered)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CallEstablished, c.State().Call)
	assert.Empty(t, mock.ByeCalls())
}

func TestClickToCallViaBoundDevice(t *testing.T) {
	c, mock, backend := newTestController(t)
	connect(t, c)
	require.NoError(t, c.BindToDevice(context.Background(), "dp-1"))

	require.NoError(t, c.Call(context.Background(), "5551234"))
	snap := c.State()
	assert.Equal(t, CallRinging, snap.Call)
	assert.Equal(t, DirectionOutbound, snap.Record.Direction)

	backend.mu.Lock()
	clicks := backend.clicks
	backend.mu.Unlock()
	require.Len(t, clicks, 1)
	assert.Equal(t, [3]string{"1001", "5551234", "dp-1"}, clicks[0])

	// No signaling session was opened on the softphone leg.
	assert.Empty(t, mock.LastSession())
}

func TestClickToCallFailure(t *testing.T) {
	c, _, backend := newTestController(t)
	connect(t, c)
	require.NoError(t, c.BindToDevice(context.Background(), "dp-1"))
	backend.clickErr = errors.New("click-to-call unavailable")

	err := c.Call(context.Background(), "5551234")
	require.Error(t, err)
	assert.Equal(t, CallIdle, c.State().Call)
}

func TestBindToDevice(t *testing.T) {
	c, _, backend := newTestController(t)

	snap := c.State()
	assert.Equal(t, "sp-1", snap.BoundDevice.ID)

	require.NoError(t, c.BindToDevice(context.Background(), "dp-1"))
	assert.Equal(t, "dp-1", c.State().BoundDevice.ID)
	backend.mu.Lock()
	routes := backend.routes
	backend.mu.Unlock()
	assert.Equal(t, []string{"dp-1"}, routes)

	err := c.BindToDevice(context.Background(), "ghost")
	assert.ErrorIs(t, err, device.ErrNotFound)
	assert.Equal(t, "dp-1", c.State().BoundDevice.ID)

	require.NoError(t, c.UnbindDevice(context.Background()))
	assert.Equal(t, "sp-1", c.State().BoundDevice.ID)
}

func TestBindRouteFailureKeepsBinding(t *testing.T) {
	c, _, backend := newTestController(t)
	backend.routeErr = errors.New("route unavailable")

	err := c.BindToDevice(context.Background(), "dp-1")
	require.Error(t, err)
	assert.Equal(t, "sp-1", c.State().BoundDevice.ID)
}

func TestDisconnectTearsDownCall(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	s := establishOutbound(t, c, mock)

	require.NoError(t, c.Disconnect(context.Background()))
	snap := c.State()
	assert.Equal(t, Disconnected, snap.Connection)
	assert.Equal(t, CallIdle, snap.Call)
	assert.Empty(t, snap.Record.ID)
	assert.False(t, mock.Registered())
	assert.Equal(t, []transport.SessionHandle{s}, mock.ByeCalls())
}

func TestStaleProgressIgnored(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	s := establishOutbound(t, c, mock)
	require.True(t, c.Hangup(context.Background()))
	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")

	// Progress for the finished session must not touch the fresh slot.
	mock.FireProgress(s, transport.ProgressAnswered)
	assert.Equal(t, CallIdle, c.State().Call)
	mock.FireBye(s)
	assert.Equal(t, CallIdle, c.State().Call)
}

// gatedMock delays Invite until released, exposing the window between
// sending the invite and storing its handle.
type gatedMock struct {
	*transport.Mock
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMock) Invite(ctx context.Context, number string) (transport.SessionHandle, error) {
	close(g.entered)
	<-g.release
	return g.Mock.Invite(ctx, number)
}

func TestHangupDuringInviteCancelsCall(t *testing.T) {
	gate := &gatedMock{
		Mock:    transport.NewMock(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	backend := &fakeBackend{devices: testDevices()}
	c := NewController(Config{
		SettleDelay: 10 * time.Millisecond,
		RingTimeout: -1,
	}, gate, backend)
	require.NoError(t, c.Initialize(context.Background(), transport.Registration{Extension: "1001"}))
	connect(t, c)

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "5551234") }()
	<-gate.entered

	assert.True(t, c.Hangup(context.Background()))
	close(gate.release)
	require.NoError(t, <-done)

	// The late handle was not kept and the far end got torn down.
	s := gate.LastSession()
	require.NotEmpty(t, s)
	waitFor(t, func() bool { return len(gate.ByeCalls()) == 1 }, "abandoned invite never got a bye")
	assert.Equal(t, []transport.SessionHandle{s}, gate.ByeCalls())

	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")
	gate.FireProgress(s, transport.ProgressAnswered)
	assert.Equal(t, CallIdle, c.State().Call)
}

func TestUnholdFailureStaysHeld(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	establishOutbound(t, c, mock)

	onHold, err := c.ToggleHold(context.Background())
	require.NoError(t, err)
	require.True(t, onHold)
	require.Equal(t, CallHeld, c.State().Call)

	mock.HoldErr = errors.New("491 request pending")
	onHold, err = c.ToggleHold(context.Background())
	require.Error(t, err)
	assert.True(t, onHold)
	snap := c.State()
	assert.Equal(t, CallHeld, snap.Call)
	assert.True(t, snap.Record.OnHold)
}

func TestEstablishedAttachesAudio(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	s := establishOutbound(t, c, mock)
	assert.NotNil(t, mock.AttachedSink(s))
}

func TestAnswerAttachesAudio(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	s := mock.FireIncoming("5559876", "")
	require.NoError(t, c.Answer(context.Background()))
	assert.NotNil(t, mock.AttachedSink(s))
}

func TestDeviceLegRinging(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)
	require.NoError(t, c.BindToDevice(context.Background(), "dp-1"))

	c.NoteDeviceRinging("5553333", "Front Desk")
	snap := c.State()
	assert.Equal(t, CallRinging, snap.Call)
	assert.Equal(t, DirectionInbound, snap.Record.Direction)
	assert.Equal(t, "5553333", snap.Record.RemoteNumber)
	assert.Empty(t, mock.LastSession())

	c.NoteDeviceCallEnded()
	assert.Equal(t, CallTerminated, c.State().Call)
	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")
}

func TestDeviceRingingIgnoredOnSoftphone(t *testing.T) {
	c, _, _ := newTestController(t)
	connect(t, c)

	c.NoteDeviceRinging("5553333", "")
	assert.Equal(t, CallIdle, c.State().Call)
}

func TestDeviceCallEndedSparesSignalingCalls(t *testing.T) {
	c, mock, _ := newTestController(t)
	connect(t, c)

	mock.FireIncoming("5559876", "")
	require.NoError(t, c.Answer(context.Background()))

	c.NoteDeviceCallEnded()
	assert.Equal(t, CallEstablished, c.State().Call)
}

func TestMultipleObserversNotified(t *testing.T) {
	c, _, _ := newTestController(t)

	var mu sync.Mutex
	counts := make([]int, 2)
	for i := range counts {
		i := i
		c.OnChange(func(Snapshot) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}

	connect(t, c)
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, counts[0], 0)
	assert.Equal(t, counts[0], counts[1])
}

func TestObserverSeesTransitions(t *testing.T) {
	c, mock, _ := newTestController(t)

	var mu sync.Mutex
	var seen []CallState
	c.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Call)
		mu.Unlock()
	})

	connect(t, c)
	establishOutbound(t, c, mock)
	c.Hangup(context.Background())
	waitFor(t, func() bool { return c.State().Call == CallIdle }, "call never settled to idle")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, CallDialing)
	assert.Contains(t, seen, CallEstablished)
	assert.Contains(t, seen, CallTerminated)
	assert.Equal(t, CallIdle, seen[len(seen)-1])
}
