package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sebas/callsign/internal/webphone/media"
)

// Mock is an in-memory Transport for deterministic tests. Calls are recorded
// and progress is driven manually through the Fire* methods.
type Mock struct {
	mu      sync.Mutex
	handler Handler

	registered bool
	sessions   map[SessionHandle]bool

	// Scripted failures. When set, the corresponding operation returns
	// the error instead of succeeding.
	RegisterErr error
	InviteErr   error
	HoldErr     error

	registerCalls atomic.Int32
	lastSession   SessionHandle
	byeCalls      []SessionHandle
	referTargets  []string
	dtmfTones     []rune
	holdStates    []bool
	attached      map[SessionHandle]*media.Sink
}

// NewMock creates a mock transport.
func NewMock() *Mock {
	return &Mock{sessions: make(map[SessionHandle]bool)}
}

// SetHandler implements Transport.
func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Register implements Transport.
func (m *Mock) Register(ctx context.Context, reg Registration) error {
	m.registerCalls.Add(1)
	if m.RegisterErr != nil {
		return m.RegisterErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = true
	return nil
}

// Unregister implements Transport.
func (m *Mock) Unregister(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = false
	return nil
}

// Invite implements Transport.
func (m *Mock) Invite(ctx context.Context, number string) (SessionHandle, error) {
	if m.InviteErr != nil {
		return "", m.InviteErr
	}
	s := SessionHandle(uuid.New().String())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = true
	m.lastSession = s
	return s, nil
}

// Answer implements Transport.
func (m *Mock) Answer(ctx context.Context, s SessionHandle) error {
	return m.checkSession(s)
}

// AttachAudio implements Transport.
func (m *Mock) AttachAudio(ctx context.Context, s SessionHandle, sink *media.Sink) error {
	if err := m.checkSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached == nil {
		m.attached = make(map[SessionHandle]*media.Sink)
	}
	m.attached[s] = sink
	return nil
}

// Bye implements Transport.
func (m *Mock) Bye(ctx context.Context, s SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessions[s] {
		return fmt.Errorf("unknown session %s", s)
	}
	delete(m.sessions, s)
	m.byeCalls = append(m.byeCalls, s)
	return nil
}

// Hold implements Transport.
func (m *Mock) Hold(ctx context.Context, s SessionHandle, hold bool) error {
	if m.HoldErr != nil {
		return m.HoldErr
	}
	if err := m.checkSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdStates = append(m.holdStates, hold)
	return nil
}

// Refer implements Transport.
func (m *Mock) Refer(ctx context.Context, s SessionHandle, target string) error {
	if err := m.checkSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referTargets = append(m.referTargets, target)
	return nil
}

// SendDTMF implements Transport.
func (m *Mock) SendDTMF(ctx context.Context, s SessionHandle, tone rune) error {
	if err := m.checkSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtmfTones = append(m.dtmfTones, tone)
	return nil
}

func (m *Mock) checkSession(s SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessions[s] {
		return fmt.Errorf("unknown session %s", s)
	}
	return nil
}

// FireProgress delivers a progress event for a session.
func (m *Mock) FireProgress(s SessionHandle, kind ProgressKind) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnProgress(Progress{Session: s, Kind: kind})
	}
}

// FireIncoming delivers an inbound invite and returns its handle.
func (m *Mock) FireIncoming(number, name string) SessionHandle {
	s := SessionHandle(uuid.New().String())
	m.mu.Lock()
	m.sessions[s] = true
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnIncoming(IncomingCall{Session: s, RemoteNumber: number, RemoteName: name})
	}
	return s
}

// FireBye delivers a remote hangup for a session.
func (m *Mock) FireBye(s SessionHandle) {
	m.mu.Lock()
	delete(m.sessions, s)
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnBye(s)
	}
}

// AttachedSink returns the sink attached for a session, nil when none.
func (m *Mock) AttachedSink(s SessionHandle) *media.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached[s]
}

// LastSession returns the handle of the most recent outbound invite.
func (m *Mock) LastSession() SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSession
}

// Registered reports whether the mock currently holds a registration.
func (m *Mock) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// RegisterCalls returns how many times Register was invoked.
func (m *Mock) RegisterCalls() int { return int(m.registerCalls.Load()) }

// ByeCalls returns the sessions Bye was called for, in order.
func (m *Mock) ByeCalls() []SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionHandle(nil), m.byeCalls...)
}

// ReferTargets returns the blind-transfer targets requested, in order.
func (m *Mock) ReferTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.referTargets...)
}

// DTMFTones returns the tones sent, in order.
func (m *Mock) DTMFTones() []rune {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rune(nil), m.dtmfTones...)
}

// HoldStates returns the hold flags requested, in order.
func (m *Mock) HoldStates() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.holdStates...)
}

// Ensure Mock implements Transport
var _ Transport = (*Mock)(nil)
