package session

import "fmt"

// ConnectionState represents the signaling registration lifecycle.
type ConnectionState int

const (
	// Disconnected is the initial state, and the state after an explicit
	// disconnect.
	Disconnected ConnectionState = iota
	// Connecting is while the registration exchange is in flight.
	Connecting
	// Connected is reserved for transports that separate link-up from
	// registration; the sipgo transport registers in one step.
	Connected
	// Registered means the extension is registered and calls may be placed.
	Registered
	// Failed means the last registration attempt failed; see State().Err.
	Failed
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// CallState represents the lifecycle of the controller's single call slot.
type CallState int

const (
	// CallIdle - no call; the only state from which a call may start.
	CallIdle CallState = iota
	// CallDialing - outbound invite sent, no progress yet.
	CallDialing
	// CallRinging - remote side alerting (outbound) or inbound invite
	// waiting to be answered.
	CallRinging
	// CallEarlyMedia - media flowing before answer.
	CallEarlyMedia
	// CallEstablished - call answered and active.
	CallEstablished
	// CallHolding - hold requested by us; media paused.
	CallHolding
	// CallHeld - hold confirmed by the far end.
	CallHeld
	// CallTerminated - call over; settles back to CallIdle after a delay.
	CallTerminated
)

// String returns the string representation of the call state.
func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallDialing:
		return "dialing"
	case CallRinging:
		return "ringing"
	case CallEarlyMedia:
		return "early_media"
	case CallEstablished:
		return "established"
	case CallHolding:
		return "holding"
	case CallHeld:
		return "held"
	case CallTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validCallTransitions defines which call-state transitions are allowed.
// Every non-idle state may jump to Terminated (hangup, remote bye,
// failure, ring timeout).
var validCallTransitions = map[CallState][]CallState{
	CallIdle:        {CallDialing, CallRinging},
	CallDialing:     {CallRinging, CallEarlyMedia, CallEstablished, CallTerminated},
	CallRinging:     {CallEarlyMedia, CallEstablished, CallTerminated},
	CallEarlyMedia:  {CallEstablished, CallTerminated},
	CallEstablished: {CallHolding, CallTerminated},
	CallHolding:     {CallHeld, CallEstablished, CallTerminated},
	CallHeld:        {CallEstablished, CallTerminated},
	CallTerminated:  {CallIdle},
}

// CanTransitionTo checks whether moving from s to next is a valid edge.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range validCallTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether a call occupies the slot (anything but idle).
func (s CallState) Active() bool {
	return s != CallIdle
}

// InSetup reports whether the call is still being set up.
func (s CallState) InSetup() bool {
	return s == CallDialing || s == CallRinging || s == CallEarlyMedia
}
