package session

import (
	"fmt"
	"time"
)

// CallDirection indicates who initiated the call.
type CallDirection int

const (
	// DirectionNone - the call slot is empty.
	DirectionNone CallDirection = iota
	// DirectionInbound - remote invite.
	DirectionInbound
	// DirectionOutbound - we dialed.
	DirectionOutbound
)

// String returns the string representation of the direction.
func (d CallDirection) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// CallRecord holds the info for the controller's single call slot. Fields
// are reset, not deleted, when the call settles back to idle.
type CallRecord struct {
	ID              string
	RemoteNumber    string
	RemoteName      string
	Direction       CallDirection
	StartTime       time.Time
	DurationSeconds int
	Muted           bool
	OnHold          bool
}

// reset clears all fields in place.
func (r *CallRecord) reset() {
	*r = CallRecord{}
}
