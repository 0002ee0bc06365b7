// Package notify maintains the live notification stream from the PBX: a
// single WebSocket connection per authenticated session with bounded
// reconnection, and the bounded record store with read-state bookkeeping.
package notify

import (
	"fmt"
	"time"
)

// Type classifies a notification record.
type Type int

const (
	// TypeInfo - generic informational notification.
	TypeInfo Type = iota
	// TypeCall - incoming or missed call.
	TypeCall
	// TypeVoicemail - new voicemail message.
	TypeVoicemail
	// TypeMessage - new SMS/chat message.
	TypeMessage
	// TypeSystem - system alert.
	TypeSystem
)

// String returns the string representation of the type.
func (t Type) String() string {
	switch t {
	case TypeInfo:
		return "info"
	case TypeCall:
		return "call"
	case TypeVoicemail:
		return "voicemail"
	case TypeMessage:
		return "message"
	case TypeSystem:
		return "system"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Record is one stored notification. IDs are monotonic per store; records
// are never resurrected once evicted.
type Record struct {
	ID         int64
	Type       Type
	Title      string
	Message    string
	Timestamp  time.Time
	Read       bool
	Payload    map[string]string
	Persistent bool
}

// inboundEvent is the wire shape of one server-pushed event:
// {type: string, ...fields}. Unknown types carrying a message still
// produce a generic record; everything else is ignored.
type inboundEvent struct {
	Type string `json:"type"`

	// call_incoming / call_missed
	CallerID     string `json:"caller_id"`
	CallerNumber string `json:"caller_number"`
	CallID       string `json:"call_id"`

	// voicemail_new
	Duration    int    `json:"duration"`
	VoicemailID string `json:"voicemail_id"`
	BoxID       string `json:"box_id"`

	// message_new
	Preview  string `json:"preview"`
	ThreadID string `json:"thread_id"`

	// system_alert and generic
	Title            string `json:"title"`
	Message          string `json:"message"`
	Persistent       bool   `json:"persistent"`
	NotificationType string `json:"notification_type"`
}

// caller returns the best available caller identity for call events.
func (e *inboundEvent) caller() string {
	if e.CallerID != "" {
		return e.CallerID
	}
	return e.CallerNumber
}

// toRecord maps a decoded event to a record. The second return is false
// when the event should be ignored.
func (e *inboundEvent) toRecord() (Record, bool) {
	switch e.Type {
	case "call_incoming":
		return Record{
			Type:       TypeCall,
			Title:      "Incoming Call",
			Message:    "From: " + e.caller(),
			Payload:    map[string]string{"call_id": e.CallID},
			Persistent: true,
		}, true

	case "call_missed":
		return Record{
			Type:       TypeCall,
			Title:      "Missed Call",
			Message:    "From: " + e.caller(),
			Payload:    map[string]string{"call_id": e.CallID},
			Persistent: true,
		}, true

	case "voicemail_new":
		return Record{
			Type:       TypeVoicemail,
			Title:      "New Voicemail",
			Message:    fmt.Sprintf("From: %s (%ds)", e.CallerID, e.Duration),
			Payload:    map[string]string{"voicemail_id": e.VoicemailID, "box_id": e.BoxID},
			Persistent: true,
		}, true

	case "message_new":
		msg := e.Preview
		if msg == "" {
			msg = "New message received"
		}
		return Record{
			Type:       TypeMessage,
			Title:      "New Message",
			Message:    msg,
			Payload:    map[string]string{"thread_id": e.ThreadID},
			Persistent: true,
		}, true

	case "system_alert":
		title := e.Title
		if title == "" {
			title = "System Alert"
		}
		return Record{
			Type:       TypeSystem,
			Title:      title,
			Message:    e.Message,
			Persistent: e.Persistent,
		}, true

	default:
		if e.Message == "" {
			return Record{}, false
		}
		return Record{
			Type:    parseType(e.NotificationType),
			Title:   e.Title,
			Message: e.Message,
		}, true
	}
}

func parseType(s string) Type {
	switch s {
	case "call":
		return TypeCall
	case "voicemail":
		return TypeVoicemail
	case "message":
		return TypeMessage
	case "system":
		return TypeSystem
	default:
		return TypeInfo
	}
}
