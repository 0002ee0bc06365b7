package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

// Encode serializes the event to its 4-byte wire form.
func (e DTMFEvent) Encode() []byte {
	buf := make([]byte, 4)
	buf[0] = e.Event
	buf[1] = e.Volume & 0x3f
	if e.EndOfEvent {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:], e.Duration)
	return buf
}

// DecodeDTMFEvent parses a 4-byte telephone-event payload.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3f,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// DTMF timing defaults at 8kHz.
const (
	dtmfVolume        uint8  = 10  // -10 dBm0
	dtmfMinDuration   uint16 = 400 // 50ms
	dtmfFrameDuration uint16 = 160 // 20ms
	dtmfEndRedundancy        = 3
)

// ToneToEvent converts a DTMF character (0-9, *, #, A-D) to its event code.
func ToneToEvent(tone rune) (uint8, bool) {
	switch {
	case tone >= '0' && tone <= '9':
		return uint8(tone - '0'), true
	case tone == '*':
		return 10, true
	case tone == '#':
		return 11, true
	case tone >= 'A' && tone <= 'D':
		return uint8(tone-'A') + 12, true
	case tone >= 'a' && tone <= 'd':
		return uint8(tone-'a') + 12, true
	}
	return 0, false
}

// DTMFSender emits RFC 4733 events over an RTP writer. The timestamp stays
// constant for the whole event while the duration field grows; end-of-event
// packets are repeated for reliable detection.
type DTMFSender struct {
	writer      RTPWriter
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
}

// NewDTMFSender creates a sender using the telephone-event payload type.
func NewDTMFSender(writer RTPWriter) *DTMFSender {
	return &DTMFSender{
		writer:      writer,
		payloadType: CodecTelephoneEvent.PayloadType,
		ssrc:        randomSSRC(),
		seq:         randomSequence(),
		timestamp:   randomTimestamp(),
	}
}

// SendTone emits one digit with the given nominal duration.
func (d *DTMFSender) SendTone(tone rune, duration time.Duration) error {
	event, ok := ToneToEvent(tone)
	if !ok {
		return fmt.Errorf("invalid DTMF tone: %c", tone)
	}

	samples := uint16(duration.Seconds() * float64(CodecTelephoneEvent.SampleRate))
	if samples < dtmfMinDuration {
		samples = dtmfMinDuration
	}

	tsStart := d.timestamp
	first := true
	for elapsed := dtmfFrameDuration; elapsed < samples; elapsed += dtmfFrameDuration {
		evt := DTMFEvent{Event: event, Volume: dtmfVolume, Duration: elapsed}
		if err := d.writePacket(evt, tsStart, first); err != nil {
			return err
		}
		first = false
	}

	end := DTMFEvent{Event: event, EndOfEvent: true, Volume: dtmfVolume, Duration: samples}
	for i := 0; i < dtmfEndRedundancy; i++ {
		if err := d.writePacket(end, tsStart, false); err != nil {
			return err
		}
	}

	// Advance the clock past the event for the next digit.
	d.timestamp = tsStart + uint32(samples)
	return nil
}

func (d *DTMFSender) writePacket(evt DTMFEvent, timestamp uint32, marker bool) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    d.payloadType,
			SequenceNumber: d.seq,
			Timestamp:      timestamp,
			SSRC:           d.ssrc,
		},
		Payload: evt.Encode(),
	}
	d.seq++
	return d.writer.WriteRTP(pkt)
}

// randomSSRC returns a random 32-bit SSRC per RFC 3550.
func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x2e2e2e2e
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSequence() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func randomTimestamp() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
