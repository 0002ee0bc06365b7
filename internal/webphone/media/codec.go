// Package media implements the local audio path used when the softphone
// binding owns call audio: G.711 RTP receive into PCM sinks, RFC 4733 DTMF
// generation, and SDP offer construction.
package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec specification.
type Codec struct {
	Name        string        // e.g. "PCMU"
	PayloadType uint8         // RTP payload type (0 PCMU, 8 PCMA)
	SampleRate  uint32        // Hz
	FrameDur    time.Duration // duration of one frame, typically 20ms
}

var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}

	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}

	// CodecTelephoneEvent is RFC 4733 DTMF.
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond}
)

// SamplesPerFrame returns the sample count of one frame (160 for G.711).
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.FrameDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Decode converts a G.711 payload to 16-bit LPCM.
func (c Codec) Decode(payload []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.DecodeUlaw(payload), nil
	case CodecPCMA.PayloadType:
		return g711.DecodeAlaw(payload), nil
	default:
		return nil, fmt.Errorf("no decoder for payload type %d", c.PayloadType)
	}
}

// Encode converts 16-bit LPCM to the codec's G.711 payload.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	default:
		return nil, fmt.Errorf("no encoder for payload type %d", c.PayloadType)
	}
}

// CodecByFormat maps an SDP format string ("0", "8") to its codec.
func CodecByFormat(format string) (Codec, bool) {
	switch format {
	case "0":
		return CodecPCMU, true
	case "8":
		return CodecPCMA, true
	}
	return Codec{}, false
}
