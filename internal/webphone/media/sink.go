package media

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/pion/rtp"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("sink closed")

// Sink terminates one direction of the audio path as 16-bit LPCM. The local
// sink starts muted (you don't want to hear yourself); the remote sink is
// live. Sinks are owned exclusively by the session controller and are
// re-created, not shared, across sessions.
type Sink struct {
	mu     sync.Mutex
	muted  bool
	closed bool
	level  float64
	frames uint64
}

// NewSink creates a sink.
func NewSink(muted bool) *Sink {
	return &Sink{muted: muted}
}

// WritePCM consumes one frame of little-endian 16-bit LPCM, updating the
// running audio level. Muted sinks accept and discard frames.
func (s *Sink) WritePCM(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	s.frames++
	if s.muted {
		return len(pcm), nil
	}
	s.level = rmsLevel(pcm)
	return len(pcm), nil
}

// Level returns the RMS level of the last live frame, in [0, 1].
func (s *Sink) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Frames returns how many frames the sink has consumed.
func (s *Sink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// SetMuted flips the mute flag.
func (s *Sink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	if muted {
		s.level = 0
	}
}

// Muted reports the mute flag.
func (s *Sink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close releases the sink. Further writes fail with ErrSinkClosed.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.level = 0
}

// rmsLevel computes the normalized RMS of little-endian 16-bit samples.
func rmsLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(n)) / math.MaxInt16
}

// RTPReader reads RTP packets from an underlying source.
type RTPReader interface {
	// ReadRTP reads the next RTP packet.
	ReadRTP() (*rtp.Packet, error)
}

// RTPWriter writes RTP packets to an underlying destination.
type RTPWriter interface {
	// WriteRTP writes an RTP packet.
	WriteRTP(p *rtp.Packet) error
}

// Receiver decodes an inbound G.711 RTP stream into a sink. Telephone-event
// packets are skipped; packets with unexpected payload types are dropped.
type Receiver struct {
	codec Codec
	sink  *Sink
}

// NewReceiver creates a receiver feeding the sink.
func NewReceiver(codec Codec, sink *Sink) *Receiver {
	return &Receiver{codec: codec, sink: sink}
}

// Run consumes packets until the reader fails, returning its error.
func (r *Receiver) Run(reader RTPReader) error {
	for {
		pkt, err := reader.ReadRTP()
		if err != nil {
			return err
		}
		if pkt.PayloadType == CodecTelephoneEvent.PayloadType {
			continue
		}
		if pkt.PayloadType != r.codec.PayloadType {
			continue
		}
		pcm, err := r.codec.Decode(pkt.Payload)
		if err != nil {
			continue
		}
		if _, err := r.sink.WritePCM(pcm); err != nil {
			return err
		}
	}
}
