package media

import (
	"fmt"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamPair opens two loopback sockets with the sender aimed at the
// receiver.
func streamPair(t *testing.T) (recv, send *Stream) {
	t.Helper()
	recv, err := ListenStream("127.0.0.1:0")
	require.NoError(t, err)
	send, err = ListenStream("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, send.SetPeer(fmt.Sprintf("127.0.0.1:%d", recv.LocalPort())))
	return recv, send
}

func TestStreamRoundTrip(t *testing.T) {
	recv, send := streamPair(t)
	defer recv.Close()
	defer send.Close()

	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    CodecPCMU.PayloadType,
			SequenceNumber: 7,
			Timestamp:      160,
			SSRC:           99,
		},
		Payload: []byte{0xff, 0x7f, 0xff, 0x7f},
	}
	require.NoError(t, send.WriteRTP(out))

	in, err := recv.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, out.PayloadType, in.PayloadType)
	assert.Equal(t, out.SequenceNumber, in.SequenceNumber)
	assert.Equal(t, out.SSRC, in.SSRC)
	assert.Equal(t, out.Payload, in.Payload)
}

func TestStreamWriteWithoutPeer(t *testing.T) {
	s, err := ListenStream("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2}}))
}

func TestReceiverOverStream(t *testing.T) {
	recv, send := streamPair(t)
	defer send.Close()

	sink := NewSink(false)
	done := make(chan struct{})
	go func() {
		_ = NewReceiver(CodecPCMU, sink).Run(recv)
		close(done)
	}()

	require.NoError(t, send.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: CodecPCMU.PayloadType,
			Timestamp:   160,
			SSRC:        12,
		},
		Payload: make([]byte, CodecPCMU.SamplesPerFrame()),
	}))

	deadline := time.Now().Add(2 * time.Second)
	for sink.Frames() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, uint64(1), sink.Frames())

	require.NoError(t, recv.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop after close")
	}
}
