package media

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// Stream is a UDP socket carrying one RTP flow. Reads skip datagrams that
// do not parse as RTP; writes go to the configured peer.
type Stream struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer *net.UDPAddr
}

// ListenStream opens an RTP socket on the given local host:port address.
func ListenStream(local string) (*Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", local, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	return &Stream{conn: conn}, nil
}

// SetPeer sets the destination for outbound packets.
func (s *Stream) SetPeer(remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", remote, err)
	}
	s.mu.Lock()
	s.peer = addr
	s.mu.Unlock()
	return nil
}

// LocalPort returns the bound port.
func (s *Stream) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// ReadRTP implements RTPReader. It blocks until a parseable RTP packet
// arrives or the socket is closed.
func (s *Stream) ReadRTP() (*rtp.Packet, error) {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		return pkt, nil
	}
}

// WriteRTP implements RTPWriter.
func (s *Stream) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return errors.New("no peer address")
	}
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, peer)
	return err
}

// Close shuts the socket; a blocked ReadRTP returns with an error.
func (s *Stream) Close() error {
	return s.conn.Close()
}
