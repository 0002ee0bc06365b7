package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Direction is the SDP media direction attribute. Hold is signalled by
// re-offering with sendonly; unhold restores sendrecv.
type Direction int

const (
	// DirSendRecv - normal two-way audio.
	DirSendRecv Direction = iota
	// DirSendOnly - local hold.
	DirSendOnly
	// DirRecvOnly - remote hold.
	DirRecvOnly
	// DirInactive - both directions held.
	DirInactive
)

// Attribute returns the SDP attribute name for the direction.
func (d Direction) Attribute() string {
	switch d {
	case DirSendOnly:
		return "sendonly"
	case DirRecvOnly:
		return "recvonly"
	case DirInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// Offer describes an audio SDP offer.
type Offer struct {
	Address   string
	Port      int
	Formats   []string // payload type strings, e.g. ["0", "8"]
	Direction Direction
	Session   string
}

// BuildOffer marshals an audio-only SDP offer with the given direction.
func BuildOffer(o Offer) ([]byte, error) {
	if len(o.Formats) == 0 {
		o.Formats = []string{"0"}
	}
	session := o.Session
	if session == "" {
		session = "Callsign Audio Session"
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callsign",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.Address,
		},
		SessionName: sdp.SessionName(session),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: o.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: o.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: o.Formats,
				},
				Attributes: offerAttributes(o.Formats, o.Direction),
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP offer: %w", err)
	}
	return body, nil
}

// offerAttributes returns rtpmap/fmtp attributes for the offered formats
// plus the direction attribute.
func offerAttributes(formats []string, dir Direction) []sdp.Attribute {
	rtpmap := map[string]string{
		"0":   "PCMU/8000",
		"8":   "PCMA/8000",
		"101": "telephone-event/8000",
	}

	var attrs []sdp.Attribute
	for _, f := range formats {
		if m, ok := rtpmap[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + m})
		}
		if f == "101" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: "101 0-16"})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: dir.Attribute()},
	)
	return attrs
}

// ParseRemoteAudio extracts the remote audio endpoint and the first
// supported G.711 format from an SDP answer.
func ParseRemoteAudio(body []byte) (addr string, port int, codec Codec, err error) {
	var desc sdp.SessionDescription
	if err = desc.Unmarshal(body); err != nil {
		return "", 0, Codec{}, fmt.Errorf("parse SDP: %w", err)
	}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			addr = m.ConnectionInformation.Address.Address
		}
		port = m.MediaName.Port.Value
		for _, f := range m.MediaName.Formats {
			if c, ok := CodecByFormat(f); ok {
				return addr, port, c, nil
			}
		}
		return addr, port, Codec{}, fmt.Errorf("no supported codec in audio media: %v", m.MediaName.Formats)
	}
	return "", 0, Codec{}, fmt.Errorf("no audio media in SDP")
}
