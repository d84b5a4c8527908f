package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ErrCapabilityMismatch is returned when an SDP offer does not include
// G.711 u-law audio. The caller should reject the INVITE with
// 488 Not Acceptable Here.
var ErrCapabilityMismatch = errors.New("offer has no G.711 u-law audio")

// Negotiated holds the outcome of SDP offer negotiation.
type Negotiated struct {
	// RemoteAddr is the far end's signaled RTP address. Symmetric RTP
	// may later override it with the observed source address.
	RemoteAddr *net.UDPAddr

	// TelephoneEventType is the payload type the far end uses for
	// RFC 2833 telephone-event, or 0 when it was not offered.
	TelephoneEventType uint8
}

// NegotiateOffer parses an SDP offer and verifies it carries a G.711
// u-law audio stream we can answer. Returns ErrCapabilityMismatch when
// PCMU is absent.
func NegotiateOffer(offer []byte) (*Negotiated, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("parsing sdp offer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, ErrCapabilityMismatch
	}

	hasPCMU := false
	for _, f := range audio.MediaName.Formats {
		if f == strconv.Itoa(PayloadPCMU) {
			hasPCMU = true
			break
		}
	}
	if !hasPCMU {
		return nil, ErrCapabilityMismatch
	}

	// Connection line may live at the session or media level.
	conn := sd.ConnectionInformation
	if audio.ConnectionInformation != nil {
		conn = audio.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return nil, fmt.Errorf("sdp offer has no connection address")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(conn.Address.Address, strconv.Itoa(audio.MediaName.Port.Value)))
	if err != nil {
		return nil, fmt.Errorf("resolving remote rtp address: %w", err)
	}

	return &Negotiated{
		RemoteAddr:         addr,
		TelephoneEventType: telephoneEventType(audio),
	}, nil
}

// telephoneEventType finds the payload type the offer maps to
// telephone-event, or 0 when absent.
func telephoneEventType(audio *sdp.MediaDescription) uint8 {
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, codec, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(codec), "telephone-event/") {
			continue
		}
		if v, err := strconv.Atoi(pt); err == nil && v > 0 && v < 128 {
			return uint8(v)
		}
	}
	return 0
}

// BuildAnswer produces the SDP answer for a negotiated offer: G.711
// u-law plus telephone-event, sendrecv, 20ms ptime.
func BuildAnswer(ip string, port int) ([]byte, error) {
	sessionID := uint64(time.Now().Unix())

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "havoice",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(PayloadPCMU), strconv.Itoa(PayloadTelephoneEvent)},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%d PCMU/8000", PayloadPCMU)},
					{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", PayloadTelephoneEvent)},
					{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", PayloadTelephoneEvent)},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	answer, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp answer: %w", err)
	}
	return answer, nil
}
