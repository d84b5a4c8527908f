// Package media handles the RTP leg of a call: sending and receiving
// G.711 u-law audio in 20ms frames, reordering out-of-order packets,
// collecting RFC 2833 DTMF events, and negotiating SDP.
package media

import (
	"net"
	"sync/atomic"
	"time"
)

const (
	// PayloadPCMU is the static RTP payload type for G.711 u-law.
	PayloadPCMU = 0

	// PayloadTelephoneEvent is the dynamic RTP payload type we offer for
	// RFC 2833 telephone-event (DTMF). Commonly negotiated as 101.
	PayloadTelephoneEvent = 101

	// SamplesPerFrame is the number of audio samples per RTP packet.
	// At 8 kHz sample rate with 20ms ptime, each packet carries 160
	// samples. For G.711, each sample is 1 byte.
	SamplesPerFrame = 160

	// FrameDuration is the duration of one RTP packet (20ms at 8kHz).
	FrameDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp increment per packet.
	// At 8 kHz clock rate with 20ms ptime: 8000 * 0.020 = 160.
	timestampIncrement = 160

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500
)

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled
// address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// SilenceFrame returns a fresh 20ms u-law silence frame.
func SilenceFrame() []byte {
	frame := make([]byte, SamplesPerFrame)
	for i := range frame {
		frame[i] = 0xFF // u-law silence
	}
	return frame
}
