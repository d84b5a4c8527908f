package media

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestStream binds a stream on a random port and returns a sender
// socket pointed at it.
func newTestStream(t *testing.T) (*Stream, *net.UDPConn) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		conn.Close()
		t.Fatal(err)
	}

	s := NewStream(StreamConfig{
		Conn:               conn,
		Remote:             sender.LocalAddr().(*net.UDPAddr),
		TelephoneEventType: 101,
		Logger:             testLogger(),
	})
	s.Start()

	t.Cleanup(func() {
		s.Stop()
		sender.Close()
	})
	return s, sender
}

func sendRTP(t *testing.T, sender *net.UDPConn, to *net.UDPAddr, pt uint8, seq uint16, ts uint32, payload []byte) {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sender.WriteToUDP(raw, to); err != nil {
		t.Fatal(err)
	}
}

func recvFrame(t *testing.T, s *Stream) []byte {
	t.Helper()
	select {
	case f := <-s.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestStreamDeliversAudioFrames(t *testing.T) {
	s, sender := newTestStream(t)
	local := s.conn.LocalAddr().(*net.UDPAddr)

	for i := 0; i < 3; i++ {
		sendRTP(t, sender, local, PayloadPCMU, uint16(100+i), uint32(i*160), frame(byte(i+1)))
	}

	for i := 0; i < 3; i++ {
		f := recvFrame(t, s)
		if len(f) != SamplesPerFrame {
			t.Fatalf("frame %d: len = %d, want %d", i, len(f), SamplesPerFrame)
		}
		if f[0] != byte(i+1) {
			t.Errorf("frame %d: payload = %d, want %d", i, f[0], i+1)
		}
	}
}

func TestStreamDeliversDTMFDigits(t *testing.T) {
	s, sender := newTestStream(t)
	local := s.conn.LocalAddr().(*net.UDPAddr)

	// End packet for digit 4, retransmitted once.
	payload := []byte{0x04, 0x8A, 0x03, 0x20}
	sendRTP(t, sender, local, 101, 500, 8000, payload)
	sendRTP(t, sender, local, 101, 501, 8000, payload)

	select {
	case d := <-s.Digits():
		if d != "4" {
			t.Errorf("digit = %q, want 4", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for digit")
	}

	// The retransmission must not produce a second digit.
	select {
	case d := <-s.Digits():
		t.Errorf("unexpected extra digit %q", d)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamInjectDigit(t *testing.T) {
	s, _ := newTestStream(t)

	s.InjectDigit("9")
	select {
	case d := <-s.Digits():
		if d != "9" {
			t.Errorf("digit = %q, want 9", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected digit")
	}
}

func TestStreamSendsQueuedAudio(t *testing.T) {
	s, sender := newTestStream(t)

	audio := make([]byte, SamplesPerFrame)
	for i := range audio {
		audio[i] = 0x42
	}
	s.Queue(audio)

	buf := make([]byte, maxRTPPacket)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sender.SetReadDeadline(deadline)
		n, _, err := sender.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("reading sent rtp: %v", err)
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if pkt.PayloadType != PayloadPCMU {
			t.Fatalf("payload type = %d, want %d", pkt.PayloadType, PayloadPCMU)
		}
		if len(pkt.Payload) != SamplesPerFrame {
			t.Fatalf("payload len = %d, want %d", len(pkt.Payload), SamplesPerFrame)
		}
		// Skip leading silence frames until the queued audio shows up.
		if pkt.Payload[0] == 0x42 {
			if !pkt.Marker {
				t.Error("first audio frame after silence should carry the marker bit")
			}
			return
		}
	}
}

func TestStreamQueueSlicing(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	s := NewStream(StreamConfig{
		Conn:   conn,
		Remote: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9},
		Logger: testLogger(),
	})

	// 400 bytes = 2 full frames + 80 bytes held as partial.
	s.Queue(make([]byte, 400))
	if got := s.QueueDepth(); got != 2 {
		t.Errorf("queue depth = %d, want 2", got)
	}

	// 80 more bytes complete the third frame.
	s.Queue(make([]byte, 80))
	if got := s.QueueDepth(); got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}

	s.ClearQueue()
	if got := s.QueueDepth(); got != 0 {
		t.Errorf("queue depth after clear = %d, want 0", got)
	}
}

func TestStreamStopIdempotent(t *testing.T) {
	s, _ := newTestStream(t)
	s.Stop()
	s.Stop() // must not panic or block

	select {
	case <-s.Done():
	default:
		t.Error("Done channel should be closed after Stop")
	}
}

func TestListenRTPUsesEvenPorts(t *testing.T) {
	conn, err := ListenRTP(40000, 40010)
	if err != nil {
		t.Fatalf("ListenRTP: %v", err)
	}
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	if port%2 != 0 {
		t.Errorf("port = %d, want even", port)
	}
	if port < 40000 || port > 40010 {
		t.Errorf("port = %d outside range", port)
	}
}
