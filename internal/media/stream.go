package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// readTimeout is the read deadline for the stream's UDP socket. Short
// enough for the read loop to notice Stop promptly.
const readTimeout = 100 * time.Millisecond

// frameChanSize buffers received frames so a briefly slow consumer does
// not stall the read loop. 64 frames is 1.28s of audio.
const frameChanSize = 64

// digitChanSize buffers detected DTMF digits. A human can only press
// keys so fast.
const digitChanSize = 32

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Conn is the bound local RTP socket.
	Conn *net.UDPConn

	// Remote is the far end's RTP address from SDP negotiation. It is
	// the initial send target; symmetric RTP replaces it with the
	// observed source of the first valid packet.
	Remote *net.UDPAddr

	// TelephoneEventType is the negotiated RFC 2833 payload type, or 0
	// when the offer had none.
	TelephoneEventType uint8

	// ReorderWindow overrides DefaultReorderWindow when positive.
	ReorderWindow int

	Logger *slog.Logger
}

// StreamStats is a snapshot of the stream's packet counters.
type StreamStats struct {
	FramesSent     uint64
	FramesReceived uint64
	PacketsLost    uint64 // gaps filled with silence
	PacketsLate    uint64 // arrived after their slot was passed over
	PacketsDropped uint64 // malformed, wrong payload type, or consumer overrun
}

// Stream is one bidirectional G.711 RTP leg. The send loop emits one
// 160-byte u-law frame every 20ms, drawing from the outbound queue and
// falling back to silence when the queue is empty. The receive loop
// reorders incoming audio through a jitter buffer and delivers it as
// fixed-size frames; RFC 2833 telephone-event packets become digits.
type Stream struct {
	conn   *net.UDPConn
	remote *atomicAddr
	dtmfPT uint8
	window int
	logger *slog.Logger

	// frames delivers received u-law frames in order, gaps silence
	// filled. Closed when the stream stops.
	frames chan []byte

	// digits delivers DTMF digits from RFC 2833 and SIP INFO injection.
	// Never closed; consumers should also watch Done.
	digits chan string

	mu      sync.Mutex
	queue   [][]byte
	partial []byte

	ssrc uint32
	seq  uint16
	ts   uint32

	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	packetsLost    atomic.Uint64
	packetsLate    atomic.Uint64
	packetsDropped atomic.Uint64
}

// NewStream creates a stream over the given socket. Call Start to begin
// the send and receive loops.
func NewStream(cfg StreamConfig) *Stream {
	window := cfg.ReorderWindow
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &Stream{
		conn:   cfg.Conn,
		remote: newAtomicAddr(cfg.Remote),
		dtmfPT: cfg.TelephoneEventType,
		window: window,
		logger: cfg.Logger.With("subsystem", "rtp-stream"),
		frames: make(chan []byte, frameChanSize),
		digits: make(chan string, digitChanSize),
		done:   make(chan struct{}),
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
	}
}

// Start launches the send and receive loops.
func (s *Stream) Start() {
	s.wg.Add(2)
	go s.sendLoop()
	go s.recvLoop()

	s.logger.Info("rtp stream started",
		"local_port", s.LocalPort(),
		"remote", s.remote.load().String(),
		"telephone_event_pt", s.dtmfPT,
	)
}

// Stop halts both loops, closes the socket and the frames channel.
// Safe to call more than once.
func (s *Stream) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	s.wg.Wait()
	s.conn.Close()
	close(s.frames)

	stats := s.Stats()
	s.logger.Info("rtp stream stopped",
		"frames_sent", stats.FramesSent,
		"frames_received", stats.FramesReceived,
		"packets_lost", stats.PacketsLost,
		"packets_late", stats.PacketsLate,
		"packets_dropped", stats.PacketsDropped,
	)
}

// Done is closed when the stream has been stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Frames delivers received audio as 160-byte u-law frames.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Digits delivers detected DTMF digits.
func (s *Stream) Digits() <-chan string { return s.digits }

// LocalPort returns the local RTP port.
func (s *Stream) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// RemoteAddr returns the current far-end RTP address. After symmetric
// RTP learning this may differ from the SDP-signaled address.
func (s *Stream) RemoteAddr() *net.UDPAddr {
	return s.remote.load()
}

// Stats returns a snapshot of the stream's packet counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		PacketsLost:    s.packetsLost.Load(),
		PacketsLate:    s.packetsLate.Load(),
		PacketsDropped: s.packetsDropped.Load(),
	}
}

// Queue appends u-law audio to the outbound queue. The audio is sliced
// into 20ms frames; a trailing partial frame is held until more audio
// arrives or the stream stops.
func (s *Stream) Queue(ulaw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial = append(s.partial, ulaw...)
	for len(s.partial) >= SamplesPerFrame {
		frame := make([]byte, SamplesPerFrame)
		copy(frame, s.partial[:SamplesPerFrame])
		s.queue = append(s.queue, frame)
		s.partial = s.partial[SamplesPerFrame:]
	}
}

// ClearQueue discards all queued outbound audio. Used for barge-in:
// when the caller starts speaking, stale assistant audio is dropped.
func (s *Stream) ClearQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.partial = nil
}

// QueueDepth returns the number of queued outbound frames.
func (s *Stream) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InjectDigit feeds a digit from an out-of-band source (SIP INFO) into
// the same channel as RFC 2833 digits. Dropped if the stream stopped or
// the channel is full.
func (s *Stream) InjectDigit(digit string) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.digits <- digit:
	default:
		s.logger.Warn("digit channel full, dtmf digit dropped", "digit", digit)
	}
}

// dequeue pops the next outbound frame, or nil when the queue is empty.
func (s *Stream) dequeue() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	return frame
}

// sendLoop transmits one frame per 20ms tick. Silence is sent when no
// audio is queued so the far end sees a continuous stream and NAT
// bindings stay warm. The marker bit is set on the first audio frame
// after silence (start of a talkspurt).
func (s *Stream) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	silence := SilenceFrame()
	inTalkspurt := false

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame := s.dequeue()
		marker := false
		if frame == nil {
			frame = silence
			inTalkspurt = false
		} else if !inTalkspurt {
			marker = true
			inTalkspurt = true
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    PayloadPCMU,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: frame,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			s.logger.Error("rtp marshal failed", "error", err)
			continue
		}

		if _, err := s.conn.WriteToUDP(raw, s.remote.load()); err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Debug("rtp write error", "error", err)
			continue
		}

		s.seq++
		s.ts += timestampIncrement
		s.framesSent.Add(1)
	}
}

// recvLoop reads incoming packets, learns the remote address from the
// first valid one (symmetric RTP), routes telephone-event packets to the
// digit channel and audio through the jitter buffer to the frame channel.
func (s *Stream) recvLoop() {
	defer s.wg.Done()

	jb := newJitterBuffer(s.window, SilenceFrame())
	dedupe := &dtmfDeduper{}
	buf := make([]byte, maxRTPPacket)
	learned := false

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if s.stopped.Load() {
				return
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.packetsDropped.Add(1)
			continue
		}

		switch {
		case s.dtmfPT != 0 && pkt.PayloadType == s.dtmfPT:
			if digit := dedupe.digit(pkt.Payload, pkt.Timestamp); digit != "" {
				s.logger.Debug("dtmf digit detected", "digit", digit)
				select {
				case s.digits <- digit:
				default:
					s.packetsDropped.Add(1)
				}
			}

		case pkt.PayloadType == PayloadPCMU:
			// Symmetric RTP: learn the actual remote address from the
			// first valid packet. Handles NAT where the real source
			// differs from the SDP-signaled address.
			if !learned {
				if s.remote.update(srcAddr) {
					s.logger.Info("symmetric rtp: learned remote address", "address", srcAddr.String())
				}
				learned = true
			}

			ready := jb.Push(pkt.SequenceNumber, pkt.Payload)
			s.packetsLost.Store(jb.lost)
			s.packetsLate.Store(jb.late)
			for _, frame := range ready {
				select {
				case s.frames <- frame:
					s.framesReceived.Add(1)
				default:
					s.packetsDropped.Add(1)
				}
			}

		default:
			s.packetsDropped.Add(1)
		}
	}
}

// ListenRTP binds a UDP socket on the first free even port in
// [minPort, maxPort]. RTP convention reserves the next odd port for RTCP.
func ListenRTP(minPort, maxPort int) (*net.UDPConn, error) {
	start := minPort
	if start%2 != 0 {
		start++
	}
	for port := start; port <= maxPort; port += 2 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free rtp port in range %d-%d", minPort, maxPort)
}
