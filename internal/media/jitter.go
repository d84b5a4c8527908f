package media

// DefaultReorderWindow is how many sequence numbers ahead of the next
// expected packet we are willing to hold back waiting for a missing one.
// Beyond this the hole is declared lost and filled with silence.
const DefaultReorderWindow = 4

// jitterBuffer restores RTP packet order for a single audio stream and
// fills unrecoverable gaps with silence so the decoded stream keeps a
// constant 160-samples-per-frame cadence.
//
// Packets up to the reorder window ahead of the expected sequence number
// are held back until the hole fills. A packet arriving further ahead
// flushes the buffer: every still-missing sequence number in between is
// replaced by one silence frame. Late packets (already passed over) are
// dropped.
//
// Not safe for concurrent use; the Stream read loop is the only caller.
type jitterBuffer struct {
	window  int
	silence []byte

	started  bool
	expected uint16
	pending  map[uint16][]byte

	late uint64
	lost uint64
}

func newJitterBuffer(window int, silence []byte) *jitterBuffer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &jitterBuffer{
		window:  window,
		silence: silence,
		pending: make(map[uint16][]byte),
	}
}

// seqDelta returns the signed distance from b to a in sequence number
// space, handling wraparound at 65536.
func seqDelta(a, b uint16) int {
	return int(int16(a - b))
}

// Push accepts one RTP payload and returns the frames that are now ready
// for delivery, in order. Gaps declared lost come back as silence frames.
// Returns nil when the packet was buffered or dropped.
func (j *jitterBuffer) Push(seq uint16, payload []byte) [][]byte {
	if !j.started {
		j.started = true
		j.expected = seq + 1
		return [][]byte{payload}
	}

	delta := seqDelta(seq, j.expected)
	switch {
	case delta < 0:
		// Already passed over (duplicate or too late).
		j.late++
		return nil

	case delta == 0:
		out := [][]byte{payload}
		j.expected++
		return append(out, j.drain()...)

	case delta <= j.window:
		j.pending[seq] = payload
		return nil

	default:
		// The hole is too old to keep waiting for. Flush everything up
		// to this packet, substituting silence for what never arrived.
		var out [][]byte
		for s := j.expected; s != seq; s++ {
			if p, ok := j.pending[s]; ok {
				out = append(out, p)
				delete(j.pending, s)
			} else {
				out = append(out, j.silence)
				j.lost++
			}
		}
		out = append(out, payload)
		j.expected = seq + 1
		return append(out, j.drain()...)
	}
}

// drain pops consecutively buffered packets starting at the expected
// sequence number.
func (j *jitterBuffer) drain() [][]byte {
	var out [][]byte
	for {
		p, ok := j.pending[j.expected]
		if !ok {
			return out
		}
		delete(j.pending, j.expected)
		out = append(out, p)
		j.expected++
	}
}
