package transport

import (
	"time"

	"github.com/vango-dev/deltacast/pkg/protocol"
)

// Fragmenter splits encoded packets into datagrams.
type Fragmenter struct {
	maxDatagram int
}

// NewFragmenter creates a fragmenter for datagrams of at most maxDatagram
// bytes.
func NewFragmenter(maxDatagram int) *Fragmenter {
	if maxDatagram <= protocol.FragmentHeaderSize {
		maxDatagram = DefaultMaxDatagramSize
	}
	return &Fragmenter{maxDatagram: maxDatagram}
}

// Split returns the datagrams for packet. All datagrams share one backing
// buffer and must be treated as read-only.
func (f *Fragmenter) Split(frameID uint32, packet []byte) ([][]byte, error) {
	chunk := f.maxDatagram - protocol.FragmentHeaderSize
	count := (len(packet) + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	if count > protocol.MaxFragments {
		return nil, ErrPacketTooLarge
	}

	buf := make([]byte, 0, len(packet)+count*protocol.FragmentHeaderSize)
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := min(lo+chunk, len(packet))
		start := len(buf)
		buf = protocol.AppendFragment(buf, protocol.Fragment{
			FrameID: frameID,
			Index:   uint16(i),
			Count:   uint16(count),
			Data:    packet[lo:hi],
		})
		out[i] = buf[start:len(buf):len(buf)]
	}
	return out, nil
}

// ReassemblyStats counts reassembly outcomes.
type ReassemblyStats struct {
	Completed  uint64
	Expired    uint64 // Partial frames that timed out
	Evicted    uint64 // Partial frames pushed out by newer ones
	Stale      uint64 // Fragments or partials older than the last completed frame
	Duplicates uint64
	Invalid    uint64
}

type partial struct {
	count    uint16
	parts    [][]byte
	received int
	size     int
	started  time.Time
}

// Reassembler rebuilds packets from datagrams. Lost fragments are never
// requested again: a frame with a missing fragment expires.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	timeout    time.Duration
	maxPending int
	now        func() time.Time

	pending  map[uint32]*partial
	last     uint32
	haveLast bool
	stats    ReassemblyStats
	observe  func(event string)
}

// NewReassembler creates a reassembler holding at most maxPending partial
// frames, each for at most timeout.
func NewReassembler(timeout time.Duration, maxPending int) *Reassembler {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if maxPending <= 0 {
		maxPending = 8
	}
	return &Reassembler{
		timeout:    timeout,
		maxPending: maxPending,
		now:        time.Now,
		pending:    make(map[uint32]*partial),
		observe:    func(string) {},
	}
}

// Stats returns the outcome counters.
func (r *Reassembler) Stats() ReassemblyStats {
	return r.stats
}

// Pending returns the number of partial frames held.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Reset drops all partial frames and the ordering baseline.
func (r *Reassembler) Reset() {
	clear(r.pending)
	r.haveLast = false
}

// Add consumes one datagram. It returns the packet and true when the
// datagram completes a frame.
func (r *Reassembler) Add(datagram []byte) ([]byte, bool) {
	frag, err := protocol.DecodeFragment(datagram)
	if err != nil {
		r.stats.Invalid++
		r.observe("invalid")
		return nil, false
	}

	now := r.now()
	r.expire(now)

	if r.haveLast && !newer(frag.FrameID, r.last) {
		r.stats.Stale++
		r.observe("stale")
		return nil, false
	}

	if frag.Count == 1 {
		r.complete(frag.FrameID)
		return frag.Data, true
	}

	p := r.pending[frag.FrameID]
	if p != nil && p.count != frag.Count {
		delete(r.pending, frag.FrameID)
		r.stats.Invalid++
		r.observe("invalid")
		return nil, false
	}
	if p == nil {
		if len(r.pending) >= r.maxPending {
			r.evictOldest()
		}
		p = &partial{count: frag.Count, parts: make([][]byte, frag.Count), started: now}
		r.pending[frag.FrameID] = p
	}

	if p.parts[frag.Index] != nil {
		r.stats.Duplicates++
		r.observe("duplicate")
		return nil, false
	}
	p.parts[frag.Index] = frag.Data
	p.received++
	p.size += len(frag.Data)
	if p.received < int(p.count) {
		return nil, false
	}

	packet := make([]byte, 0, p.size)
	for _, part := range p.parts {
		packet = append(packet, part...)
	}
	delete(r.pending, frag.FrameID)
	r.complete(frag.FrameID)
	return packet, true
}

// complete records id as the newest finished frame and discards partial
// frames older than it.
func (r *Reassembler) complete(id uint32) {
	r.stats.Completed++
	r.observe("complete")
	r.last, r.haveLast = id, true
	for pid := range r.pending {
		if !newer(pid, id) {
			delete(r.pending, pid)
			r.stats.Stale++
			r.observe("stale")
		}
	}
}

func (r *Reassembler) expire(now time.Time) {
	for id, p := range r.pending {
		if now.Sub(p.started) > r.timeout {
			delete(r.pending, id)
			r.stats.Expired++
			r.observe("expired")
		}
	}
}

func (r *Reassembler) evictOldest() {
	var (
		oldestID uint32
		oldest   *partial
	)
	for id, p := range r.pending {
		if oldest == nil || p.started.Before(oldest.started) {
			oldestID, oldest = id, p
		}
	}
	if oldest != nil {
		delete(r.pending, oldestID)
		r.stats.Evicted++
		r.observe("evicted")
	}
}

// newer reports whether a follows b in 32-bit serial number arithmetic.
func newer(a, b uint32) bool {
	return int32(a-b) > 0
}
