package tcp

import "net/netip"

// RSTQueue is a small fixed-size queue of pending stateless RST responses,
// issued when a segment arrives for a port with no listening or established
// connection (§3's "no socket" case: the engine owes the peer a RST but has
// no Conn to carry it on). It is not safe for concurrent use; callers must
// synchronize access.
type RSTQueue struct {
	buf [4]rstEntry
	len uint8
}

type rstEntry struct {
	remoteAddr netip.Addr
	remotePort uint16
	localPort  uint16
	seq        Value
	ack        Value
	flags      Flags
	opts       [4]byte
	optsLen    uint8
}

// Queue enqueues a RST (or, via opts, a SYN-ACK carrying options such as the
// SYN-cookie path's MSS) response addressed to remoteAddr:remotePort.
// Silently drops the entry if the queue is already full, or truncates opts
// beyond the fixed per-entry capacity; a flooded stateless responder is
// expected to shed load rather than allocate without bound.
func (q *RSTQueue) Queue(remoteAddr netip.Addr, remotePort, localPort uint16, seq, ack Value, flags Flags, opts ...byte) {
	if q.len < uint8(len(q.buf)) {
		entry := &q.buf[q.len]
		entry.remoteAddr = remoteAddr
		entry.remotePort = remotePort
		entry.localPort = localPort
		entry.seq = seq
		entry.ack = ack
		entry.flags = flags
		entry.optsLen = uint8(copy(entry.opts[:], opts))
		q.len++
	}
}

// Pending returns the number of queued RST entries.
func (q *RSTQueue) Pending() int { return int(q.len) }

// Drain renders one pending RST segment into dst and reports the address it
// must be routed to by the network-layer collaborator. Returns (zero addr,
// 0, nil) if the queue is empty.
func (q *RSTQueue) Drain(dst []byte) (remoteAddr netip.Addr, n int, err error) {
	if q.len == 0 {
		return netip.Addr{}, 0, nil
	}
	q.len--
	entry := &q.buf[q.len]
	n = sizeHeaderTCP + int(entry.optsLen)
	if len(dst) < n {
		return netip.Addr{}, 0, errShortBuffer
	}
	tfrm, err := NewFrame(dst[:n])
	if err != nil {
		return netip.Addr{}, 0, err
	}
	tfrm.SetSourcePort(entry.localPort)
	tfrm.SetDestinationPort(entry.remotePort)
	tfrm.SetSegment(Segment{
		SEQ:   entry.seq,
		ACK:   entry.ack,
		Flags: entry.flags,
	}, uint8(5+entry.optsLen/4))
	copy(dst[sizeHeaderTCP:n], entry.opts[:entry.optsLen])
	tfrm.SetUrgentPtr(0)
	return entry.remoteAddr, n, nil
}
