package tcp

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

const defaultMSL = 30 * time.Second

var (
	errNoFreeConn     = errors.New("tcp: no free connection slots")
	errNoFreeListener = errors.New("tcp: no free listener slots")
	errPortInUse      = errors.New("tcp: port already bound")
	errPortNotBound   = errors.New("tcp: port not bound")
)

// TableConfig sizes a [Table]'s preallocated connection and listener pools.
// All buffers a Table ever hands out are carved out of slices allocated once
// at construction, so a Table never allocates on the data path.
type TableConfig struct {
	// MaxConns bounds the number of simultaneous connections (established,
	// half-open or active) the table can track. Zero defaults to 16.
	MaxConns int
	// MaxListeners bounds the number of ports that can be simultaneously
	// bound with Bind. Zero defaults to 4.
	MaxListeners int
	// RxBufferSize and TxBufferSize size each connection's receive/send
	// ring buffers. Zero defaults to 4096.
	RxBufferSize int
	TxBufferSize int
	// TxPacketQueue bounds the number of unacked segments a connection's
	// send queue tracks. Zero defaults to 10, matching set_buffer_limit's
	// documented default (§6/§12).
	TxPacketQueue int
	// MSL is the Maximum Segment Lifetime used to size the TIME-WAIT
	// timeout (2*MSL per §4.4/§9). Zero defaults to 2 minutes.
	MSL time.Duration
	// ISSGenerator supplies initial sequence numbers. Nil uses
	// DefaultISSGenerator.
	ISSGenerator *ISSGenerator
	// SYNCookies, if non-nil, enables stateless SYN cookie fallback
	// (§4.7) once the connection pool is exhausted.
	SYNCookies *SYNCookieConfig
	Logger     *slog.Logger
}

// Table is the connection table of §4.6: it demultiplexes inbound segments
// to the right Listener or Conn by 4-tuple, owns the fixed pool of Conn
// storage handed out to Listeners, answers for stateless RSTs when no
// socket claims a segment, runs the TIME-WAIT reaper, and falls back to SYN
// cookies under connection-pool pressure. It is the thing an IP-layer
// collaborator drives with Recv/Send/Tick.
type Table struct {
	mu sync.Mutex
	logger

	conns []Conn
	free  []int // indices into conns not currently leased out

	listeners []Listener
	lports    []uint16 // lports[i] == listeners[i].LocalPort(), 0 if slot free

	actives    []*Conn     // outbound Connect()-opened conns, not owned by any Listener
	timeWaitAt []time.Time // parallel to actives; zero until first observed in TIME-WAIT

	rst     RSTQueue
	iss     *ISSGenerator
	cookies *SYNCookieJar

	txPackets int
	msl       time.Duration

	metrics tableMetrics
}

// NewTable allocates a Table per cfg. The returned Table owns all buffers it
// hands to Conns; callers must not reuse cfg's slices.
func NewTable(cfg TableConfig) (*Table, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 16
	}
	if cfg.MaxListeners <= 0 {
		cfg.MaxListeners = 4
	}
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = 4096
	}
	if cfg.TxBufferSize <= 0 {
		cfg.TxBufferSize = 4096
	}
	if cfg.TxPacketQueue <= 0 {
		cfg.TxPacketQueue = 10
	}
	if cfg.MSL <= 0 {
		cfg.MSL = defaultMSL
	}
	iss := cfg.ISSGenerator
	if iss == nil {
		iss = DefaultISSGenerator
	}

	t := &Table{
		conns:     make([]Conn, cfg.MaxConns),
		free:      make([]int, cfg.MaxConns),
		listeners: make([]Listener, cfg.MaxListeners),
		lports:    make([]uint16, cfg.MaxListeners),
		iss:       iss,
		txPackets: cfg.TxPacketQueue,
		msl:       cfg.MSL,
	}
	t.logger.log = cfg.Logger
	for i := range t.listeners {
		t.listeners[i].SetLogger(cfg.Logger)
	}
	for i := range t.conns {
		rx := make([]byte, cfg.RxBufferSize)
		tx := make([]byte, cfg.TxBufferSize)
		err := t.conns[i].Configure(ConnConfig{RxBuf: rx, TxBuf: tx, TxPacketQueueSize: cfg.TxPacketQueue, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		t.free[i] = i
	}
	if cfg.SYNCookies != nil {
		cfgCopy := *cfg.SYNCookies
		if cfgCopy.Rand == nil {
			cfgCopy.Rand = rand.Reader
		}
		jar := &SYNCookieJar{}
		if err := jar.Reset(cfgCopy); err != nil {
			return nil, err
		}
		t.cookies = jar
	}
	return t, nil
}

// GetTCP implements the pool interface Listener relies on to pull a fresh
// Conn for an incoming SYN. Returns (nil, 0) if the pool is exhausted.
func (t *Table) GetTCP() (*Conn, Value) {
	if len(t.free) == 0 {
		return nil, 0
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return &t.conns[idx], t.iss.Next()
}

// PutTCP implements the pool interface Listener relies on to release a Conn
// back to the table once it is closed or aborted.
func (t *Table) PutTCP(conn *Conn) {
	conn.Abort()
	forgetConnID(conn)
	for i := range t.conns {
		if &t.conns[i] == conn {
			t.free = append(t.free, i)
			return
		}
	}
}

// Bind reserves localPort and returns a Listener accepting connections on
// it. The returned Listener draws its Conns from the Table's shared pool.
func (t *Table) Bind(localPort uint16) (*Listener, error) {
	if localPort == 0 {
		return nil, errZeroDstPort
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	freeIdx := -1
	for i, p := range t.lports {
		if p == localPort {
			return nil, errPortInUse
		}
		if p == 0 && freeIdx < 0 {
			freeIdx = i
		}
	}
	if freeIdx < 0 {
		return nil, errNoFreeListener
	}
	err := t.listeners[freeIdx].Reset(localPort, t)
	if err != nil {
		return nil, err
	}
	t.lports[freeIdx] = localPort
	t.debug("table:bind", slog.Uint64("port", uint64(localPort)))
	return &t.listeners[freeIdx], nil
}

// Unbind closes the listener previously returned by Bind for localPort.
func (t *Table) Unbind(localPort uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.lports {
		if p == localPort {
			err := t.listeners[i].Close()
			t.lports[i] = 0
			return err
		}
	}
	return errPortNotBound
}

// Connect opens an active (outbound) connection to remote from localPort.
// The returned Conn is owned by the Table and must be driven by Send/Recv
// from the caller's network-layer collaborator same as a Listener's Conns.
func (t *Table) Connect(localPort uint16, remote netip.AddrPort) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return nil, errNoFreeConn
	}
	idx := t.free[len(t.free)-1]
	conn := &t.conns[idx]
	err := conn.OpenActive(localPort, remote, t.iss.Next())
	if err != nil {
		return nil, err
	}
	t.free = t.free[:len(t.free)-1]
	t.actives = append(t.actives, conn)
	t.timeWaitAt = append(t.timeWaitAt, time.Time{})
	t.debug("table:connect", slog.Uint64("lport", uint64(localPort)), slog.String("raddr", remote.String()))
	return conn, nil
}

// Recv demultiplexes a single inbound TCP segment to whichever Conn or
// Listener owns it (§3's 4-tuple rule: an exact-match active connection
// always wins over a bound port's wildcard listener), answers with a
// queued stateless RST when no socket claims it, and falls back to SYN
// cookies when the connection pool is exhausted and cookies are configured.
// dst is the local address the segment arrived on; a single-homed engine
// ignores it, but the signature carries it so a multi-homed network-layer
// collaborator can route one Table across several local addresses.
func (t *Table) Recv(src, dst netip.Addr, segment []byte) error {
	tfrm, err := NewFrame(segment)
	if err != nil {
		return err
	}
	dstPort := tfrm.DestinationPort()
	srcPort := tfrm.SourcePort()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, conn := range t.actives {
		if conn.RemotePort() == srcPort && conn.RemoteAddr() == src && conn.LocalPort() == dstPort {
			err := conn.Recv(src, segment)
			t.reapActiveLocked(conn)
			return err
		}
	}

	for i, p := range t.lports {
		if p != dstPort {
			continue
		}
		err := t.listeners[i].Recv(src, srcPort, segment)
		if err == nil || !errors.Is(err, errPacketDrop) {
			return err
		}
		// Listener dropped it: either not a SYN, or the pool was
		// exhausted when it tried poolGet. Try the cookie fallback
		// before giving up, same as §4.7 prescribes.
		_, flags := tfrm.OffsetAndFlags()
		seg := tfrm.Segment(len(tfrm.Payload()))
		if t.cookies != nil && flags == FlagSYN {
			return t.sendCookieSYNACK(src, dstPort, srcPort, seg.SEQ, tfrm.Options())
		}
		if t.cookies != nil && flags.HasAll(FlagACK) && !flags.HasAny(FlagSYN|FlagRST|FlagFIN) {
			return t.acceptCookieACK(src, dstPort, srcPort, seg)
		}
		t.metrics.droppedNoSocket++
		if flags.HasAny(FlagACK) {
			t.rst.Queue(src, srcPort, dstPort, seg.ACK, 0, FlagRST)
		} else {
			t.rst.Queue(src, srcPort, dstPort, 0, seg.SEQ+Value(seg.DATALEN)+1, FlagRST|FlagACK)
		}
		return nil
	}

	// No bound port, no active connection: the segment belongs to nobody.
	t.metrics.droppedNoSocket++
	_, flags := tfrm.OffsetAndFlags()
	if flags.HasAny(FlagRST) {
		return nil // never RST a RST.
	}
	seg := tfrm.Segment(len(tfrm.Payload()))
	if flags.HasAny(FlagACK) {
		t.rst.Queue(src, srcPort, dstPort, seg.ACK, 0, FlagRST)
	} else {
		t.rst.Queue(src, srcPort, dstPort, 0, seg.SEQ+Value(seg.DATALEN)+1, FlagRST|FlagACK)
	}
	return nil
}

// clientMSS extracts the MSS a SYN's options advertised, falling back to the
// RFC 9293 default of 536 when the option is absent or malformed.
func clientMSS(opts []byte) uint16 {
	mss := uint16(536)
	_ = OptionCodec{}.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			mss = uint16(data[0])<<8 | uint16(data[1])
		}
		return nil
	})
	return mss
}

// sendCookieSYNACK answers a SYN with a SYN-ACK whose ISS is a SYN cookie,
// without allocating a Conn: the encoded cookie lets a later ACK be
// validated statelessly (§4.7), so the pool-exhaustion case still completes
// handshakes instead of dropping them. The client's advertised MSS is
// bucketed and folded into the cookie so it survives the stateless gap, per
// RFC 4987's "(optionally) an MSS index" construction.
func (t *Table) sendCookieSYNACK(src netip.Addr, localPort, remotePort uint16, clientISN Value, clientOpts []byte) error {
	srcBytes := src.AsSlice()
	dstBytes := make([]byte, len(srcBytes)) // local address not tracked per-segment; cookie binds to ports+remote only.
	mssIndex := encodeMSSIndex(clientMSS(clientOpts))
	cookie := t.cookies.MakeSYNCookie(dstBytes, srcBytes, localPort, remotePort, clientISN, mssIndex)
	var opts [4]byte
	n, _ := OptionCodec{}.PutOption16(opts[:], OptMaxSegmentSize, decodeMSSIndex(mssIndex))
	t.rst.Queue(src, remotePort, localPort, cookie, clientISN+1, synack, opts[:n]...)
	t.metrics.cookiesIssued++
	t.debug("table:syncookie-issue", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(remotePort)), slog.Uint64("mss", uint64(decodeMSSIndex(mssIndex))))
	return nil
}

// acceptCookieACK validates a cookie-carrying ACK. If valid and a Conn slot
// has since freed up, it drives a freshly leased Conn through the last leg
// of the handshake using the normal state machine (a synthetic replay of
// the original SYN, carrying the cookie-recovered MSS, followed by the real
// ACK) so the table never hand-rolls TCB state outside control.go.
func (t *Table) acceptCookieACK(src netip.Addr, localPort, remotePort uint16, seg Segment) error {
	clientISN := seg.SEQ - 1
	srcBytes := src.AsSlice()
	dstBytes := make([]byte, len(srcBytes))
	cookie, mssIndex, err := t.cookies.ValidateSYNCookie(dstBytes, srcBytes, localPort, remotePort, clientISN, seg.ACK)
	if err != nil {
		t.metrics.cookiesRejected++
		t.rst.Queue(src, remotePort, localPort, seg.ACK, 0, FlagRST)
		return nil
	}
	t.metrics.cookiesAccepted++
	if len(t.free) == 0 {
		// Cookie is legitimate but we still have nowhere to put the
		// connection; drop rather than RST a well-behaved peer.
		return nil
	}
	idx := t.free[len(t.free)-1]
	conn := &t.conns[idx]
	if err := conn.OpenListen(localPort, cookie); err != nil {
		return err
	}
	// Install the owning listener's callbacks before replaying the synthetic
	// SYN below, so on_connect fires correctly once the replay reaches
	// ESTABLISHED rather than only after AdoptEstablished runs.
	for i, p := range t.lports {
		if p == localPort {
			t.listeners[i].copyCallbacksTo(conn)
			break
		}
	}
	mss := decodeMSSIndex(mssIndex)
	var opts [4]byte
	n, _ := OptionCodec{}.PutOption16(opts[:], OptMaxSegmentSize, mss)
	synFrame := make([]byte, sizeHeaderTCP+n)
	tfrm, _ := NewFrame(synFrame)
	tfrm.SetSourcePort(remotePort)
	tfrm.SetDestinationPort(localPort)
	tfrm.SetSegment(Segment{SEQ: clientISN, ACK: 0, Flags: FlagSYN, WND: seg.WND}, uint8(5+n/4))
	copy(synFrame[sizeHeaderTCP:], opts[:n])
	t.debug("table:syncookie-accept", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(remotePort)), slog.Uint64("mss", uint64(mss)))
	if err := conn.Recv(src, synFrame); err != nil {
		return err
	}
	ackFrame := make([]byte, sizeHeaderTCP)
	tfrm, _ = NewFrame(ackFrame)
	tfrm.SetSourcePort(remotePort)
	tfrm.SetDestinationPort(localPort)
	tfrm.SetSegment(seg, 5)
	if err := conn.Recv(src, ackFrame); err != nil {
		return err
	}
	t.free = t.free[:len(t.free)-1]
	for i, p := range t.lports {
		if p == localPort {
			t.listeners[i].AdoptEstablished(conn)
			return nil
		}
	}
	return nil
}

// Send renders the next pending outgoing segment across every listener,
// active connection and the stateless RST queue into dst, in that
// priority order. Returns (0, nil) if nothing is pending anywhere.
func (t *Table) Send(dst []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.lports {
		if p == 0 {
			continue
		}
		n, err := t.listeners[i].Send(dst)
		if n > 0 || err != nil {
			return n, err
		}
	}
	for _, conn := range t.actives {
		n, err := conn.Send(dst)
		if n > 0 {
			t.reapActiveLocked(conn)
			return n, err
		}
	}
	if t.rst.Pending() > 0 {
		_, n, err := t.rst.Drain(dst)
		return n, err
	}
	return 0, nil
}

// reapActiveLocked returns a closed active connection to the pool. Must be
// called with t.mu held.
func (t *Table) reapActiveLocked(conn *Conn) {
	if conn.State() != StateClosed {
		return // StateTimeWait is reaped by Tick once 2*MSL elapses.
	}
	for i, c := range t.actives {
		if c == conn {
			t.removeActiveLocked(i)
			t.PutTCP(conn)
			return
		}
	}
}

// removeActiveLocked deletes index i from actives and its parallel
// timeWaitAt slice. Must be called with t.mu held.
func (t *Table) removeActiveLocked(i int) {
	t.actives = append(t.actives[:i], t.actives[i+1:]...)
	t.timeWaitAt = append(t.timeWaitAt[:i], t.timeWaitAt[i+1:]...)
}

// Tick drives time-based housekeeping: TIME-WAIT expiry (2*MSL) and SYN
// cookie counter advancement. Call it periodically, e.g. once per second.
func (t *Table) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cookies != nil {
		t.cookies.IncrementCounter()
	}
	for i := 0; i < len(t.actives); i++ {
		conn := t.actives[i]
		if conn.State() != StateTimeWait {
			t.timeWaitAt[i] = time.Time{}
			continue
		}
		if t.timeWaitAt[i].IsZero() {
			t.timeWaitAt[i] = now
			continue
		}
		if now.Sub(t.timeWaitAt[i]) >= 2*t.msl {
			conn.notifyDisconnect(nil) // Graceful active-close completion.
			t.PutTCP(conn)
			t.removeActiveLocked(i)
			i--
		}
	}
}

// ActiveConnections returns the number of connections currently tracked
// across all listeners and outbound connects, for introspection/tests (§8).
func (t *Table) ActiveConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.actives)
	for i := range t.listeners {
		if t.lports[i] == 0 {
			continue
		}
		n += len(t.listeners[i].accepted) + len(t.listeners[i].incoming)
	}
	return n
}

// OpenPorts returns the number of currently bound listener ports.
func (t *Table) OpenPorts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.lports {
		if p != 0 {
			n++
		}
	}
	return n
}

type tableMetrics struct {
	droppedNoSocket uint64
	cookiesIssued   uint64
	cookiesAccepted uint64
	cookiesRejected uint64
}
