package tcp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/gosheep/tcpcore/internal"
)

// pool is a [sync.Pool] like
type pool interface {
	GetTCP() (*Conn, Value)
	PutTCP(*Conn)
}

type Listener struct {
	connID uint64
	mu     sync.Mutex
	// incoming stores connections that are potential candidates for acceptance.
	incoming []*Conn
	// accepted stores all connections that have been accepted and are open.
	accepted   []*Conn
	port       uint16
	poolGet    func() (*Conn, Value)
	poolReturn func(*Conn)
	cb         callbacks
	onAccept   AcceptCallback
	logger
}

func (listener *Listener) reset(port uint16, tcppool pool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.connID++
	listener.port = port
	listener.poolGet = tcppool.GetTCP
	listener.poolReturn = tcppool.PutTCP
}

func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// SetOnAccept registers the callback fired when a new half-open connection
// is admitted into the backlog, ahead of its handshake completing.
func (listener *Listener) SetOnAccept(cb AcceptCallback) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.onAccept = cb
}

// SetOnConnect registers the callback (Listener.on_connect per §6) propagated
// to every connection this listener admits, fired once each one's handshake completes.
func (listener *Listener) SetOnConnect(cb ConnectCallback) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cb.onConnect = cb
}

// SetOnReceive registers the callback propagated to every connection this
// listener admits, fired when new data is available to read.
func (listener *Listener) SetOnReceive(cb ReceiveCallback) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cb.onReceive = cb
}

// SetOnDisconnect registers the callback propagated to every connection this
// listener admits, fired at most once when that connection is torn down.
func (listener *Listener) SetOnDisconnect(cb DisconnectCallback) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cb.onDisconnect = cb
}

// SetOnError registers the callback propagated to every connection this
// listener admits, fired on a non-terminal protocol error.
func (listener *Listener) SetOnError(cb ErrorCallback) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cb.onError = cb
}

// copyCallbacksTo propagates the listener's registered callbacks onto conn.
// Exported to the package so the SYN-cookie fallback (§4.7) can install them
// before replaying the synthetic handshake that drives conn to ESTABLISHED,
// ensuring on_connect still fires correctly for cookie-accepted peers.
func (listener *Listener) copyCallbacksTo(conn *Conn) {
	listener.mu.Lock()
	cbs := listener.cb
	listener.mu.Unlock()
	conn.setCallbacks(cbs)
}

// LocalPort implements [StackNode].
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

// ConnectionID implements [StackNode].
func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

// Protocol implements [StackNode].
func (listener *Listener) Protocol() uint64 { return uint64(tcpProtocolNumber) }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("already closed")
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	return nil
}

// AdoptEstablished registers an already-established Conn as accepted by the
// listener, bypassing the normal pool-allocated handshake path. Used by the
// SYN-cookie fallback (§4.7), which must drive a Conn through the handshake
// itself before the listener ever sees it.
func (listener *Listener) AdoptEstablished(conn *Conn) {
	listener.mu.Lock()
	listener.accepted = append(listener.accepted, conn)
	cbs := listener.cb
	onAccept := listener.onAccept
	listener.mu.Unlock()
	conn.setCallbacks(cbs)
	if onAccept != nil {
		onAccept(conn)
	}
}

func (listener *Listener) Reset(port uint16, pool pool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("nil TCP pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		nready++
	}
	return nready
}

// TryAccept polls the list of ready connections that have been established
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, net.ErrClosed
	}
	listener.debug("listener:tryaccept", slog.Uint64("port", uint64(listener.port)))
	listener.maintainConns()
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		listener.accepted = append(listener.accepted, conn)
		listener.incoming[i] = nil // discard from ready.
		return conn, nil
	}
	return nil, errors.New("no conns available")
}

// Send implements [StackNode]. It renders the next pending outgoing segment
// from whichever of the listener's connections has one ready into dst.
func (listener *Listener) Send(dst []byte) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	// First try incoming connections (for handshake SYN-ACK).
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() == StateEstablished {
			// Nil or already established.
			continue
		}
		n, err := conn.Send(dst)
		if err != nil {
			err = listener.maintainConn(listener.incoming, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:send", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	// Then try accepted connections.
	for i, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.Send(dst)
		if err != nil {
			err = listener.maintainConn(listener.accepted, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:send", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	return 0, nil
}

// Recv implements [StackNode]. It demultiplexes a single inbound TCP segment
// identified by (src, srcPort) to one of the listener's connections by the
// 4-tuple rule of §3: exact-match accepted/incoming connections win over the
// wildcard listener, which only pulls a fresh Conn from the pool on a bare SYN.
func (listener *Listener) Recv(src netip.Addr, srcPort uint16, segment []byte) error {
	listener.mu.Lock()
	if listener.isClosed() {
		listener.mu.Unlock()
		return net.ErrClosed
	}
	tfrm, err := NewFrame(segment)
	if err != nil {
		listener.mu.Unlock()
		return err
	}
	if tfrm.DestinationPort() != listener.port {
		listener.mu.Unlock()
		return errors.New("not our port")
	}

	// Try to demux in accepted:
	accepted := true
	demuxed, err := listener.tryDemux(listener.accepted, src, srcPort, segment)
	if !demuxed {
		accepted = false
		demuxed, err = listener.tryDemux(listener.incoming, src, srcPort, segment)
	}
	if demuxed {
		listener.debug("tcplistener:recv", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(srcPort)), slog.Bool("accepted", accepted))
		listener.mu.Unlock()
		return err
	}

	// Connection not in ready nor accepted.
	_, flags := tfrm.OffsetAndFlags()
	if flags != FlagSYN {
		listener.mu.Unlock()
		return errPacketDrop // Not a synchronizing packet, drop it.
	}
	conn, iss := listener.poolGet()
	if conn == nil {
		listener.mu.Unlock()
		slog.Error("tcpListener:no-free-conn")
		return errPacketDrop
	}
	err = conn.OpenListen(listener.port, iss)
	if err != nil {
		listener.poolReturn(conn)
		listener.mu.Unlock()
		slog.Error("Listener:open", slog.String("err", err.Error()))
		return err // This should not happend
	}
	cbs := listener.cb
	conn.setCallbacks(cbs)
	err = conn.Recv(src, segment)
	if err != nil {
		listener.poolReturn(conn)
		listener.mu.Unlock()
		slog.Error("Listener:recv", slog.String("err", err.Error()))
		return errPacketDrop
	}
	listener.incoming = append(listener.incoming, conn)
	onAccept := listener.onAccept
	listener.debug("tcplistener:recv-new", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(srcPort)))
	listener.mu.Unlock()
	if onAccept != nil {
		onAccept(conn)
	}
	return nil
}

func (listener *Listener) tryDemux(conns []*Conn, src netip.Addr, srcPort uint16, segment []byte) (demuxed bool, err error) {
	idx := getConn(conns, srcPort, src)
	if idx >= 0 {
		err := conns[idx].Recv(src, segment)
		if err != nil {
			err = listener.maintainConn(conns, idx, err)
		}
		return true, err
	}
	return false, nil
}

func (listener *Listener) isClosed() bool {
	return listener.port == 0
}

func (listener *Listener) maintainConns() {
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		if listener.incoming[i] == nil {
			continue
		}
		state := listener.incoming[i].State()
		if state > StateEstablished || state.IsClosed() {
			// Something went wrong in handshake or pool aborted/closed the connection.
			listener.poolReturn(listener.incoming[i])
			listener.incoming[i] = nil
		}
	}
	listener.incoming = internal.DeleteZeroed(listener.incoming)
}

func getConn(conns []*Conn, remotePort uint16, remoteAddr netip.Addr) int {
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		gotPort := conn.RemotePort()
		gotaddr := conn.RemoteAddr()
		if remotePort == gotPort && remoteAddr == gotaddr {
			return i
		}
	}
	return -1
}

func (listener *Listener) maintainConn(conns []*Conn, idx int, err error) error {
	if err == net.ErrClosed {
		listener.poolReturn(conns[idx])
		conns[idx] = nil
		return nil // avoid closing listener entirely.
	}
	return err
}
