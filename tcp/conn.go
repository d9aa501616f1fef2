package tcp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gosheep/tcpcore/internal"
)

var (
	errDeadlineExceeded = os.ErrDeadlineExceeded
	errNoRemoteAddr     = errors.New("tcp: no remote address established")
	errInvalidIP        = errors.New("tcp: invalid IP")
)

// ConnectCallback is invoked once per successful handshake, before any
// ReceiveCallback, per §5's ordering guarantee.
type ConnectCallback func(conn *Conn)

// ReceiveCallback signals that new data (or a FIN) has landed in the receive
// buffer; it is a push notification, not a delivery mechanism — call
// [Conn.Read] to consume the bytes.
type ReceiveCallback func(conn *Conn)

// DisconnectCallback is invoked at most once, when the connection is torn
// down. reason is nil for a graceful close and one of [ErrConnReset] or
// [ErrConnRefused] for a peer-initiated teardown (§7).
type DisconnectCallback func(conn *Conn, reason error)

// ErrorCallback is invoked on a protocol condition that does not by itself
// terminate the connection (e.g. a dropped segment due to a full receive
// buffer) or, for ProtocolRefused, ahead of the matching DisconnectCallback.
type ErrorCallback func(conn *Conn, err error)

// AcceptCallback is invoked by a [Listener] when a new half-open connection
// is admitted into its backlog, ahead of (and regardless of) its handshake
// ever completing.
type AcceptCallback func(conn *Conn)

// callbacks groups the per-connection callback slots of §4.5's Connection
// facade. It is copied wholesale from a [Listener] onto each Conn it admits,
// so a Listener's registrations apply uniformly to every accepted peer.
type callbacks struct {
	onConnect    ConnectCallback
	onReceive    ReceiveCallback
	onDisconnect DisconnectCallback
	onError      ErrorCallback
}

// Conn builds on the [Handler] abstraction and adds remote-address bookkeeping,
// deadline management, and a familiar user facing API like Write and Read methods.
// IP/Ethernet framing, routing and checksumming are the responsibility of the
// network-layer collaborator that feeds Conn.Recv and consumes Conn.Send; Conn
// itself only ever touches TCP segment bytes.
//
// Note that the complete emulation of [net.TCPConn] at this level of abstraction is yet a non-goal,
// even though the functionality provided is similar.
type Conn struct {
	mu         sync.Mutex
	h          Handler
	remoteAddr netip.Addr

	rdead    time.Time
	wdead    time.Time
	abortErr error
	cb       callbacks
	// connectFired/disconnectFired enforce §5's "on_connect fires exactly
	// once... before any on_receive; on_disconnect fires at most once" for
	// the current logical connection (reset to false on every (re)open).
	connectFired    bool
	disconnectFired bool
	logger
}

// reset must be called while holding [Conn.mu].
func (conn *Conn) reset(h Handler) {
	// Reset fields individually - DO NOT copy the mutex (undefined behavior in Go).
	// "A Mutex must not be copied after first use." - sync package docs.
	// Copying a locked mutex causes corruption on multi-core systems.
	conn.h = h
	conn.remoteAddr = netip.Addr{}
	conn.rdead = time.Time{}
	conn.wdead = time.Time{}
	conn.abortErr = nil
	conn.connectFired = false
	conn.disconnectFired = false
}

// SetOnConnect registers the callback fired once the handshake completes.
func (conn *Conn) SetOnConnect(cb ConnectCallback) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.cb.onConnect = cb
}

// SetOnReceive registers the callback fired when new data is available to read.
func (conn *Conn) SetOnReceive(cb ReceiveCallback) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.cb.onReceive = cb
}

// SetOnDisconnect registers the callback fired at most once when the
// connection is torn down.
func (conn *Conn) SetOnDisconnect(cb DisconnectCallback) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.cb.onDisconnect = cb
}

// SetOnError registers the callback fired on a non-terminal protocol error.
func (conn *Conn) SetOnError(cb ErrorCallback) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.cb.onError = cb
}

// setCallbacks copies cbs wholesale onto conn. Used by [Listener] to
// propagate its registered callbacks to each Conn it admits.
func (conn *Conn) setCallbacks(cbs callbacks) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.cb = cbs
}

// notifyDisconnect fires the on_disconnect callback at most once. Exported
// to the package for teardown paths that don't run through Conn.Recv/Send,
// such as the TIME-WAIT reaper in [Table.Tick].
func (conn *Conn) notifyDisconnect(reason error) {
	conn.mu.Lock()
	if conn.disconnectFired {
		conn.mu.Unlock()
		return
	}
	conn.disconnectFired = true
	cb := conn.cb.onDisconnect
	conn.mu.Unlock()
	if cb != nil {
		cb(conn, reason)
	}
}

// classifyRecvErr maps a [Handler.Recv] error to the callback(s) it should
// fire, per §7's asynchronous terminal-event policy: ProtocolPeerReset only
// notifies on_disconnect; ProtocolRefused notifies on_error then
// on_disconnect; BufferFull optionally notifies on_error; a graceful
// completion of LAST-ACK (no TIME-WAIT on the passive-close side) notifies
// on_disconnect with a nil reason. Anything else is a synchronous/internal
// condition the callback API does not surface. Must be called while holding
// conn.mu.
func (conn *Conn) classifyRecvErr(err error) (onError ErrorCallback, onDisconnect DisconnectCallback, reason error) {
	var notifyErr, notifyDisconnect bool
	switch {
	case errors.Is(err, ErrConnReset):
		reason, notifyDisconnect = err, true
	case errors.Is(err, ErrConnRefused):
		reason, notifyErr, notifyDisconnect = err, true, true
	case errors.Is(err, errRxBufferFull):
		notifyErr = true
	case errors.Is(err, net.ErrClosed) && conn.h.State().IsClosed():
		notifyDisconnect = true
	}
	if notifyDisconnect {
		if conn.disconnectFired {
			notifyDisconnect = false
		} else {
			conn.disconnectFired = true
		}
	}
	if notifyErr {
		onError = conn.cb.onError
	}
	if notifyDisconnect {
		onDisconnect = conn.cb.onDisconnect
	}
	return onError, onDisconnect, reason
}

type ConnConfig struct {
	RxBuf             []byte
	TxBuf             []byte
	TxPacketQueueSize int
	Logger            *slog.Logger
}

func (conn *Conn) Configure(config ConnConfig) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err = conn.h.SetBuffers(config.TxBuf, config.RxBuf, config.TxPacketQueueSize)
	if err != nil {
		return err
	}
	conn.logger.log = config.Logger
	return nil
}

// LocalPort returns the local port on which the socket is listening or connected to.
func (conn *Conn) LocalPort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.LocalPort()
}

// RemotePort returns the port of the incoming remote connection. Is non-zero if connection is established.
func (conn *Conn) RemotePort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.RemotePort()
}

// RemoteAddr returns the peer's network-layer address, learned either at
// active-open time or from the first SYN accepted on a listening Conn.
// It is the zero [netip.Addr] until the peer's identity is known.
func (conn *Conn) RemoteAddr() netip.Addr {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.remoteAddr
}

// State returns the TCP state of the socket.
func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.State()
}

// BufferedInput returns the number of bytes in the socket's receive(input) buffer
// and available to read via a [Conn.Read] call.
func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedInput()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedUnsent()
}

func (conn *Conn) AvailableInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.FreeRx()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Conn.Write] returns an error due to insufficient space to store outgoing data.
func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.AvailableOutput()
}

// OpenActive opens a connection to a remote peer with a known IP address and port combination.
// iss is the initial send sequence number which is ideally a random number which is far away from the last sequence number used on a connection to the same host.
func (conn *Conn) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !remote.IsValid() {
		return errInvalidIP
	}
	rport := remote.Port()
	err := conn.h.OpenActive(localPort, rport, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.remoteAddr = remote.Addr()
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(rport)))
	return nil
}

// OpenListen opens a passive connection which listens for the first SYN packet to be received on a local port.
// iss is the initial send sequence number which is usually a randomly chosen number.
func (conn *Conn) OpenListen(localPort uint16, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("TCPConn.Close", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	return conn.h.Close()
}

// Abort terminates all state of the connection forcibly.
func (conn *Conn) Abort() {
	conn.mu.Lock()
	conn.trace("TCPConn.Abort", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.h.Abort()
	conn.reset(conn.h)
	conn.mu.Unlock()
	conn.notifyDisconnect(nil)
}

// InternalHandler returns the internal [Handler] instance. The Handler contains lower level implementation logic for a TCP connection.
// Typical users should not be using this method unless implementing a stack which manages several TCP connections and thus need
// access to low level internals for careful memory management.
func (conn *Conn) InternalHandler() *Handler {
	return &conn.h
}

// Write writes argument data to the TCPConns's output buffer which is queued to be sent.
func (conn *Conn) Write(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return 0, err
	}
	rport := conn.RemotePort()
	plen := len(b)
	lport := conn.LocalPort()
	conn.trace("TCPConn.Write:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	if conn.deadlineExceeded(&conn.wdead) {
		return 0, errDeadlineExceeded
	} else if plen == 0 {
		return 0, nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	n := 0
	for {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return 0, err
		}
		conn.mu.Lock()
		var ngot int
		ngot, err = conn.h.Write(b)
		conn.mu.Unlock()
		n += ngot
		b = b[ngot:]
		if (err != nil && err != internal.ErrRingBufferFull) || n == plen {
			break
		} else if ngot > 0 {
			backoff.Hit()
			runtime.Gosched() // Do a little yield since we won't have data for sure otherwise.
		} else {
			backoff.Miss()
		}
		conn.trace("TCPConn.Write:insuf-buf", slog.Int("missing", plen-n), slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
		if conn.deadlineExceeded(&conn.wdead) {
			return n, errDeadlineExceeded
		}
	}
	return n, err
}

func (conn *Conn) Flush() error {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return err
	}
	if conn.deadlineExceeded(&conn.wdead) {
		return errDeadlineExceeded
	} else if conn.BufferedUnsent() == 0 {
		return nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedUnsent() != 0 {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return err
		}
		backoff.Miss()
	}
	return nil
}

// Read reads data from the socket's input buffer. If the buffer is empty,
// Read will block until data is available or connection closes.
// Returns io.EOF when the remote has closed the connection and all buffered data has been read.
func (conn *Conn) Read(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		if conn.BufferedInput() > 0 {
			return conn.handlerRead(b) // Ensure remaining buffered data is read.
		}
		return 0, err
	}
	lport := conn.LocalPort()
	rport := conn.RemotePort()
	conn.trace("TCPConn.Read:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedInput() == 0 {
		state := conn.State()
		if !state.RxDataOpen() {
			// No use waiting for data, jump to read and return corresponding error from there.
			break
		} else if err := conn.checkPipe(connid, &conn.rdead); err != nil {
			if conn.BufferedInput() > 0 {
				return conn.handlerRead(b) // Ensure remaining buffered data is read.
			}
			return 0, err
		}
		backoff.Miss()
	}
	return conn.handlerRead(b)
}

func (conn *Conn) handlerRead(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.Read(b)
}

func (conn *Conn) lockPipeConnID() (uint64, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.checkPipeOpen()
	if err != nil {
		return 0, err
	}
	return conn.h.connid, nil
}

func (conn *Conn) checkPipe(connID uint64, deadline *time.Time) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.abortErr != nil {
		err = conn.abortErr
	} else if connID != conn.h.connid {
		err = net.ErrClosed
	} else if !deadline.IsZero() && time.Since(*deadline) > 0 {
		err = errDeadlineExceeded
	}
	return err
}

func (conn *Conn) checkPipeOpen() error {
	if conn.abortErr != nil {
		return conn.abortErr
	}
	state := conn.h.State()
	if state.IsClosed() {
		return net.ErrClosed
	}
	return nil
}

// Recv ingests a single TCP segment, addressed to this Conn by the network-layer
// demultiplexer (see [Table]). src identifies the peer that sent it; on the
// first accepted SYN of a passively-opened Conn, src becomes the learned
// RemoteAddr. A mismatched src on an already-bound Conn is rejected, since a
// 4-tuple must name exactly one peer.
func (conn *Conn) Recv(src netip.Addr, segment []byte) (err error) {
	conn.mu.Lock()
	if conn.isRaddrSet() && conn.remoteAddr != src {
		conn.mu.Unlock()
		return errors.New("tcp: peer address mismatch on Conn")
	}
	conn.trace("tcpconn.Recv", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	prevState := conn.h.State()
	prevBuffered := conn.h.BufferedInput()
	err = conn.h.Recv(segment)
	if err != nil {
		onError, onDisconnect, reason := conn.classifyRecvErr(err)
		conn.mu.Unlock()
		if onError != nil {
			onError(conn, err)
		}
		if onDisconnect != nil {
			onDisconnect(conn, reason)
		}
		return err
	}
	if !conn.isRaddrSet() && conn.h.RemotePort() != 0 {
		conn.remoteAddr = src
	}
	var onConnect ConnectCallback
	if !conn.connectFired && prevState != StateEstablished && conn.h.State() == StateEstablished {
		conn.connectFired = true
		onConnect = conn.cb.onConnect
	}
	var onReceive ReceiveCallback
	if conn.h.BufferedInput() > prevBuffered {
		onReceive = conn.cb.onReceive
	}
	conn.mu.Unlock()
	// on_connect fires before any on_receive, per §5's ordering guarantee.
	if onConnect != nil {
		onConnect(conn)
	}
	if onReceive != nil {
		onReceive(conn)
	}
	return nil
}

// Send renders the next pending outgoing segment (header, options and payload)
// into dst and returns its length. The caller (the network-layer collaborator)
// is responsible for wrapping it in an IP datagram addressed to RemoteAddr.
func (conn *Conn) Send(dst []byte) (n int, err error) {
	conn.mu.Lock()
	if !conn.isRaddrSet() {
		conn.mu.Unlock()
		return 0, errNoRemoteAddr
	}
	prevState := conn.h.State()
	n, err = conn.h.Send(dst)
	if err != nil || n == 0 {
		conn.mu.Unlock()
		return 0, err
	}
	conn.trace("TCPConn.send", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	var onDisconnect DisconnectCallback
	if !conn.disconnectFired && !prevState.IsClosed() && conn.h.State().IsClosed() {
		conn.disconnectFired = true
		onDisconnect = conn.cb.onDisconnect
	}
	conn.mu.Unlock()
	if onDisconnect != nil {
		onDisconnect(conn, nil)
	}
	return n, nil
}

// Protocol identifies this Conn to a network-layer demultiplexer as carrying TCP.
func (conn *Conn) Protocol() uint64 {
	return uint64(tcpProtocolNumber)
}

func (conn *Conn) isRaddrSet() bool {
	return conn.remoteAddr != netip.Addr{}
}

// SetDeadline sets the read and write deadlines associated
// with the connection. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline. Implements [net.Conn].
func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.setReadDeadline(t)
	if err != nil {
		return err
	}
	return conn.setWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call. A zero value for t means Read will not time out.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setReadDeadline(t)
}

func (conn *Conn) setReadDeadline(t time.Time) error {
	conn.trace("TCPConn.setReadDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.rdead = t
	}
	return err
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// Even if write times out, it may return n > 0, indicating that
// some of the data was successfully written.
// A zero value for t means Write will not time out.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setWriteDeadline(t)
}

func (conn *Conn) setWriteDeadline(t time.Time) error {
	conn.trace("TCPConn.SetWriteDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.wdead = t
	}
	return err
}

func (conn *Conn) deadlineExceeded(deadline *time.Time) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !deadline.IsZero() && time.Since(*deadline) > 0
}

func (conn *Conn) ConnectionID() *uint64 {
	return conn.h.ConnectionID()
}
