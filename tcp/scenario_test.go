package tcp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net/netip"
	"testing"
	"time"
)

// establishTable drives an active Connect() on client against a bound
// listener on server through the 3-way handshake, returning both the
// client's Conn and the server's accepted Conn. Mirrors the handshake pump
// sequence of TestTableHandshakeAndTeardown.
func establishTable(t *testing.T, clientAddr, serverAddr netip.Addr, client, server *Table, listener *Listener, localPort uint16, remote netip.AddrPort) (clientConn, serverConn *Conn) {
	t.Helper()
	clientConn, err := client.Connect(localPort, remote)
	if err != nil {
		t.Fatal("connect:", err)
	}
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to send SYN")
	}
	if n := pump(t, serverAddr, clientAddr, server, client); n == 0 {
		t.Fatal("expected server to send SYN-ACK")
	}
	if clientConn.State() != StateEstablished {
		t.Fatal("client did not reach Established:", clientConn.State())
	}
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to send final ACK")
	}
	serverConn, err = listener.TryAccept()
	if err != nil {
		t.Fatal("accept:", err)
	}
	return clientConn, serverConn
}

// pumpUntil relays segments in both directions until cond reports done, or
// gives up after maxRounds round-trips with a test failure.
func pumpUntil(t *testing.T, addrA, addrB netip.Addr, tblA, tblB *Table, maxRounds int, cond func() bool) {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		if cond() {
			return
		}
		nAB := pump(t, addrA, addrB, tblA, tblB)
		nBA := pump(t, addrB, addrA, tblB, tblA)
		if nAB == 0 && nBA == 0 && cond() {
			return
		}
	}
	if !cond() {
		t.Fatal("gave up waiting for condition after", maxRounds, "rounds")
	}
}

// Scenario 2 (§8): a payload segmented across the MSS is written by the
// accepting side and read back, byte-for-byte, by the connecting side.
func TestScenarioLargeTransfer(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	const bufSize = 65536
	cfg := TableConfig{MaxConns: 2, MaxListeners: 2, RxBufferSize: bufSize, TxBufferSize: bufSize}
	client := newTestTableCfg(t, cfg)
	server := newTestTableCfg(t, cfg)

	const serverPort = 8081
	listener, err := server.Bind(serverPort)
	if err != nil {
		t.Fatal("bind:", err)
	}

	clientConn, serverConn := establishTable(t, clientAddr, serverAddr, client, server,
		listener, 9000, netip.AddrPortFrom(serverAddr, serverPort))

	payload := make([]byte, 60_000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	n, err := serverConn.Write(payload)
	if err != nil {
		t.Fatal("server write:", err)
	} else if n != len(payload) {
		t.Fatal("expected full payload to fit in the send buffer, got", n)
	}

	pumpUntil(t, serverAddr, clientAddr, server, client, 500, func() bool {
		return clientConn.BufferedInput() >= len(payload)
	})

	got := make([]byte, len(payload))
	n, err = clientConn.Read(got)
	if err != nil {
		t.Fatal("client read:", err)
	} else if n != len(payload) {
		t.Fatal("expected client to read the full payload, got", n)
	} else if !bytes.Equal(got, payload) {
		t.Fatal("client received corrupted payload")
	}

	if err := clientConn.Close(); err != nil {
		t.Fatal("close:", err)
	}
	pumpUntil(t, clientAddr, serverAddr, client, server, 50, func() bool {
		return serverConn.State() == StateCloseWait
	})
	if err := serverConn.Close(); err != nil {
		t.Fatal("server close:", err)
	}
	pumpUntil(t, clientAddr, serverAddr, client, server, 50, func() bool {
		return clientConn.State().IsClosed() && serverConn.State().IsClosed()
	})
	client.Tick(time.Now().Add(time.Hour))
	client.Tick(time.Now().Add(2 * time.Hour))
	if client.ActiveConnections() != 0 {
		t.Fatal("expected client's connection to be reaped after 2*MSL")
	}
}

// Scenario 3 (§8): both sides write a large payload and read the peer's
// payload back; the connection closes cleanly once both directions finish.
func TestScenarioBidirectionalHugeTransfer(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	const bufSize = 65536
	cfg := TableConfig{MaxConns: 2, MaxListeners: 2, RxBufferSize: bufSize, TxBufferSize: bufSize}
	client := newTestTableCfg(t, cfg)
	server := newTestTableCfg(t, cfg)

	const serverPort = 8082
	listener, err := server.Bind(serverPort)
	if err != nil {
		t.Fatal("bind:", err)
	}

	clientConn, serverConn := establishTable(t, clientAddr, serverAddr, client, server,
		listener, 9001, netip.AddrPortFrom(serverAddr, serverPort))

	clientPayload := make([]byte, 60_000)
	serverPayload := make([]byte, 60_000)
	if _, err := rand.Read(clientPayload); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(serverPayload); err != nil {
		t.Fatal(err)
	}
	if n, err := clientConn.Write(clientPayload); err != nil || n != len(clientPayload) {
		t.Fatal("client write:", n, err)
	}
	if n, err := serverConn.Write(serverPayload); err != nil || n != len(serverPayload) {
		t.Fatal("server write:", n, err)
	}

	pumpUntil(t, clientAddr, serverAddr, client, server, 1000, func() bool {
		return serverConn.BufferedInput() >= len(clientPayload) && clientConn.BufferedInput() >= len(serverPayload)
	})

	gotOnServer := make([]byte, len(clientPayload))
	if n, err := serverConn.Read(gotOnServer); err != nil || n != len(gotOnServer) {
		t.Fatal("server read:", n, err)
	} else if !bytes.Equal(gotOnServer, clientPayload) {
		t.Fatal("server received corrupted payload")
	}
	gotOnClient := make([]byte, len(serverPayload))
	if n, err := clientConn.Read(gotOnClient); err != nil || n != len(gotOnClient) {
		t.Fatal("client read:", n, err)
	} else if !bytes.Equal(gotOnClient, serverPayload) {
		t.Fatal("client received corrupted payload")
	}

	if err := clientConn.Close(); err != nil {
		t.Fatal("client close:", err)
	}
	if err := serverConn.Close(); err != nil {
		t.Fatal("server close:", err)
	}
	pumpUntil(t, clientAddr, serverAddr, client, server, 50, func() bool {
		return clientConn.State().IsClosed() && serverConn.State().IsClosed()
	})
}

// Scenario 4 (§8): active-close introspection through every state a
// gracefully-closing connection passes through.
func TestScenarioActiveCloseIntrospection(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	client := newTestTable(t, 2, 2)
	server := newTestTable(t, 2, 2)

	const serverPort = 8083
	listener, err := server.Bind(serverPort)
	if err != nil {
		t.Fatal("bind:", err)
	}
	clientConn, serverConn := establishTable(t, clientAddr, serverAddr, client, server,
		listener, 9002, netip.AddrPortFrom(serverAddr, serverPort))

	if err := clientConn.Close(); err != nil {
		t.Fatal("close:", err)
	}
	// close() only queues the intent to send a FIN; the state transition
	// happens inside the next Send(), which is also what emits the FIN.
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to send FIN")
	}
	if clientConn.State().TxDataOpen() {
		t.Fatal("expected is_writable() false after close()")
	}
	if clientConn.State().String() != "FIN-WAIT-1" {
		t.Fatal("expected is_state(\"FIN-WAIT-1\"), got", clientConn.State())
	}

	// ACK of that FIN: server -> client.
	if n := pump(t, serverAddr, clientAddr, server, client); n == 0 {
		t.Fatal("expected server to ACK the FIN")
	}
	if clientConn.State().String() != "FIN-WAIT-2" {
		t.Fatal("expected is_state(\"FIN-WAIT-2\"), got", clientConn.State())
	}

	// Server application closes in turn, queuing its own FIN and then an ACK (CLOSE-WAIT -> LAST-ACK).
	if err := serverConn.Close(); err != nil {
		t.Fatal("server close:", err)
	}
	if n := pump(t, serverAddr, clientAddr, server, client); n == 0 {
		t.Fatal("expected server to send FIN")
	}
	if clientConn.State().String() != "TIME-WAIT" {
		t.Fatal("expected is_state(\"TIME-WAIT\"), got", clientConn.State())
	}

	// ACK of the server's FIN: client -> server completes the passive close.
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to ACK the server's FIN")
	}
	if serverConn.State() != StateClosed {
		t.Fatal("expected server conn to reach CLOSED, got", serverConn.State())
	}

	client.Tick(time.Now().Add(time.Hour))
	client.Tick(time.Now().Add(2 * time.Hour))
	if clientConn.State().String() != "CLOSED" {
		t.Fatal("expected is_state(\"CLOSED\") after 2*MSL, got", clientConn.State())
	}
}

// Scenario 5 (§8): both sides call close() before either has observed the
// other's FIN; both must traverse FIN-WAIT-1 -> CLOSING -> TIME-WAIT.
func TestScenarioSimultaneousClose(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	client := newTestTable(t, 2, 2)
	server := newTestTable(t, 2, 2)

	const serverPort = 8084
	listener, err := server.Bind(serverPort)
	if err != nil {
		t.Fatal("bind:", err)
	}
	clientConn, serverConn := establishTable(t, clientAddr, serverAddr, client, server,
		listener, 9003, netip.AddrPortFrom(serverAddr, serverPort))

	if err := clientConn.Close(); err != nil {
		t.Fatal("client close:", err)
	}
	if err := serverConn.Close(); err != nil {
		t.Fatal("server close:", err)
	}

	// close() only queues the intent to send a FIN; capture both sides'
	// outgoing segment before delivering either, so both transition out of
	// ESTABLISHED on their own terms instead of one reactively answering a
	// FIN it already observed (which is what sequential send-then-deliver
	// pumping in both directions would produce).
	var clientBuf, serverBuf [1500]byte
	nc, err := client.Send(clientBuf[:])
	if err != nil || nc == 0 {
		t.Fatal("expected client to send FIN:", err)
	}
	ns, err := server.Send(serverBuf[:])
	if err != nil || ns == 0 {
		t.Fatal("expected server to send FIN:", err)
	}
	if clientConn.State() != StateFinWait1 || serverConn.State() != StateFinWait1 {
		t.Fatal("expected both sides in FIN-WAIT-1, got", clientConn.State(), serverConn.State())
	}

	// Each side's FIN crosses the other's: neither has ACKed the other's FIN
	// yet, so both should land in CLOSING.
	if err := server.Recv(clientAddr, serverAddr, clientBuf[:nc]); err != nil {
		t.Fatal("server recv FIN:", err)
	}
	if err := client.Recv(serverAddr, clientAddr, serverBuf[:ns]); err != nil {
		t.Fatal("client recv FIN:", err)
	}
	if clientConn.State() != StateClosing || serverConn.State() != StateClosing {
		t.Fatal("expected both sides in CLOSING, got", clientConn.State(), serverConn.State())
	}

	// Each side ACKs the FIN it just received, completing the other's close.
	// Whichever side's ACK round-trips back while the peer is already in
	// TIME-WAIT triggers that peer's immediate self-reset to CLOSED, so either
	// TIME-WAIT or CLOSED (already reaped) is an acceptable outcome here.
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to ACK server's FIN")
	}
	if n := pump(t, serverAddr, clientAddr, server, client); n == 0 {
		t.Fatal("expected server to ACK client's FIN")
	}
	if clientConn.State() != StateTimeWait && clientConn.State() != StateClosed {
		t.Fatal("expected client in TIME-WAIT or CLOSED, got", clientConn.State())
	}
	if serverConn.State() != StateTimeWait && serverConn.State() != StateClosed {
		t.Fatal("expected server in TIME-WAIT or CLOSED, got", serverConn.State())
	}

	client.Tick(time.Now().Add(time.Hour))
	client.Tick(time.Now().Add(2 * time.Hour))
	server.Tick(time.Now().Add(time.Hour))
	server.Tick(time.Now().Add(2 * time.Hour))
	if client.ActiveConnections() != 0 {
		t.Fatal("expected client connection reaped after 2*MSL")
	}
	if server.ActiveConnections() != 0 {
		t.Fatal("expected server connection reaped after 2*MSL")
	}
}

// Scenario 6 (§8): a RST mid-stream fires on_disconnect with "connection
// reset" and skips straight to CLOSED, never traversing FIN-WAIT.
func TestScenarioResetHandling(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	client := newTestTable(t, 2, 2)
	server := newTestTable(t, 2, 2)

	const serverPort = 8085
	const clientPort = 9004
	listener, err := server.Bind(serverPort)
	if err != nil {
		t.Fatal("bind:", err)
	}
	_, serverConn := establishTable(t, clientAddr, serverAddr, client, server,
		listener, clientPort, netip.AddrPortFrom(serverAddr, serverPort))

	var gotReason error
	var fired bool
	serverConn.SetOnDisconnect(func(conn *Conn, reason error) {
		fired = true
		gotReason = reason
	})

	// Build a RST as if sent by the client mid-stream: SEQ must equal the
	// server's next expected sequence number to be accepted (RFC 9293 RST check).
	rcvNxt := serverConn.InternalHandler().scb.RecvNext()
	rstSeg := make([]byte, sizeHeaderTCP)
	tfrm, err := NewFrame(rstSeg)
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(clientPort)
	tfrm.SetDestinationPort(serverPort)
	tfrm.SetSegment(Segment{SEQ: rcvNxt, WND: 4096, Flags: FlagRST}, 5)

	if err := server.Recv(clientAddr, serverAddr, rstSeg); err != nil {
		t.Fatal("recv RST:", err)
	}

	if !fired {
		t.Fatal("expected on_disconnect to fire on RST")
	}
	if !errors.Is(gotReason, ErrConnReset) {
		t.Fatal("expected reason to be ErrConnReset, got", gotReason)
	}
	if gotReason == nil || gotReason.Error() != "connection reset" {
		t.Fatal(`expected reason.Error() == "connection reset", got`, gotReason)
	}
	if serverConn.State() != StateClosed {
		t.Fatal("expected server conn to jump straight to CLOSED, got", serverConn.State())
	}
}

func newTestTableCfg(t *testing.T, cfg TableConfig) *Table {
	t.Helper()
	tbl, err := NewTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}
