package tcp

import (
	"crypto/rand"
	"net/netip"
	"testing"
	"time"
)

func newTestTable(t *testing.T, maxConns, maxListeners int) *Table {
	t.Helper()
	tbl, err := NewTable(TableConfig{
		MaxConns:     maxConns,
		MaxListeners: maxListeners,
		RxBufferSize: 2048,
		TxBufferSize: 2048,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// pump relays whatever src has pending to send into dst.Recv, returning the
// number of bytes moved. Mirrors a network-layer collaborator shuttling
// segments between two stacks on a loopback-like link.
func pump(t *testing.T, srcAddr, dstAddr netip.Addr, src *Table, dst *Table) int {
	t.Helper()
	var buf [1500]byte
	n, err := src.Send(buf[:])
	if err != nil {
		t.Fatal("send:", err)
	}
	if n == 0 {
		return 0
	}
	if err := dst.Recv(srcAddr, dstAddr, buf[:n]); err != nil {
		t.Fatal("recv:", err)
	}
	return n
}

func TestTableHandshakeAndTeardown(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	client := newTestTable(t, 4, 2)
	server := newTestTable(t, 4, 2)

	const serverPort = 7
	if _, err := server.Bind(serverPort); err != nil {
		t.Fatal("bind:", err)
	}
	if server.OpenPorts() != 1 {
		t.Fatal("expected one open port on server")
	}

	conn, err := client.Connect(9000, netip.AddrPortFrom(serverAddr, serverPort))
	if err != nil {
		t.Fatal("connect:", err)
	}
	if conn.State() != StateSynSent {
		t.Fatal("client conn did not move to SynSent:", conn.State())
	}

	// SYN: client -> server
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to send SYN")
	}
	// SYN-ACK: server -> client
	if n := pump(t, serverAddr, clientAddr, server, client); n == 0 {
		t.Fatal("expected server to send SYN-ACK")
	}
	if conn.State() != StateEstablished {
		t.Fatal("client did not reach Established:", conn.State())
	}
	// ACK: client -> server
	if n := pump(t, clientAddr, serverAddr, client, server); n == 0 {
		t.Fatal("expected client to send final ACK")
	}
	if client.ActiveConnections() != 1 {
		t.Fatal("expected one active connection on client")
	}
	if server.ActiveConnections() != 1 {
		t.Fatal("expected one accepted connection on server")
	}

	// Tear down: client closes.
	if err := conn.Close(); err != nil {
		t.Fatal("close:", err)
	}
	for i := 0; i < 8; i++ {
		if pump(t, clientAddr, serverAddr, client, server) == 0 &&
			pump(t, serverAddr, clientAddr, server, client) == 0 {
			break
		}
	}
	if conn.State() != StateTimeWait && conn.State() != StateClosed {
		t.Fatal("expected client conn to reach TimeWait or Closed, got", conn.State())
	}

	// Tick far past 2*MSL should reap a TIME-WAIT client conn back to the pool.
	client.Tick(time.Now().Add(time.Hour))
	client.Tick(time.Now().Add(2 * time.Hour))
	if client.ActiveConnections() != 0 {
		t.Fatal("expected client's active connection to be reaped after 2*MSL")
	}
}

func TestTableUnboundPortGetsRST(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")
	server := newTestTable(t, 2, 2)

	synFrame := make([]byte, sizeHeaderTCP)
	tfrm, err := NewFrame(synFrame)
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(4000)
	tfrm.SetDestinationPort(9999) // nobody bound here
	tfrm.SetSegment(Segment{SEQ: 100, WND: 1024, Flags: FlagSYN}, 5)

	if err := server.Recv(clientAddr, serverAddr, synFrame); err != nil {
		t.Fatal("recv:", err)
	}

	var out [128]byte
	n, err := server.Send(out[:])
	if err != nil {
		t.Fatal("send:", err)
	}
	if n == 0 {
		t.Fatal("expected a queued RST for the unbound port")
	}
	rstFrame, err := NewFrame(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	_, flags := rstFrame.OffsetAndFlags()
	if !flags.HasAny(FlagRST) {
		t.Fatal("expected RST flag set, got", flags.String())
	}
}

func TestTableSYNCookieFallback(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	server, err := NewTable(TableConfig{
		MaxConns:     1,
		MaxListeners: 2,
		RxBufferSize: 2048,
		TxBufferSize: 2048,
		SYNCookies:   &SYNCookieConfig{Rand: rand.Reader, MaxCounterDelta: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	const serverPort = 8080
	if _, err := server.Bind(serverPort); err != nil {
		t.Fatal("bind:", err)
	}
	// Exhaust the one connection slot the pool has.
	server.mu.Lock()
	server.free = server.free[:0]
	server.mu.Unlock()

	const clientPort = 5555
	const clientISN = Value(555)
	synFrame := make([]byte, sizeHeaderTCP)
	tfrm, err := NewFrame(synFrame)
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(clientPort)
	tfrm.SetDestinationPort(serverPort)
	tfrm.SetSegment(Segment{SEQ: clientISN, WND: 4096, Flags: FlagSYN}, 5)

	if err := server.Recv(clientAddr, serverAddr, synFrame); err != nil {
		t.Fatal("recv SYN:", err)
	}
	if server.metrics.cookiesIssued != 1 {
		t.Fatal("expected a SYN cookie to be issued")
	}

	var synAckBuf [128]byte
	n, err := server.Send(synAckBuf[:])
	if err != nil {
		t.Fatal("send:", err)
	}
	if n == 0 {
		t.Fatal("expected a cookie SYN-ACK to be queued")
	}
	synAckFrame, err := NewFrame(synAckBuf[:n])
	if err != nil {
		t.Fatal(err)
	}
	_, flags := synAckFrame.OffsetAndFlags()
	if !flags.HasAll(synack) {
		t.Fatal("expected SYN|ACK flags on cookie response, got", flags.String())
	}
	cookieSeg := synAckFrame.Segment(0)

	// Free up a slot now, as if another connection finished, before the
	// client's completing ACK arrives.
	server.mu.Lock()
	server.free = append(server.free, 0)
	server.mu.Unlock()

	ackFrame := make([]byte, sizeHeaderTCP)
	tfrm, err = NewFrame(ackFrame)
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetSourcePort(clientPort)
	tfrm.SetDestinationPort(serverPort)
	tfrm.SetSegment(Segment{SEQ: clientISN + 1, ACK: cookieSeg.SEQ + 1, WND: 4096, Flags: FlagACK}, 5)

	if err := server.Recv(clientAddr, serverAddr, ackFrame); err != nil {
		t.Fatal("recv ACK:", err)
	}
	if server.metrics.cookiesAccepted != 1 {
		t.Fatal("expected the completing ACK's cookie to validate")
	}
	if server.ActiveConnections() != 1 {
		t.Fatal("expected the adopted connection to be visible on the listener")
	}
}
