package tcp

// StackNode is the contract a network-layer demultiplexer uses to drive a
// TCP endpoint without knowing its internals: Conn and Listener both satisfy
// it. Unlike a multi-protocol stack node, Send/Recv here operate purely on
// TCP segments; the caller (an IP-layer collaborator) owns framing,
// checksums and routing by address.
type StackNode interface {
	// Send renders the next pending outgoing segment into dst and returns
	// the number of bytes written, or (0, nil) if nothing is pending.
	Send(dst []byte) (int, error)
	LocalPort() uint16
	Protocol() uint64
	// ConnectionID returns a pointer to a counter incremented each time the
	// node is reset, letting a caller detect a stale reference across reuse.
	ConnectionID() *uint64
}
