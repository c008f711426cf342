package rfc

// Transport is the duplex, message-boundary-preserving channel a
// Communicator sends Invoke frames over. Every transport adapter package
// (rfcws, rfcproc, rfcshared) produces one of these once its handshake
// completes, and pushes inbound frames back into the Communicator by
// calling its ReceiveFrame method.
//
// The rfcws, rfcproc, and rfcshared transport packages, plus the degenerate
// single-child-process case rfcproc.Spawn addresses directly, all implement
// it identically.
type Transport interface {
	// Send hands one opaque frame to the peer. Implementations must not
	// block indefinitely; a transport queue overflow should surface as a
	// TransportError on the next send.
	Send(frame []byte) error

	// Close tears down the local side of the channel. Idempotent.
	Close() error
}
