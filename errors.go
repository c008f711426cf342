package rfc

import "fmt"

// NotReadyError is returned when an operation that requires OPEN is
// attempted while the Communicator/Connector/Server is in some other state.
// It carries the offending state so callers can distinguish NONE, OPENING,
// CLOSING and CLOSED failures.
type NotReadyError struct {
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("rfc: not ready, state is %s", e.State)
}

// AlreadyOpenError is returned by open/connect when the state is not NONE.
type AlreadyOpenError struct {
	State State
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("rfc: already open (state %s)", e.State)
}

// ConnectionClosedError rejects a pending call whose Communicator entered
// CLOSING, or whose transport reported a fatal error, before a Return
// arrived.
type ConnectionClosedError struct {
	Reason error
}

func (e *ConnectionClosedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("rfc: connection closed: %v", e.Reason)
	}
	return "rfc: connection closed"
}

func (e *ConnectionClosedError) Unwrap() error { return e.Reason }

// ProtocolError marks a decode failure, an unknown frame shape, or a
// sentinel collision. It is always fatal: receiving one triggers
// destructor() and a transition into CLOSING.
type ProtocolError struct {
	Reason error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rfc: protocol error: %v", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Reason }

// ListenerNotFoundError reports that an incoming Call's listener path did
// not resolve against the provider root. It is returned as a failed Return,
// never fatal to the Communicator.
type ListenerNotFoundError struct {
	Listener string
}

func (e *ListenerNotFoundError) Error() string {
	return fmt.Sprintf("rfc: listener not found: %q", e.Listener)
}

// HandleReleasedError reports that an incoming Call targeted a handle uid
// that has already been released (or never existed). Returned as a failed
// Return, never fatal.
type HandleReleasedError struct {
	UID uint64
}

func (e *HandleReleasedError) Error() string {
	return fmt.Sprintf("rfc: handle %d released or unknown", e.UID)
}

// RemoteError carries a provider function's thrown error across the wire
// and back to the caller's future. Name/Message/Stack round-trip the
// Return's {name,message,stack} payload verbatim.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// TransportError marks an underlying OS/socket/worker failure. Fatal:
// triggers destructor() and CLOSING, same as ProtocolError.
type TransportError struct {
	Reason error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rfc: transport error: %v", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Reason }
