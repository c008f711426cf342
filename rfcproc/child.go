package rfcproc

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/xiqingping/rfc"
)

// Child is the worker-process side of the handshake: it talks to its
// parent over its own stdin/stdout.
type Child struct {
	transport *processTransport
	comm      *rfc.Communicator

	headerOnce sync.Once
	headerRaw  string
}

// NewChild wires stdin/stdout as the transport, reads and caches the
// header the parent placed in the environment, posts the OPENING
// sentinel, waits for the parent's OPEN acknowledgement, and returns an
// OPEN Child. in/out let tests substitute pipes for the process's real
// stdin/stdout; passing nil for either uses os.Stdin/os.Stdout.
func NewChild(in io.Reader, out io.Writer, opts ...rfc.Option) (*Child, error) {
	c := &Child{}
	c.headerRaw = headerFromEnv()

	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	transport := newProcessTransport(in, out, nil)
	comm := rfc.NewCommunicator(transport, opts...)
	transport.comm = comm
	c.transport = transport
	c.comm = comm

	if err := comm.MarkOpening(); err != nil {
		return nil, err
	}
	if err := transport.writeLine(sentinelOpening); err != nil {
		return nil, err
	}
	if err := transport.readSentinel(sentinelOpen); err != nil {
		return nil, fmt.Errorf("rfcproc: handshake: %w", err)
	}
	if err := comm.MarkOpen(); err != nil {
		return nil, err
	}

	go transport.runReadLoop()

	return c, nil
}

// Communicator returns the Child's Communicator.
func (c *Child) Communicator() *rfc.Communicator { return c.comm }

// GetHeader decodes the header the parent passed at spawn time into v. It
// is safe to call repeatedly; the cached raw payload is parsed again on
// every call, since v's concrete type may differ between callers.
func (c *Child) GetHeader(v any) error {
	return decodeHeaderFrom(c.headerRaw, v)
}

// Close transitions the Communicator to CLOSED, posting the CLOSING
// sentinel to the parent.
func (c *Child) Close() error { return c.comm.Close() }
