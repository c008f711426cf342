package rfc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Communicator is the core orchestrator: it glues the Invoke codec,
// provider registry, pending-call table, and proxy driver together behind
// a single state lock.
type Communicator struct {
	mu        sync.Mutex
	state     State
	transport Transport
	codec     Codec
	log       zerolog.Logger

	registry *Registry
	pending  *pendingTable

	callSeq   atomic.Uint64
	handleSeq atomic.Uint64

	// exportedByCall tracks, for each outstanding outbound call uid, the
	// handle uids it exported as by-reference parameters with retain not
	// set. On that call's Return, every uid in the slice is released from
	// the registry.
	exportedByCall map[uint64][]uint64
}

// NewCommunicator constructs a Communicator bound to transport, in state
// NONE. The owning Connector or Server drives it through OPENING/OPEN via
// MarkOpening/MarkOpen once its handshake completes.
func NewCommunicator(transport Transport, opts ...Option) *Communicator {
	c := &Communicator{
		state:          StateNone,
		transport:      transport,
		codec:          JSONCodec{},
		log:            zerolog.Nop(),
		registry:       newRegistry(nil),
		pending:        newPendingTable(),
		exportedByCall: make(map[uint64][]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Communicator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Logger returns the zerolog.Logger installed via WithLogger (or the
// disabled default), so that a transport adapter wrapping this Communicator
// can log under the same sink without needing its own WithLogger knob.
func (c *Communicator) Logger() zerolog.Logger {
	return c.log
}

// Root returns a Driver rooted at the empty listener path. Idempotent, and
// callable before OPEN — the Driver itself won't emit a Call until OPEN.
func (c *Communicator) Root() *Driver {
	return &Driver{comm: c}
}

// SetProvider swaps the root provider object. Only valid before the
// Communicator reaches OPEN, since a peer may start calling into it the
// instant the handshake completes.
func (c *Communicator) SetProvider(root any) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpening && state != StateNone {
		return &NotReadyError{State: state}
	}
	c.registry.SetRoot(root)
	return nil
}

// inspectReady is the ready gate guarding every outbound call: nil in OPEN,
// otherwise a NotReadyError naming the actual state.
func (c *Communicator) inspectReady() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpen {
		return &NotReadyError{State: state}
	}
	return nil
}

// MarkOpening transitions NONE -> OPENING. Returns AlreadyOpenError if the
// state is not NONE.
func (c *Communicator) MarkOpening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNone {
		return &AlreadyOpenError{State: c.state}
	}
	c.state = StateOpening
	return nil
}

// MarkOpen transitions OPENING -> OPEN once the handshake completes.
func (c *Communicator) MarkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpening {
		return &NotReadyError{State: c.state}
	}
	c.state = StateOpen
	c.log.Debug().Msg("rfc: communicator open")
	return nil
}

// Close transitions the Communicator into CLOSING (running destructor,
// which fails every pending call), then into CLOSED once the transport is
// torn down. Calling Close outside OPEN is a synchronous NotReadyError:
// double-closing a Communicator is never a silent no-op.
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		s := c.state
		c.mu.Unlock()
		return &NotReadyError{State: s}
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.destructor(&ConnectionClosedError{})

	err := c.transport.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.log.Debug().Msg("rfc: communicator closed")
	return err
}

// Fail is called by a transport adapter on an unrecoverable protocol or
// transport error. It is valid from any state and drives the same
// CLOSING->CLOSED fan-out as a graceful Close.
func (c *Communicator) Fail(err error) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.log.Warn().Err(err).Msg("rfc: communicator failing")
	c.destructor(&ConnectionClosedError{Reason: err})
	_ = c.transport.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// destructor fails every pending call with err, drops every handle entry
// this side exported (retained or not), and prevents any future Call
// from being registered (enforced by inspectReady, since state is already
// CLOSING by the time this runs). Safe to call while replies are still in
// flight; it is idempotent only via the CLOSING/CLOSED guards in Close/Fail
// above, which ensure it runs at most once per Communicator.
func (c *Communicator) destructor(err error) {
	c.pending.failAll(err)
	c.registry.mu.Lock()
	c.registry.handles = make(map[uint64]*handleEntry)
	c.registry.mu.Unlock()
}

// ReceiveFrame is the transport adapter's entry point for each decoded
// frame. Calls are dispatched to the provider registry (on their own
// goroutine, so one slow handler can't stall the read loop); Returns
// complete the pending-call table and run the release-of-handles protocol.
func (c *Communicator) ReceiveFrame(data []byte) {
	inv, err := c.codec.Decode(data)
	if err != nil {
		c.Fail(err)
		return
	}
	switch {
	case inv.Call != nil:
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateClosing || state == StateClosed {
			return
		}
		go c.serveCall(inv.Call)
	case inv.Return != nil:
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return
		}
		c.releaseExportedHandles(inv.Return.UID)
		c.pending.complete(*inv.Return)
	default:
		c.Fail(&ProtocolError{Reason: fmt.Errorf("empty invoke")})
	}
}

func (c *Communicator) releaseExportedHandles(callUID uint64) {
	c.mu.Lock()
	uids := c.exportedByCall[callUID]
	delete(c.exportedByCall, callUID)
	c.mu.Unlock()
	for _, uid := range uids {
		c.registry.release(uid)
	}
}

// serveCall resolves and invokes an incoming Call, then sends its Return.
// ListenerNotFoundError, HandleReleasedError and any error the provider
// function throws all become a failed Return instead of touching the
// Communicator's own state.
func (c *Communicator) serveCall(call *Call) {
	callable, err := c.registry.resolve(call.Listener)
	if err != nil {
		c.sendFailure(call.UID, err)
		return
	}

	args := make([]any, len(call.Parameters))
	for i, p := range call.Parameters {
		if p.IsHandle {
			args[i] = newHandleDriver(c, p.UID)
			continue
		}
		var v any
		if decErr := decodeValue(p.ByValue, &v); decErr != nil {
			c.Fail(&ProtocolError{Reason: decErr})
			return
		}
		args[i] = v
	}

	result, callErr := callable.Invoke(context.Background(), args)
	if callErr != nil {
		c.sendFailure(call.UID, callErr)
		return
	}

	value, err := encodeValue(result)
	if err != nil {
		c.sendFailure(call.UID, err)
		return
	}
	c.sendReturn(&Return{UID: call.UID, Success: true, Value: value})
}

func (c *Communicator) sendFailure(uid uint64, err error) {
	re, ok := err.(*RemoteError)
	if !ok {
		re = &RemoteError{Name: errorName(err), Message: err.Error()}
	}
	value, encErr := encodeValue(re)
	if encErr != nil {
		value = nil
	}
	c.sendReturn(&Return{UID: uid, Success: false, Value: value})
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func (c *Communicator) sendReturn(ret *Return) {
	frame, err := c.codec.Encode(Invoke{Return: ret})
	if err != nil {
		c.Fail(&ProtocolError{Reason: err})
		return
	}
	if err := c.transport.Send(frame); err != nil {
		c.Fail(&TransportError{Reason: err})
	}
}

// invokeCall is the single outbound-call path shared by every Driver: it
// mints a call uid, registers its Future before the Call hits the wire (so
// a Return can never race its own registration), exports any callable
// arguments as by-reference parameters, sends the frame, and awaits the
// Return.
func (c *Communicator) invokeCall(ctx context.Context, listener string, args []any) (any, error) {
	if err := c.inspectReady(); err != nil {
		return nil, err
	}

	uid := c.callSeq.Add(1)
	future := c.pending.register(uid)

	params := make([]Parameter, len(args))
	var exported []uint64
	for i, a := range args {
		p, handleUID, isExported, retain := c.toParameter(a)
		params[i] = p
		if isExported && !retain {
			exported = append(exported, handleUID)
		}
	}
	if len(exported) > 0 {
		c.mu.Lock()
		c.exportedByCall[uid] = exported
		c.mu.Unlock()
	}

	frame, err := c.codec.Encode(Invoke{Call: &Call{UID: uid, Listener: listener, Parameters: params}})
	if err != nil {
		c.pending.complete(Return{UID: uid, Success: false})
		return nil, err
	}
	if err := c.transport.Send(frame); err != nil {
		c.releaseExportedHandles(uid)
		c.Fail(&TransportError{Reason: err})
		return nil, &TransportError{Reason: err}
	}

	return future.Await(ctx)
}

// toParameter converts one outbound argument into a Parameter. Callables
// (Driver, CallableFunc, user types implementing Callable, or plain Go
// funcs) are exported via the provider registry and substituted with a
// by-reference Parameter; everything else is serialised by-value through
// the codec.
func (c *Communicator) toParameter(arg any) (p Parameter, handleUID uint64, exported bool, retain bool) {
	if r, ok := arg.(retained); ok {
		callable := r.Callable
		uid := c.handleSeq.Add(1)
		c.registry.install(uid, callable)
		return Parameter{IsHandle: true, UID: uid, Retain: true}, uid, true, true
	}
	if callable, ok := asCallable(arg); ok {
		uid := c.handleSeq.Add(1)
		c.registry.install(uid, callable)
		return Parameter{IsHandle: true, UID: uid, Retain: false}, uid, true, false
	}
	raw, err := encodeValue(arg)
	if err != nil {
		raw = nil
	}
	return Parameter{ByValue: raw}, 0, false, false
}
