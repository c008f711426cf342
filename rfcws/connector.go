package rfcws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xiqingping/rfc"
)

// Connector is the client side of the lifecycle: NONE -> connect() ->
// OPENING -> (handshake) -> OPEN -> close() -> CLOSING -> CLOSED.
type Connector struct {
	id        uuid.UUID
	comm      *rfc.Communicator
	transport *wsTransport
}

// ID returns the connector's correlation id, minted at Connect time.
func (c *Connector) ID() uuid.UUID { return c.id }

// Connect dials url, sends header as the first text frame (a {"header":H}
// envelope), and waits for the server's confirmation frame before
// returning an OPEN Connector. A server rejection closes the socket
// instead of replying, which surfaces here as the read error, wrapped with
// an "rfcws: rejected or handshake failed" prefix.
func Connect(url string, header any, opts ...rfc.Option) (*Connector, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("rfcws: dial: %w", err)
	}

	transport := newWSTransport(conn)
	comm := rfc.NewCommunicator(transport, opts...)
	transport.comm = comm

	if err := comm.MarkOpening(); err != nil {
		conn.Close()
		return nil, err
	}

	headerBody, err := json.Marshal(header)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcws: marshal header: %w", err)
	}
	frame, err := json.Marshal(envelope{Header: headerBody})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcws: marshal handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcws: send handshake: %w", err)
	}

	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcws: rejected or handshake failed: %w", err)
	}

	if err := comm.MarkOpen(); err != nil {
		conn.Close()
		return nil, err
	}

	go transport.runReadLoop()
	go transport.runKeepalive()

	id := uuid.New()
	comm.Logger().Debug().Str("connector_id", id.String()).Str("url", url).Msg("rfcws: connector open")
	return &Connector{id: id, comm: comm, transport: transport}, nil
}

// Communicator returns the underlying Communicator, for obtaining a Driver
// via Root() or calling Close/State.
func (c *Connector) Communicator() *rfc.Communicator { return c.comm }

// Close transitions OPEN -> CLOSING -> CLOSED, failing every in-flight
// call with ConnectionClosedError.
func (c *Connector) Close() error { return c.comm.Close() }

// State returns the Connector's current lifecycle state.
func (c *Connector) State() rfc.State { return c.comm.State() }
