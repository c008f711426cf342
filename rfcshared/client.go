package rfcshared

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/xiqingping/rfc"
)

// Client is the attached-peer side of a SharedWorker connection.
type Client struct {
	id        uuid.UUID
	conn      net.Conn
	transport *sockTransport
	comm      *rfc.Communicator
}

// ID returns the client's correlation id, minted at Attach time.
func (c *Client) ID() uuid.UUID { return c.id }

// Attach dials socketf, sends header as the handshake envelope, and waits
// for the host's confirmation line before returning an OPEN Client.
func Attach(socketf string, header any, opts ...rfc.Option) (*Client, error) {
	conn, err := net.Dial("unix", socketf)
	if err != nil {
		return nil, fmt.Errorf("rfcshared: dial: %w", err)
	}

	transport := newSockTransport(conn)
	comm := rfc.NewCommunicator(transport, opts...)
	transport.comm = comm

	if err := comm.MarkOpening(); err != nil {
		conn.Close()
		return nil, err
	}

	headerBody, err := json.Marshal(header)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: marshal header: %w", err)
	}
	frame, err := json.Marshal(envelope{Header: headerBody})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: marshal handshake: %w", err)
	}
	if err := transport.writeLine(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: send handshake: %w", err)
	}

	line, err := transport.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: rejected or handshake failed: %w", err)
	}
	var reply struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: handshake failed: %w", err)
	}
	if reply.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("rfcshared: rejected: %s", *reply.Error)
	}

	if err := comm.MarkOpen(); err != nil {
		conn.Close()
		return nil, err
	}

	go transport.runReadLoop()

	id := uuid.New()
	comm.Logger().Debug().Str("client_id", id.String()).Str("socket", socketf).Msg("rfcshared: client attached")
	return &Client{id: id, conn: conn, transport: transport, comm: comm}, nil
}

// Communicator returns the Client's Communicator.
func (c *Client) Communicator() *rfc.Communicator { return c.comm }

// Close transitions OPEN -> CLOSING -> CLOSED.
func (c *Client) Close() error { return c.comm.Close() }

// State returns the Client's current lifecycle state.
func (c *Client) State() rfc.State { return c.comm.State() }
