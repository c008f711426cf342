package rfcws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xiqingping/rfc"
)

// Acceptor is the per-client server-side Communicator wrapper: it exists
// between "client upgraded" and "handler decided".
type Acceptor struct {
	id        uuid.UUID
	server    *Server
	conn      *websocket.Conn
	transport *wsTransport
	comm      *rfc.Communicator
}

// ID returns the acceptor's correlation id, assigned at upgrade time.
func (a *Acceptor) ID() uuid.UUID { return a.id }

// Accept installs provider as the root, sends the empty-object confirmation
// frame, transitions the Communicator to OPEN, and starts its read loop and
// keepalive watchdog.
func (a *Acceptor) Accept(provider any) (*rfc.Communicator, error) {
	if err := a.comm.SetProvider(provider); err != nil {
		return nil, err
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		a.conn.Close()
		return nil, err
	}
	if err := a.comm.MarkOpen(); err != nil {
		a.conn.Close()
		return nil, err
	}
	go a.transport.runReadLoop()
	go a.transport.runKeepalive()
	a.server.log.Debug().Str("server_id", a.server.id.String()).Str("acceptor_id", a.id.String()).Msg("rfcws: acceptor open")
	return a.comm, nil
}

// Reject closes the socket with a WebSocket close code and reason instead
// of confirming the handshake.
func (a *Acceptor) Reject(code int, reason string) error {
	defer a.server.forgetAcceptor(a)
	a.server.log.Debug().Str("server_id", a.server.id.String()).Str("acceptor_id", a.id.String()).Str("reason", reason).Msg("rfcws: acceptor rejected")
	msg := websocket.FormatCloseMessage(code, reason)
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return a.conn.Close()
}

// Header re-decodes the raw handshake header into v, a convenience over
// handling the json.RawMessage passed to AcceptFunc directly.
func (a *Acceptor) Header(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
