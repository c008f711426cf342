// Package rfcws is the WebSocket transport adapter: a server that accepts
// many clients and a client that dials one server, sharing the rfc core's
// wire protocol unchanged, with a {"header":H} handshake envelope exchanged
// before the connection is marked OPEN.
package rfcws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiqingping/rfc"
)

// pingPeriod and pongGrace set the keepalive cadence: a ping every
// pingPeriod, and a missed pong for longer than pongGrace (2x the period)
// is treated as a dead connection.
const (
	pingPeriod = 10 * time.Second
	pongGrace  = 2 * pingPeriod
)

type envelope struct {
	Header json.RawMessage `json:"header"`
}

// wsTransport adapts one *websocket.Conn to rfc.Transport: Send/Close plus
// a read loop and ping/pong watchdog that feed the bound Communicator.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	comm *rfc.Communicator

	lastPong   chan time.Time // buffered(1), always holds the latest pong time
	stopKeepalive chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:          conn,
		lastPong:      make(chan time.Time, 1),
		stopKeepalive: make(chan struct{}),
	}
	t.lastPong <- time.Now()
	return t
}

func (t *wsTransport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	select {
	case <-t.stopKeepalive:
	default:
		close(t.stopKeepalive)
	}
	return t.conn.Close()
}

func (t *wsTransport) writePing() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) writePong() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.PongMessage, nil)
}

// runReadLoop decodes every inbound text frame and hands it to the
// Communicator; any read error becomes a fatal TransportError, tearing the
// Communicator down via Fail.
func (t *wsTransport) runReadLoop() {
	t.conn.SetPingHandler(func(string) error {
		return t.writePong()
	})
	t.conn.SetPongHandler(func(string) error {
		select {
		case <-t.lastPong:
		default:
		}
		t.lastPong <- time.Now()
		return nil
	})

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.comm.Fail(&rfc.TransportError{Reason: err})
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		t.comm.ReceiveFrame(data)
	}
}

// runKeepalive pings on pingPeriod and fails the Communicator if no pong
// has been seen within pongGrace.
func (t *wsTransport) runKeepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopKeepalive:
			return
		case <-ticker.C:
			var last time.Time
			select {
			case last = <-t.lastPong:
				t.lastPong <- last
			default:
			}
			if !last.IsZero() && time.Since(last) > pongGrace {
				t.comm.Fail(&rfc.TransportError{Reason: fmt.Errorf("rfcws: peer pong timeout")})
				return
			}
			if err := t.writePing(); err != nil {
				t.comm.Fail(&rfc.TransportError{Reason: err})
				return
			}
		}
	}
}
