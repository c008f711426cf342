package rfcshared

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiqingping/rfc"
)

// AcceptFunc decides what to do with a newly-attached peer, mirroring
// rfcws.AcceptFunc: call peer.Accept(provider) to confirm and enter OPEN,
// or peer.Reject(reason) to refuse the attachment.
type AcceptFunc func(header json.RawMessage, peer *Peer)

// Host is the broker side of a shared-worker channel: the first Caller to
// bind the socket file owns the accept loop and becomes the broker. Every
// later Attach is just another accepted connection multiplexed onto it.
type Host struct {
	mu       sync.Mutex
	id       uuid.UUID
	state    rfc.State
	socketf  string
	listener net.Listener
	opts     []rfc.Option
	log      zerolog.Logger

	peersMu sync.Mutex
	peers   map[*Peer]struct{}

	doneServing chan struct{}
}

// NewHost constructs a Host in state NONE, with a fresh id for log
// correlation across its Peers. opts are applied to every Communicator the
// host creates for an attached peer.
func NewHost(opts ...rfc.Option) *Host {
	return &Host{
		id:    uuid.New(),
		state: rfc.StateNone,
		opts:  opts,
		log:   zerolog.Nop(),
		peers: make(map[*Peer]struct{}),
	}
}

// SetLogger attaches a zerolog.Logger for the host's own lifecycle and
// attachment diagnostics (distinct from the per-Communicator logger passed
// via rfc.WithLogger in opts). Defaults to a disabled logger.
func (h *Host) SetLogger(logger zerolog.Logger) *Host {
	h.log = logger.With().Str("host_id", h.id.String()).Logger()
	return h
}

// ID returns the host's correlation id.
func (h *Host) ID() uuid.UUID { return h.id }

func (h *Host) State() rfc.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Listen binds socketf, removing any stale socket file left behind by a
// previous, uncleanly-terminated host, and dispatches every attachment to
// onAccept.
func (h *Host) Listen(socketf string, onAccept AcceptFunc) error {
	h.mu.Lock()
	if h.state != rfc.StateNone && h.state != rfc.StateClosed {
		state := h.state
		h.mu.Unlock()
		return &rfc.AlreadyOpenError{State: state}
	}
	h.state = rfc.StateOpening
	h.mu.Unlock()

	if fi, err := os.Stat(socketf); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if probe, dialErr := net.Dial("unix", socketf); dialErr == nil {
			probe.Close()
			h.mu.Lock()
			h.state = rfc.StateClosed
			h.mu.Unlock()
			return fmt.Errorf("rfcshared: listen: %s is served by a live host", socketf)
		}
		_ = os.Remove(socketf)
	}

	listener, err := net.Listen("unix", socketf)
	if err != nil {
		h.mu.Lock()
		h.state = rfc.StateClosed
		h.mu.Unlock()
		return fmt.Errorf("rfcshared: listen: %w", err)
	}

	h.mu.Lock()
	h.socketf = socketf
	h.listener = listener
	h.state = rfc.StateOpen
	h.doneServing = make(chan struct{})
	done := h.doneServing
	h.mu.Unlock()

	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go h.handleAttach(conn, onAccept)
		}
	}()

	h.log.Info().Str("host_id", h.id.String()).Str("socket", socketf).Msg("rfcshared: host listening")
	return nil
}

func (h *Host) handleAttach(conn net.Conn, onAccept AcceptFunc) {
	if h.State() != rfc.StateOpen {
		conn.Close()
		return
	}

	transport := newSockTransport(conn)
	line, err := transport.readLine()
	if err != nil {
		conn.Close()
		return
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		conn.Close()
		return
	}

	comm := rfc.NewCommunicator(transport, h.opts...)
	transport.comm = comm
	if err := comm.MarkOpening(); err != nil {
		conn.Close()
		return
	}

	peer := &Peer{id: uuid.New(), host: h, conn: conn, transport: transport, comm: comm}
	h.peersMu.Lock()
	h.peers[peer] = struct{}{}
	h.peersMu.Unlock()

	h.log.Debug().Str("host_id", h.id.String()).Str("peer_id", peer.id.String()).Msg("rfcshared: peer attached")
	onAccept(env.Header, peer)
}

func (h *Host) forgetPeer(p *Peer) {
	h.peersMu.Lock()
	delete(h.peers, p)
	h.peersMu.Unlock()
}

// Close transitions OPEN -> CLOSING -> CLOSED: stops accepting new
// attachments, closes every open peer Communicator, and removes the
// socket file.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.state != rfc.StateOpen {
		state := h.state
		h.mu.Unlock()
		return &rfc.NotReadyError{State: state}
	}
	h.state = rfc.StateClosing
	listener := h.listener
	socketf := h.socketf
	done := h.doneServing
	h.mu.Unlock()

	listener.Close()

	h.peersMu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peersMu.Unlock()
	for _, p := range peers {
		if p.comm.State() == rfc.StateOpen {
			_ = p.comm.Close()
		}
		h.forgetPeer(p)
	}

	if done != nil {
		<-done
	}
	_ = os.Remove(socketf)

	h.mu.Lock()
	h.state = rfc.StateClosed
	h.mu.Unlock()
	h.log.Info().Str("host_id", h.id.String()).Msg("rfcshared: host closed")
	return nil
}
