package rfcws

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiqingping/rfc"
	"github.com/xiqingping/rfc/stoppablelisten"
)

// AcceptFunc decides what to do with a newly-upgraded client: call
// acceptor.Accept(provider) to confirm and enter OPEN, or
// acceptor.Reject(code, reason) to close the socket. While AcceptFunc runs,
// no business frames are processed for that client.
type AcceptFunc func(header json.RawMessage, acceptor *Acceptor)

// Server is the multi-client side of the lifecycle: NONE -> open() ->
// OPENING -> (listening) -> OPEN -> close() -> CLOSING -> (drained) ->
// CLOSED, re-openable from CLOSED.
type Server struct {
	mu       sync.Mutex
	id       uuid.UUID
	state    rfc.State
	listener *stoppablelisten.StoppableListener
	http     *http.Server
	opts     []rfc.Option
	log      zerolog.Logger

	acceptorsMu sync.Mutex
	acceptors   map[*Acceptor]struct{}

	doneServing chan struct{}
}

// NewServer constructs a Server in state NONE, with a fresh id for log
// correlation across its Acceptors. opts are applied to every Communicator
// the server creates for an accepted client.
func NewServer(opts ...rfc.Option) *Server {
	return &Server{
		id:        uuid.New(),
		state:     rfc.StateNone,
		opts:      opts,
		log:       zerolog.Nop(),
		acceptors: make(map[*Acceptor]struct{}),
	}
}

// SetLogger attaches a zerolog.Logger for the server's own lifecycle and
// upgrade-failure diagnostics (distinct from the per-Communicator logger
// passed via rfc.WithLogger in opts). Defaults to a disabled logger.
func (s *Server) SetLogger(logger zerolog.Logger) *Server {
	s.log = logger.With().Str("server_id", s.id.String()).Logger()
	return s
}

// ID returns the server's correlation id.
func (s *Server) ID() uuid.UUID { return s.id }

func (s *Server) State() rfc.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open starts listening on addr and dispatches every upgrade to onAccept.
// Re-opening from CLOSED constructs a fresh listener.
func (s *Server) Open(addr string, onAccept AcceptFunc) error {
	s.mu.Lock()
	if s.state != rfc.StateNone && s.state != rfc.StateClosed {
		state := s.state
		s.mu.Unlock()
		return &rfc.AlreadyOpenError{State: state}
	}
	s.state = rfc.StateOpening
	s.mu.Unlock()

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.state = rfc.StateClosed
		s.mu.Unlock()
		return fmt.Errorf("rfcws: listen: %w", err)
	}
	stoppable, err := stoppablelisten.New(tcpListener)
	if err != nil {
		tcpListener.Close()
		s.mu.Lock()
		s.state = rfc.StateClosed
		s.mu.Unlock()
		return fmt.Errorf("rfcws: wrap listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(w, r, onAccept)
	})

	s.mu.Lock()
	s.listener = stoppable
	s.http = &http.Server{Handler: mux}
	s.state = rfc.StateOpen
	s.doneServing = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneServing)
		_ = s.http.Serve(stoppable)
	}()

	s.log.Info().Str("server_id", s.id.String()).Str("addr", addr).Msg("rfcws: server open")
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, onAccept AcceptFunc) {
	if s.State() != rfc.StateOpen {
		http.Error(w, "server not accepting connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("rfcws: upgrade failed")
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close()
		return
	}

	transport := newWSTransport(conn)
	comm := rfc.NewCommunicator(transport, s.opts...)
	transport.comm = comm
	if err := comm.MarkOpening(); err != nil {
		conn.Close()
		return
	}

	acc := &Acceptor{id: uuid.New(), server: s, conn: conn, transport: transport, comm: comm}
	s.acceptorsMu.Lock()
	s.acceptors[acc] = struct{}{}
	s.acceptorsMu.Unlock()

	s.log.Debug().Str("server_id", s.id.String()).Str("acceptor_id", acc.id.String()).Msg("rfcws: client upgraded")
	onAccept(env.Header, acc)
}

func (s *Server) forgetAcceptor(acc *Acceptor) {
	s.acceptorsMu.Lock()
	delete(s.acceptors, acc)
	s.acceptorsMu.Unlock()
}

// Close transitions OPEN -> CLOSING -> CLOSED: stops accepting new
// upgrades, closes every in-flight Communicator (failing each one's
// pending table), then closes the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state != rfc.StateOpen {
		state := s.state
		s.mu.Unlock()
		return &rfc.NotReadyError{State: state}
	}
	s.state = rfc.StateClosing
	listener := s.listener
	done := s.doneServing
	s.mu.Unlock()

	listener.Stop()

	s.acceptorsMu.Lock()
	acceptors := make([]*Acceptor, 0, len(s.acceptors))
	for acc := range s.acceptors {
		acceptors = append(acceptors, acc)
	}
	s.acceptorsMu.Unlock()
	for _, acc := range acceptors {
		if acc.comm.State() == rfc.StateOpen {
			_ = acc.comm.Close()
		}
		s.forgetAcceptor(acc)
	}

	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = rfc.StateClosed
	s.mu.Unlock()
	s.log.Info().Str("server_id", s.id.String()).Msg("rfcws: server closed")
	return nil
}
