// Package stoppablelisten wraps a TCP listener so its Accept loop can be
// interrupted cleanly, letting a Server stop accepting new connections
// during its CLOSING transition instead of blocking forever in Accept.
package stoppablelisten

import (
	"errors"
	"net"
	"time"
)

type StoppableListener struct {
	*net.TCPListener
	stop chan struct{}
}

func New(l net.Listener) (*StoppableListener, error) {
	tcpListener, ok := l.(*net.TCPListener)

	if !ok {
		return nil, errors.New("stoppablelisten: cannot wrap listener, not a *net.TCPListener")
	}

	retval := &StoppableListener{}
	retval.TCPListener = tcpListener
	retval.stop = make(chan struct{})
	return retval, nil
}

func (sl *StoppableListener) Accept() (net.Conn, error) {

	for {
		// Wait up to one second for a new connection, so the stop
		// channel below gets checked even while idle.
		sl.SetDeadline(time.Now().Add(time.Second))

		newConn, err := sl.TCPListener.Accept()

		// Check for the channel being closed
		select {
		case <-sl.stop:
			return nil, errors.New("stoppablelisten: listener stopped")
		default:
			// If the channel is still open, continue as normal
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, err
		}

		return newConn, nil
	}
}

// Stop interrupts a blocked Accept and makes all future Accepts fail.
func (sl *StoppableListener) Stop() {
	close(sl.stop)
}
