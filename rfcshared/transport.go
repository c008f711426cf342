// Package rfcshared is the shared-worker transport adapter: one parent
// process exposes a single provider to many attached peers over a
// multiplexed channel, each peer getting its own Communicator, the way a
// browser SharedWorker is reached by every tab that attaches to it.
//
// The concrete channel here is a Unix domain socket: the first Caller to
// Listen on the socket file owns the accept loop and broker role, and every
// later attachment is just another accepted connection multiplexed onto
// that one listener.
package rfcshared

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/xiqingping/rfc"
)

type envelope struct {
	Header json.RawMessage `json:"header"`
}

// sockTransport frames each Invoke as one newline-terminated JSON line over
// a single net.Conn (or any ReadWriteCloser standing in for one in tests).
type sockTransport struct {
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
	scanner *bufio.Scanner
	comm    *rfc.Communicator
}

func newSockTransport(rwc io.ReadWriteCloser) *sockTransport {
	scanner := bufio.NewScanner(rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &sockTransport{rwc: rwc, scanner: scanner}
}

func (t *sockTransport) writeLine(line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.rwc.Write(line); err != nil {
		return err
	}
	_, err := t.rwc.Write([]byte("\n"))
	return err
}

func (t *sockTransport) Send(frame []byte) error {
	return t.writeLine(frame)
}

func (t *sockTransport) Close() error {
	return t.rwc.Close()
}

func (t *sockTransport) readLine() ([]byte, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return append([]byte(nil), t.scanner.Bytes()...), nil
}

// runReadLoop decodes every post-handshake frame as a business Invoke; no
// in-band sentinel is expected once a peer is OPEN, so any decode failure
// or closed socket is a transport-level fatal condition.
func (t *sockTransport) runReadLoop() {
	for {
		line, err := t.readLine()
		if err != nil {
			t.comm.Fail(&rfc.TransportError{Reason: err})
			return
		}
		t.comm.ReceiveFrame(line)
	}
}
