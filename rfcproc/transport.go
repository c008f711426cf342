// Package rfcproc is the Worker/process transport adapter: a parent spawns
// a child OS process and exchanges newline-delimited Invoke frames over its
// stdin/stdout, with three bare-text control sentinels (OPENING, OPEN,
// CLOSING) framing the handshake and the graceful-close signal.
//
// Spawning the child process itself — picking the binary, its arguments —
// remains the caller's concern; Spawn drives os/exec for it and owns only
// the duplex framing around the resulting pipes.
package rfcproc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/xiqingping/rfc"
)

const (
	sentinelOpening = "OPENING"
	sentinelOpen    = "OPEN"
	sentinelClosing = "CLOSING"

	// headerEnvVar is the environment variable a parent uses to deliver the
	// handshake header to its child; a spawned OS process has no URL query
	// string to carry it in, so this package always uses the environment.
	headerEnvVar = "__m_pArgs"
)

// processTransport adapts a pair of io.Writer/io.Reader (the child's
// stdin/stdout, from either side's perspective) to rfc.Transport, framing
// each Invoke as one newline-terminated JSON line.
type processTransport struct {
	w       io.Writer
	closer  io.Closer
	writeMu sync.Mutex

	scanner *bufio.Scanner
	comm    *rfc.Communicator
}

func newProcessTransport(r io.Reader, w io.Writer, closer io.Closer) *processTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &processTransport{w: w, closer: closer, scanner: scanner}
}

func (t *processTransport) writeLine(line string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := io.WriteString(t.w, line+"\n")
	return err
}

func (t *processTransport) Send(frame []byte) error {
	return t.writeLine(string(frame))
}

func (t *processTransport) Close() error {
	_ = t.writeLine(sentinelClosing)
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// readSentinel blocks for the next line and errors unless it equals want.
func (t *processTransport) readSentinel(want string) error {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return fmt.Errorf("rfcproc: read %s: %w", want, err)
		}
		return fmt.Errorf("rfcproc: read %s: channel closed", want)
	}
	got := t.scanner.Text()
	if got != want {
		return fmt.Errorf("rfcproc: expected sentinel %q, got %q", want, got)
	}
	return nil
}

// runReadLoop decodes business frames after the handshake completes. A
// CLOSING sentinel from the peer is treated as a peer-initiated shutdown:
// it fails the Communicator the same way any other fatal transport
// condition would.
func (t *processTransport) runReadLoop() {
	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if string(line) == sentinelClosing {
			t.comm.Fail(&rfc.TransportError{Reason: errors.New("rfcproc: peer initiated close")})
			return
		}
		frame := append([]byte(nil), line...)
		t.comm.ReceiveFrame(frame)
	}
	if err := t.scanner.Err(); err != nil {
		t.comm.Fail(&rfc.TransportError{Reason: err})
		return
	}
	t.comm.Fail(&rfc.TransportError{Reason: errors.New("rfcproc: channel closed")})
}

func encodeHeader(header any) (string, error) {
	b, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeaderFrom(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// headerFromEnv reads the raw header JSON a parent placed in this
// process's environment under headerEnvVar, falling back to the last
// command-line argument if the variable isn't set.
func headerFromEnv() string {
	if v, ok := os.LookupEnv(headerEnvVar); ok {
		return v
	}
	args := os.Args
	if len(args) > 1 {
		return args[len(args)-1]
	}
	return ""
}
