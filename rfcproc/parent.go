package rfcproc

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/xiqingping/rfc"
)

// Parent is the parent-process side of a spawned worker process: it owns
// the child's lifetime and its Communicator.
type Parent struct {
	cmd       *exec.Cmd
	transport *processTransport
	comm      *rfc.Communicator
}

// Spawn starts path with args, delivers header to the child via the
// reserved handshake environment variable, and completes the OPENING/OPEN
// handshake before returning. The child is expected to write
// the OPENING sentinel as its first line of stdout once it has decoded its
// header (see Child.GetHeader), and to treat a single OPEN sentinel as its
// own cue to mark its Communicator OPEN.
func Spawn(path string, args []string, header any, opts ...rfc.Option) (*Parent, error) {
	headerJSON, err := encodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("rfcproc: marshal header: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), headerEnvVar+"="+headerJSON)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rfcproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rfcproc: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rfcproc: start: %w", err)
	}

	transport := newProcessTransport(stdout, stdin, stdin)
	comm := rfc.NewCommunicator(transport, opts...)
	transport.comm = comm

	if err := comm.MarkOpening(); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := transport.readSentinel(sentinelOpening); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := transport.writeLine(sentinelOpen); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := comm.MarkOpen(); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	go transport.runReadLoop()

	return &Parent{cmd: cmd, transport: transport, comm: comm}, nil
}

// Communicator returns the Parent's Communicator.
func (p *Parent) Communicator() *rfc.Communicator { return p.comm }

// Close transitions the Communicator to CLOSED (posting the CLOSING
// sentinel to the child) and waits for the child process to exit.
func (p *Parent) Close() error {
	err := p.comm.Close()
	_ = p.cmd.Wait()
	return err
}

// Wait blocks until the child process exits, without initiating a close.
func (p *Parent) Wait() error { return p.cmd.Wait() }
