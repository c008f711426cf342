package rfcproc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiqingping/rfc"
)

// wires two processTransport ends over in-memory pipes and drives the same
// OPENING/OPEN handshake Spawn/NewChild perform, without forking a real OS
// process — exercising processTransport's framing and sentinel handling in
// isolation. childProvider, if non-nil, is installed on childComm before
// the handshake completes, since SetProvider rejects once a Communicator
// leaves OPENING.
func newHandshakenPair(t *testing.T, parentHeader any, childProvider any) (*rfc.Communicator, *rfc.Communicator, func()) {
	t.Helper()

	parentToChildR, parentToChildW := io.Pipe()
	childToParentR, childToParentW := io.Pipe()

	parentTransport := newProcessTransport(childToParentR, parentToChildW, parentToChildW)
	childTransport := newProcessTransport(parentToChildR, childToParentW, childToParentW)

	var childOpts []rfc.Option
	if childProvider != nil {
		childOpts = append(childOpts, rfc.WithProvider(childProvider))
	}
	parentComm := rfc.NewCommunicator(parentTransport)
	childComm := rfc.NewCommunicator(childTransport, childOpts...)
	parentTransport.comm = parentComm
	childTransport.comm = childComm

	require.NoError(t, parentComm.MarkOpening())
	require.NoError(t, childComm.MarkOpening())

	done := make(chan error, 1)
	go func() {
		done <- childTransport.writeLine(sentinelOpening)
	}()
	require.NoError(t, parentTransport.readSentinel(sentinelOpening))
	require.NoError(t, <-done)

	go func() {
		done <- parentTransport.writeLine(sentinelOpen)
	}()
	require.NoError(t, childTransport.readSentinel(sentinelOpen))
	require.NoError(t, <-done)

	require.NoError(t, parentComm.MarkOpen())
	require.NoError(t, childComm.MarkOpen())

	go parentTransport.runReadLoop()
	go childTransport.runReadLoop()

	cleanup := func() {
		_ = parentComm.Close()
	}
	return parentComm, childComm, cleanup
}

func echoProvider() rfc.Namespace {
	return rfc.Namespace{
		"upper": rfc.NewCallableFunc(func(s string) (string, error) {
			out := make([]byte, len(s))
			for i := 0; i < len(s); i++ {
				c := s[i]
				if c >= 'a' && c <= 'z' {
					c -= 'a' - 'A'
				}
				out[i] = c
			}
			return string(out), nil
		}),
	}
}

func TestParentChildHandshakeRoundTrip(t *testing.T) {
	parentComm, _, cleanup := newHandshakenPair(t, nil, echoProvider())
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := parentComm.Root().Prop("upper").Call(ctx, "shout")
	require.NoError(t, err)
	require.Equal(t, "SHOUT", v)
}

func TestChildInitiatedCloseFailsParentPending(t *testing.T) {
	// A provider that never replies: the call will still be pending when
	// the child closes.
	block := make(chan struct{})
	defer close(block)
	waitProvider := rfc.Namespace{
		"wait": rfc.NewCallableFunc(func() (string, error) {
			<-block
			return "late", nil
		}),
	}

	parentComm, childComm, _ := newHandshakenPair(t, nil, waitProvider)

	errCh := make(chan error, 1)
	go func() {
		_, err := parentComm.Root().Prop("wait").Call(context.Background(), nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, childComm.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after child closed")
	}
}

func TestHeaderEnvRoundTrip(t *testing.T) {
	t.Setenv(headerEnvVar, `{"auth":"abc"}`)
	raw := headerFromEnv()
	var header struct {
		Auth string `json:"auth"`
	}
	require.NoError(t, decodeHeaderFrom(raw, &header))
	require.Equal(t, "abc", header.Auth)
}
