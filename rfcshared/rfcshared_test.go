package rfcshared_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiqingping/rfc"
	"github.com/xiqingping/rfc/rfcshared"
)

func sharedCounterProvider() rfc.Namespace {
	count := 0
	return rfc.Namespace{
		"increment": rfc.NewCallableFunc(func() (int, error) {
			count++
			return count, nil
		}),
	}
}

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "rfcshared.sock")
}

func startHost(t *testing.T, path string, provider rfc.Namespace) *rfcshared.Host {
	t.Helper()
	host := rfcshared.NewHost()
	err := host.Listen(path, func(header json.RawMessage, peer *rfcshared.Peer) {
		if _, err := peer.Accept(provider); err != nil {
			t.Logf("accept failed: %v", err)
		}
	})
	require.NoError(t, err)
	return host
}

func TestAttachCallClose(t *testing.T) {
	path := socketPath(t)
	host := startHost(t, path, sharedCounterProvider())
	defer host.Close()
	time.Sleep(20 * time.Millisecond)

	client, err := rfcshared.Attach(path, nil)
	require.NoError(t, err)

	v, err := client.Communicator().Root().Prop("increment").Call(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, int(v.(float64)))

	require.NoError(t, client.Close())
}

// The defining SharedWorker property: every attached peer reaches the same
// provider instance, so state mutated by one peer is visible to another.
func TestMultiplePeersShareProviderState(t *testing.T) {
	path := socketPath(t)
	provider := sharedCounterProvider()
	host := startHost(t, path, provider)
	defer host.Close()
	time.Sleep(20 * time.Millisecond)

	clientA, err := rfcshared.Attach(path, nil)
	require.NoError(t, err)
	defer clientA.Close()

	clientB, err := rfcshared.Attach(path, nil)
	require.NoError(t, err)
	defer clientB.Close()

	va, err := clientA.Communicator().Root().Prop("increment").Call(context.Background())
	require.NoError(t, err)
	vb, err := clientB.Communicator().Root().Prop("increment").Call(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, int(va.(float64)))
	require.Equal(t, 2, int(vb.(float64)))
}

func TestListenRefusesRegularFileAtSocketPath(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	host := rfcshared.NewHost()
	err := host.Listen(path, func(header json.RawMessage, peer *rfcshared.Peer) {
		_, _ = peer.Accept(sharedCounterProvider())
	})
	require.Error(t, err, "a plain regular file at path should not be treated as a stale socket")
	_ = host.Close()
}

func TestHostRejectsAttachmentsAfterClose(t *testing.T) {
	path := socketPath(t)
	host := startHost(t, path, sharedCounterProvider())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, host.Close())

	_, err := rfcshared.Attach(path, nil)
	require.Error(t, err)
}

func TestManyPeersConcurrentCalls(t *testing.T) {
	path := socketPath(t)
	host := startHost(t, path, rfc.Namespace{
		"echo": rfc.NewCallableFunc(func(s string) (string, error) { return s, nil }),
	})
	defer host.Close()
	time.Sleep(20 * time.Millisecond)

	const peers = 4
	errs := make(chan error, peers)
	for i := 0; i < peers; i++ {
		go func(id int) {
			client, err := rfcshared.Attach(path, nil)
			if err != nil {
				errs <- fmt.Errorf("peer %d attach: %w", id, err)
				return
			}
			defer client.Close()
			for k := 0; k < 10; k++ {
				want := fmt.Sprintf("peer-%d-%d", id, k)
				v, err := client.Communicator().Root().Prop("echo").Call(context.Background(), want)
				if err != nil {
					errs <- fmt.Errorf("peer %d call %d: %w", id, k, err)
					return
				}
				if v.(string) != want {
					errs <- fmt.Errorf("peer %d call %d: want %q got %q", id, k, want, v)
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < peers; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}
