package rfc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-process duplex Transport used only by this
// package's tests, wiring two Communicators together without any real
// socket: any duplex channel of frames satisfies Transport.
type pipeTransport struct {
	mu     sync.Mutex
	closed bool
	peer   *pipeTransport
	onMsg  func([]byte)
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{}
	b := &pipeTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeTransport) Send(frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return errors.New("pipe closed")
	}
	cp := append([]byte(nil), frame...)
	go func() {
		peer.mu.Lock()
		handler := peer.onMsg
		peer.mu.Unlock()
		if handler != nil {
			handler(cp)
		}
	}()
	return nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func newPairedCommunicators(t *testing.T, rootA, rootB any) (*Communicator, *Communicator) {
	t.Helper()
	ta, tb := newPipePair()
	ca := NewCommunicator(ta, WithProvider(rootA))
	cb := NewCommunicator(tb, WithProvider(rootB))
	ta.onMsg = ca.ReceiveFrame
	tb.onMsg = cb.ReceiveFrame

	require.NoError(t, ca.MarkOpening())
	require.NoError(t, ca.MarkOpen())
	require.NoError(t, cb.MarkOpening())
	require.NoError(t, cb.MarkOpen())
	return ca, cb
}

func calculatorProvider() Namespace {
	return Namespace{
		"plus":       NewCallableFunc(func(a, b float64) (float64, error) { return a + b, nil }),
		"minus":      NewCallableFunc(func(a, b float64) (float64, error) { return a - b, nil }),
		"multiplies": NewCallableFunc(func(a, b float64) (float64, error) { return a * b, nil }),
	}
}

func TestCalculatorRoundTrip(t *testing.T) {
	client, server := newPairedCommunicators(t, nil, calculatorProvider())
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	v, err := client.Root().Prop("plus").Call(ctx, 2.0, 3.0)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	v, err = client.Root().Prop("multiplies").Call(ctx, v, 4.0)
	require.NoError(t, err)
	require.EqualValues(t, 20, v)
}

type scientific struct{}

func (scientific) Sqrt(x float64) (float64, error) {
	r := x
	for i := 0; i < 40; i++ {
		r = 0.5 * (r + x/r)
	}
	return r, nil
}

type nestedRoot struct {
	Scientific scientific
}

func TestNestedPathPreservesReceiver(t *testing.T) {
	client, server := newPairedCommunicators(t, nil, nestedRoot{})
	defer client.Close()
	defer server.Close()

	v, err := client.Root().Prop("scientific").Prop("sqrt").Call(context.Background(), 16.0)
	require.NoError(t, err)
	require.InDelta(t, 4.0, v.(float64), 0.0001)
}

func TestRemoteThrowReRaisesOnCaller(t *testing.T) {
	root := Namespace{
		"fail": NewCallableFunc(func() (any, error) {
			return nil, &RemoteError{Name: "DomainError", Message: "bad"}
		}),
	}
	client, server := newPairedCommunicators(t, nil, root)
	defer client.Close()
	defer server.Close()

	_, err := client.Root().Prop("fail").Call(context.Background())
	require.Error(t, err)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "DomainError", re.Name)
	require.Equal(t, "bad", re.Message)
}

func TestCallbackParameterExportAndRelease(t *testing.T) {
	var mu sync.Mutex
	var accum []float64

	root := Namespace{
		"forEach": NewCallableFunc(func(ctx context.Context, arr []any, cb Callable) (any, error) {
			for _, item := range arr {
				v, _ := item.(float64)
				if _, err := cb.Invoke(ctx, []any{v}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}),
	}
	client, server := newPairedCommunicators(t, nil, root)
	defer client.Close()
	defer server.Close()

	push := NewCallableFunc(func(x float64) (any, error) {
		mu.Lock()
		accum = append(accum, x)
		mu.Unlock()
		return nil, nil
	})

	_, err := client.Root().Prop("forEach").Call(context.Background(), []any{1.0, 2.0, 3.0}, push)
	require.NoError(t, err)

	mu.Lock()
	got := append([]float64(nil), accum...)
	mu.Unlock()
	require.Equal(t, []float64{1, 2, 3}, got)

	// The handle uid client exported was released when the Return for
	// "forEach" arrived; client's registry should now be empty.
	require.Equal(t, 0, len(client.registry.handles))
}

func TestShutdownFanOutRejectsInFlightCalls(t *testing.T) {
	blocker := make(chan struct{})
	root := Namespace{
		"block": NewCallableFunc(func() (any, error) {
			<-blocker
			return nil, nil
		}),
	}
	client, server := newPairedCommunicators(t, nil, root)
	defer server.Close()

	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Root().Prop("block").Call(context.Background())
			results <- err
		}()
	}

	// give the calls a moment to register
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, n, client.pending.len())

	require.NoError(t, client.Close())

	for i := 0; i < n; i++ {
		err := <-results
		require.Error(t, err)
		var cce *ConnectionClosedError
		require.ErrorAs(t, err, &cce)
	}
	require.Equal(t, 0, client.pending.len())
	close(blocker)
}

func TestLateReplyIsDroppedSilently(t *testing.T) {
	client, server := newPairedCommunicators(t, nil, calculatorProvider())
	defer client.Close()
	defer server.Close()

	// Complete a Return for a uid that was never registered; must not
	// panic or surface an error anywhere.
	client.pending.complete(Return{UID: 999999, Success: true})
	require.Equal(t, 0, client.pending.len())
}

func TestStateMonotonicity(t *testing.T) {
	tr, _ := newPipePair()
	c := NewCommunicator(tr)
	require.Equal(t, StateNone, c.State())

	require.Error(t, c.Close())

	require.NoError(t, c.MarkOpening())
	require.Error(t, c.MarkOpening())

	require.Error(t, c.Close())

	require.NoError(t, c.MarkOpen())
	require.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
	require.Error(t, c.Close())
}

func TestConcurrentCallersNoCrossTalk(t *testing.T) {
	client, server := newPairedCommunicators(t, nil, calculatorProvider())
	defer client.Close()
	defer server.Close()

	const callers = 8
	const perCaller = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers*perCaller)

	for m := 0; m < callers; m++ {
		wg.Add(1)
		go func(base float64) {
			defer wg.Done()
			for k := 0; k < perCaller; k++ {
				v, err := client.Root().Prop("plus").Call(context.Background(), base, float64(k))
				if err != nil {
					errs <- err
					continue
				}
				if v.(float64) != base+float64(k) {
					errs <- errors.New("cross-talk detected")
				}
			}
		}(float64(m * 1000))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
