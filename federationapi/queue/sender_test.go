package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/setup/process"
)

// blockingStore's first Peek counts itself in flight and blocks until
// unblock is closed, then hands out one item; later Peeks block until
// unblock and return nothing, so a woken destination's worker stays busy
// long enough to observe pool-size bounding.
type blockingStore struct {
	mu       sync.Mutex
	served   bool
	unblock  chan struct{}
	inFlight *int32
}

func (s *blockingStore) Peek(ctx context.Context, destination string, maxPDUs, maxEDUs int) ([]Item, error) {
	s.mu.Lock()
	first := !s.served
	s.served = true
	s.mu.Unlock()
	if !first {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.unblock:
			return nil, nil
		}
	}
	atomic.AddInt32(s.inFlight, 1)
	defer atomic.AddInt32(s.inFlight, -1)
	select {
	case <-ctx.Done():
	case <-s.unblock:
	}
	return []Item{{Sequence: 1, Destination: destination, Kind: KindPDU, Payload: json.RawMessage(`{}`)}}, nil
}

func (s *blockingStore) Ack(context.Context, string, []uint64) error  { return nil }
func (s *blockingStore) Drop(context.Context, string, []uint64) error { return nil }

func TestSenderBoundsConcurrentDestinationsToPoolSize(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	unblock := make(chan struct{})

	newStore := func() *blockingStore {
		return &blockingStore{unblock: unblock, inFlight: &inFlight}
	}

	proc := process.NewProcessContext()
	sender := NewSender(proc, nil, &fakeTransport{}, 2)

	destinations := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}
	for _, name := range destinations {
		d := NewDestination(name, &fakeTransport{}, newStore())
		sender.mu.Lock()
		sender.destinations[name] = d
		sender.mu.Unlock()
		go sender.run(d)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v := atomic.LoadInt32(&inFlight); v > maxObserved {
			maxObserved = v
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.LessOrEqual(t, maxObserved, int32(2))
	require.Greater(t, maxObserved, int32(0), "expected at least one destination to reach Peek")

	close(unblock)
	proc.Shutdown()
}
