package queue

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/matrixon-io/matrixon/setup/process"
)

// Sender owns one Destination per remote homeserver we have ever queued
// items for, starting/stopping their Run loops as destinations gain and
// lose work (spec §4.8 "parallelism = number of active destinations,
// capped by a configurable pool size").
type Sender struct {
	store     QueueStore
	transport Transport
	proc      *process.ProcessContext
	poolSize  int

	mu           sync.Mutex
	destinations map[string]*Destination
	sem          *semaphore.Weighted
}

// NewSender constructs a Sender bounded to poolSize concurrently-active
// destinations.
func NewSender(proc *process.ProcessContext, store QueueStore, transport Transport, poolSize int) *Sender {
	if poolSize <= 0 {
		poolSize = 50
	}
	return &Sender{
		store:        store,
		transport:    transport,
		proc:         proc,
		poolSize:     poolSize,
		destinations: make(map[string]*Destination),
		sem:          semaphore.NewWeighted(int64(poolSize)),
	}
}

// Enqueue records that one more item has been durably staged for
// destination inside the current write batch (spec §4.6 step 6; the
// durable write itself goes through the storage layer backing
// QueueStore, which shares the batch with the Timeline Appender). This
// hook exists so every enqueue path bumps the queue-depth metric
// consistently without each caller repeating that bookkeeping.
func (s *Sender) Enqueue(destination string, item Item) {
	logrus.WithFields(logrus.Fields{"destination": destination, "kind": item.Kind}).Trace("federation item enqueued")
	observeSendQueueDepth(1)
}

// WakeDestination ensures destination has a running worker and nudges it
// to re-check its queue, called after a write batch that enqueued items
// for it commits (spec §4.6 step 7).
func (s *Sender) WakeDestination(destination string) {
	s.mu.Lock()
	d, ok := s.destinations[destination]
	if !ok {
		d = NewDestination(destination, s.transport, s.store)
		s.destinations[destination] = d
		s.mu.Unlock()
		go s.run(d)
		d.Wake()
		return
	}
	s.mu.Unlock()
	d.Wake()
}

func (s *Sender) run(d *Destination) {
	if err := s.sem.Acquire(s.proc.Context(), 1); err != nil {
		// Only returns non-nil on context cancellation (shutdown); the
		// destination simply never starts its Run loop in that case.
		return
	}
	defer s.sem.Release(1)
	logrus.WithField("destination", d.Name).Info("federation destination worker starting")
	d.Run(s.proc.Context(), s.proc)
}

// Destinations lists every destination this Sender has ever activated,
// for admin/observability purposes.
func (s *Sender) Destinations() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.destinations))
	for name, d := range s.destinations {
		out[name] = d.CurrentState()
	}
	return out
}
