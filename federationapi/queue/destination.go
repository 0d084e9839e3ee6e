package queue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrixon-io/matrixon/setup/process"
)

// State is the per-destination state machine of spec §4.8.
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// backoff schedule constants (spec §4.8): base a few seconds, cap one
// day. A destination gives up (Failed) once its attempt count exceeds
// maxAttempts; the 20 backoff delays before that add up to roughly 5.5
// days (2s doubling per attempt, the last four at the 24h cap).
const (
	backoffBase    = 2 * time.Second
	backoffCap     = 24 * time.Hour
	maxAttempts    = 20
)

func backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(2, float64(attempt))
	jitter := rand.Float64() * float64(backoffBase)
	delay := time.Duration(d + jitter)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// Transport is the capability a Destination needs to actually deliver a
// transaction; the HTTP/signing concern lives outside this package (spec
// §1 exclusion of transport bootstrap), so Transport is the seam.
type Transport interface {
	SendTransaction(ctx context.Context, destination string, txnID string, pdus, edus []Item) (perItemPermanentFailure map[int]bool, err error)
}

// Destination drives one remote homeserver's FIFO queue through the
// Idle/InFlight/Backoff/Failed state machine, grounded on the teacher's
// PartialStateWorker backoff loop
// (federationapi/internal/partialstate.go).
type Destination struct {
	Name      string
	Transport Transport
	Store     QueueStore

	DropPresenceAfterBackoffAttempts int

	mu      sync.Mutex
	state   State
	attempt int

	wake chan struct{}
}

// QueueStore is the persistence seam a Destination uses to read/ack/drop
// items; backed by federationapi/storage in the full system, but kept as
// an interface here so queue logic has no storage import.
type QueueStore interface {
	Peek(ctx context.Context, destination string, maxPDUs, maxEDUs int) ([]Item, error)
	Ack(ctx context.Context, destination string, sequences []uint64) error
	Drop(ctx context.Context, destination string, sequences []uint64) error
}

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// NewDestination constructs a destination worker in the Idle state.
func NewDestination(name string, transport Transport, store QueueStore) *Destination {
	return &Destination{
		Name:                              name,
		Transport:                         transport,
		Store:                             store,
		DropPresenceAfterBackoffAttempts:  4,
		state:                             StateIdle,
		wake:                              make(chan struct{}, 1),
	}
}

// Wake nudges an Idle-or-Backoff-waiting destination to re-check its
// queue immediately, called by the Timeline Appender's post-commit
// notification (spec §4.6 step 7).
func (d *Destination) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the destination's state machine until ctx is cancelled,
// looping Idle -> build+send -> Idle|Backoff. Intended to be started once
// per destination as a background task under a process.ProcessContext.
func (d *Destination) Run(ctx context.Context, proc *process.ProcessContext) {
	log := logrus.WithField("destination", d.Name)
	proc.ComponentStarted()
	defer proc.ComponentFinished()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		state := d.state
		attempt := d.attempt
		d.mu.Unlock()

		switch state {
		case StateFailed:
			return
		case StateBackoff:
			delay := backoffDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			case <-d.wake:
			}
			d.setState(StateIdle)
			continue
		default:
		}

		sent, err := d.attemptSend(ctx)
		if err != nil {
			log.WithError(err).Warn("transaction attempt failed, entering backoff")
			d.mu.Lock()
			d.attempt++
			if d.attempt > maxAttempts {
				d.state = StateFailed
			} else {
				d.state = StateBackoff
			}
			d.mu.Unlock()
			destinationBackoffs.WithLabelValues(d.Name).Inc()
			continue
		}
		if !sent {
			// Nothing queued; wait for a wake signal or poll slowly.
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-time.After(30 * time.Second):
			}
			continue
		}
		d.mu.Lock()
		d.attempt = 0
		d.state = StateIdle
		d.mu.Unlock()
	}
}

// attemptSend pops up to the transaction size limits, builds and sends
// one transaction, and acks/drops items per the InFlight transition
// rules of spec §4.8. Returns sent=false when the queue was empty.
func (d *Destination) attemptSend(ctx context.Context) (sent bool, err error) {
	items, err := d.Store.Peek(ctx, d.Name, maxPDUsPerTransaction, maxEDUsPerTransaction)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	d.setState(StateInFlight)

	var pdus, edus []Item
	var pduIdx, eduIdx []int
	for i, it := range items {
		if it.Kind == KindPDU {
			pdus = append(pdus, it)
			pduIdx = append(pduIdx, i)
		} else {
			edus = append(edus, it)
			eduIdx = append(eduIdx, i)
		}
	}

	txnID := generateTxnID()
	permFailures, err := d.Transport.SendTransaction(ctx, d.Name, txnID, pdus, edus)
	if err != nil {
		return true, err
	}

	var acked, dropped []uint64
	for _, i := range append(append([]int{}, pduIdx...), eduIdx...) {
		it := items[i]
		if permFailures[i] {
			dropped = append(dropped, it.Sequence)
			continue
		}
		acked = append(acked, it.Sequence)
	}
	if len(acked) > 0 {
		if err := d.Store.Ack(ctx, d.Name, acked); err != nil {
			return true, err
		}
		transactionsSent.WithLabelValues(d.Name).Inc()
		observeSendQueueDepth(-len(acked))
	}
	if len(dropped) > 0 {
		if err := d.Store.Drop(ctx, d.Name, dropped); err != nil {
			return true, err
		}
		observeSendQueueDepth(-len(dropped))
	}
	return true, nil
}

func (d *Destination) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// CurrentState reports the destination's state machine position, for
// observability/admin inspection.
func (d *Destination) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

var txnCounter uint64

func generateTxnID() string {
	txnCounter++
	return time.Now().UTC().Format("20060102T150405") + "-" + itoa(txnCounter)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
