// Package shortid implements the bidirectional string<->uint64 interning
// maps described in spec §3.1: ShortEventID, ShortRoomID, ShortStateKey
// and friends. Interning is idempotent and short IDs are never reused,
// backed by an atomic in-process counter plus a durable "next value" KV
// record so a restart resumes without collision (grounded on the
// teacher's roomserver NID pattern visible in
// roomserver/internal/partialstate_tracker.go's types.RoomNID usage).
package shortid

import (
	"context"
	"sync/atomic"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/schema"
)

// ID is an opaque, monotonically assigned identifier for an interned
// string. Zero is never a valid allocated ID.
type ID uint64

// Allocator interns strings of one entity class (events, rooms, or
// (type,state_key) pairs serialized to a single string) into IDs.
type Allocator struct {
	fwd     schema.PointMap // string -> encoded ID
	rev     schema.PointMap // encoded ID -> string
	counter schema.PointMap // single record: next ID to allocate
	next    atomic.Uint64
	db      kv.Database
}

var counterKey = []byte("next")

// NewAllocator loads (or initializes) the persistent counter for one
// entity class namespaced under prefix.
func NewAllocator(ctx context.Context, db kv.Database, prefix string) (*Allocator, error) {
	a := &Allocator{
		fwd:     schema.NewPointMap(db, prefix+"/fwd"),
		rev:     schema.NewPointMap(db, prefix+"/rev"),
		counter: schema.NewPointMap(db, prefix+"/ctr"),
		db:      db,
	}
	v, err := a.counter.Get(ctx, counterKey)
	switch err {
	case nil:
		a.next.Store(schema.DecodeUint64(v))
	case kv.ErrNotFound:
		a.next.Store(1) // 0 is reserved as "unallocated"
	default:
		return nil, err
	}
	return a, nil
}

// Intern returns the short ID for s, allocating a fresh one on first
// lookup. Subsequent calls for the same s return the same ID.
func (a *Allocator) Intern(ctx context.Context, s string) (ID, error) {
	if v, err := a.fwd.Get(ctx, []byte(s)); err == nil {
		return ID(schema.DecodeUint64(v)), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}

	id := ID(a.next.Add(1) - 1)
	encoded := schema.EncodeUint64(uint64(id))

	b := a.db.NewBatch()
	a.fwd.PutBatched(b, []byte(s), encoded)
	a.rev.PutBatched(b, encoded, []byte(s))
	a.counter.PutBatched(b, counterKey, schema.EncodeUint64(a.next.Load()))
	if err := b.Commit(ctx); err != nil {
		return 0, err
	}

	// Another writer may have interned s concurrently between our Get
	// and Commit; re-check so Intern stays idempotent under races.
	v, err := a.fwd.Get(ctx, []byte(s))
	if err != nil {
		return 0, err
	}
	return ID(schema.DecodeUint64(v)), nil
}

// Resolve is the inverse of Intern: resolve(intern(x)) == x.
func (a *Allocator) Resolve(ctx context.Context, id ID) (string, error) {
	v, err := a.rev.Get(ctx, schema.EncodeUint64(uint64(id)))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Counter is the allocation-only half of Allocator, for entity classes
// with no external string identity to intern against (state groups):
// just a durable, restart-safe monotone uint64.
type Counter struct {
	counter schema.PointMap
	next    atomic.Uint64
}

// NewCounter loads (or initializes) a persistent counter namespaced under
// prefix.
func NewCounter(ctx context.Context, db kv.Database, prefix string) (*Counter, error) {
	c := &Counter{counter: schema.NewPointMap(db, prefix+"/ctr")}
	v, err := c.counter.Get(ctx, counterKey)
	switch err {
	case nil:
		c.next.Store(schema.DecodeUint64(v))
	case kv.ErrNotFound:
		c.next.Store(1)
	default:
		return nil, err
	}
	return c, nil
}

// Next atomically allocates and durably persists the next ID.
func (c *Counter) Next(ctx context.Context, db kv.Database) (ID, error) {
	id := ID(c.next.Add(1) - 1)
	if err := c.counter.Put(ctx, counterKey, schema.EncodeUint64(c.next.Load())); err != nil {
		return 0, err
	}
	return id, nil
}
