package syncengine

import (
	"context"
	"encoding/json"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/schema"
)

// Entry is one published item on an ancillary stream (presence, typing,
// receipts, to-device, device-list, account-data): a monotone stream
// position, the room or user the item targets, and its payload.
type Entry struct {
	Position uint64
	Target   string
	Payload  json.RawMessage
}

type entryRecord struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// stream is a single append-only, watchable, position-ordered log —
// the same log-structured shape roomserver/timeline.Appender uses for
// its global timeline index, generalized here to the five remaining
// streams spec §4.7 names plus receipts.
type stream struct {
	db      kv.Database
	counter schema.PointMap
	log     schema.OrderedMap
}

func newStream(db kv.Database, name string) *stream {
	return &stream{
		db:      db,
		counter: schema.NewPointMap(db, "sync/"+name+"/counter"),
		log:     schema.NewOrderedMap(db, "sync/"+name+"/log"),
	}
}

// Publish appends an entry, returning its assigned position.
func (s *stream) Publish(ctx context.Context, target string, payload json.RawMessage) (uint64, error) {
	counterRaw, err := s.counter.Get(ctx, []byte("v"))
	var position uint64
	if err == nil {
		position = schema.DecodeUint64(counterRaw)
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	position++

	rec, err := json.Marshal(entryRecord{Target: target, Payload: payload})
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	s.counter.PutBatched(b, []byte("v"), schema.EncodeUint64(position))
	s.log.PutBatched(b, schema.EncodeUint64(position), rec)
	if err := b.Commit(ctx); err != nil {
		return 0, err
	}
	return position, nil
}

// Position returns the stream's current position, 0 if nothing has ever
// been published.
func (s *stream) Position(ctx context.Context) (uint64, error) {
	raw, err := s.counter.Get(ctx, []byte("v"))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return schema.DecodeUint64(raw), nil
}

// Since returns every entry with Position > since, in ascending order,
// bounded by limit.
func (s *stream) Since(ctx context.Context, since uint64, limit int) ([]Entry, error) {
	it, err := s.log.ScanPrefix(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Entry
	for it.Next() {
		p := it.Pair()
		if len(p.Key) < 8 {
			continue
		}
		position := schema.DecodeUint64(p.Key[:8])
		if position <= since {
			continue
		}
		var rec entryRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return nil, err
		}
		out = append(out, Entry{Position: position, Target: rec.Target, Payload: rec.Payload})
		if len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// Watch returns a one-shot channel closed after the next Publish.
func (s *stream) Watch() <-chan struct{} {
	return s.log.Watch(nil)
}
