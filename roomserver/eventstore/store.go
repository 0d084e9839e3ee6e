package eventstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/schema"
	"github.com/matrixon-io/matrixon/internal/shortid"
)

// Store is the L2 event store: append-only PDU persistence keyed by
// short event ID, per-room depth index, parent/child edges, and forward
// extremities (spec §4.3).
type Store struct {
	db kv.Database

	eventIDs *shortid.Allocator
	roomIDs  *shortid.Allocator

	pdus        schema.PointMap   // short_event_id -> canonical PDU JSON
	byRoomDepth schema.OrderedMap // room_short | depth_be | event_short -> ()
	children    schema.OrderedMap // parent_short | child_short -> ()
	redactedBy  schema.PointMap   // short_event_id -> redaction event_id
	extremities schema.OrderedMap // room_short | event_short -> () (scanned via prefix)
}

// NewStore wires a Store over db, allocating the two short-ID classes it
// owns (events, rooms — state keys are owned by roomserver/statestore).
func NewStore(ctx context.Context, db kv.Database) (*Store, error) {
	eventIDs, err := shortid.NewAllocator(ctx, db, "shortid/event")
	if err != nil {
		return nil, err
	}
	roomIDs, err := shortid.NewAllocator(ctx, db, "shortid/room")
	if err != nil {
		return nil, err
	}
	return &Store{
		db:          db,
		eventIDs:    eventIDs,
		roomIDs:     roomIDs,
		pdus:        schema.NewPointMap(db, "events/pdu"),
		byRoomDepth: schema.NewOrderedMap(db, "events/by_depth"),
		children:    schema.NewOrderedMap(db, "events/children"),
		redactedBy:  schema.NewPointMap(db, "events/redacted_by"),
		extremities: schema.NewOrderedMap(db, "rooms/extremities"),
	}, nil
}

// RoomShortID interns roomID.
func (s *Store) RoomShortID(ctx context.Context, roomID string) (ShortRoomID, error) {
	return s.roomIDs.Intern(ctx, roomID)
}

// EventShortID interns eventID without requiring the PDU to exist yet
// (auth_events/prev_events may reference events not yet seen).
func (s *Store) EventShortID(ctx context.Context, eventID string) (ShortEventID, error) {
	return s.eventIDs.Intern(ctx, eventID)
}

func (s *Store) ResolveEventID(ctx context.Context, id ShortEventID) (string, error) {
	return s.eventIDs.Resolve(ctx, id)
}

// ResolveRoomID is the inverse of RoomShortID.
func (s *Store) ResolveRoomID(ctx context.Context, id ShortRoomID) (string, error) {
	return s.roomIDs.Resolve(ctx, id)
}

// Insert persists pdu. Idempotent: a duplicate EventID returns the
// existing short ID without modifying anything (spec §4.3).
func (s *Store) Insert(ctx context.Context, pdu *PDU) (ShortEventID, error) {
	shortID, err := s.eventIDs.Intern(ctx, pdu.EventID)
	if err != nil {
		return 0, err
	}
	if existing, err := s.pdus.Get(ctx, schema.EncodeUint64(uint64(shortID))); err == nil && existing != nil {
		return shortID, nil // already inserted
	} else if err != nil && err != kv.ErrNotFound {
		return 0, err
	}

	roomShort, err := s.roomIDs.Intern(ctx, pdu.RoomID)
	if err != nil {
		return 0, err
	}

	canonicalDepth := pdu.Depth
	for _, parentID := range pdu.PrevEvents {
		parentShort, err := s.eventIDs.Intern(ctx, parentID)
		if err != nil {
			return 0, err
		}
		if parentDepth, ok, err := s.depthOf(ctx, parentShort); err != nil {
			return 0, err
		} else if ok && parentDepth+1 > canonicalDepth {
			// spec §4.3: our own ordering uses max(parent.depth)+1 even
			// if the event claims a smaller depth.
			canonicalDepth = parentDepth + 1
		}
	}

	raw, err := json.Marshal(pdu)
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	s.pdus.PutBatched(b, schema.EncodeUint64(uint64(shortID)), raw)
	s.byRoomDepth.PutBatched(b,
		schema.JoinKey(schema.EncodeUint64(uint64(roomShort)), schema.EncodeInt64(canonicalDepth), schema.EncodeUint64(uint64(shortID))),
		[]byte{})

	newExtremities, err := s.computeExtremities(ctx, roomShort, shortID, pdu.PrevEvents)
	if err != nil {
		return 0, err
	}
	for parentID := range newExtremities.removed {
		s.extremities.DeleteBatched(b, schema.JoinKey(schema.EncodeUint64(uint64(roomShort)), schema.EncodeUint64(uint64(parentID))))
		s.children.PutBatched(b, schema.JoinKey(schema.EncodeUint64(uint64(parentID)), schema.EncodeUint64(uint64(shortID))), []byte{})
	}
	s.extremities.PutBatched(b, schema.JoinKey(schema.EncodeUint64(uint64(roomShort)), schema.EncodeUint64(uint64(shortID))), []byte{})

	if pdu.RedactsEventID != "" {
		targetShort, err := s.eventIDs.Intern(ctx, pdu.RedactsEventID)
		if err != nil {
			return 0, err
		}
		// Redaction idempotence (spec §8 property 7): re-redacting an
		// already-redacted event just overwrites the pointer with
		// itself in effect, a no-op in observable reads.
		s.redactedBy.PutBatched(b, schema.EncodeUint64(uint64(targetShort)), []byte(pdu.EventID))
	}

	if err := b.Commit(ctx); err != nil {
		return 0, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return shortID, nil
}

type extremityDelta struct {
	removed map[ShortEventID]struct{}
}

// computeExtremities implements spec §3.4: new set = (old ∪ {E}) \ P.
// Returns which of E's declared parents were themselves extremities (and
// so must be removed / demoted to non-extremities + given a child edge).
func (s *Store) computeExtremities(ctx context.Context, roomShort ShortRoomID, newEvent ShortEventID, prevEvents []string) (extremityDelta, error) {
	removed := make(map[ShortEventID]struct{})
	for _, parentID := range prevEvents {
		parentShort, err := s.eventIDs.Intern(ctx, parentID)
		if err != nil {
			return extremityDelta{}, err
		}
		_, err = s.extremities.Get(ctx, schema.JoinKey(schema.EncodeUint64(uint64(roomShort)), schema.EncodeUint64(uint64(parentShort))))
		if err == nil {
			removed[parentShort] = struct{}{}
		} else if err != kv.ErrNotFound {
			return extremityDelta{}, err
		}
	}
	_ = newEvent
	return extremityDelta{removed: removed}, nil
}

// Extremities returns the current forward-extremity event IDs for room.
func (s *Store) Extremities(ctx context.Context, roomID string) ([]string, error) {
	roomShort, err := s.roomIDs.Intern(ctx, roomID)
	if err != nil {
		return nil, err
	}
	it, err := s.extremities.ScanPrefix(ctx, schema.EncodeUint64(uint64(roomShort)), false)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ids []string
	for it.Next() {
		// key = room_short(8) | 0x00 | event_short(8) | 0x00; strip to
		// the event-short component.
		p := it.Pair()
		if len(p.Key) < 9 {
			continue
		}
		eventShort := schema.DecodeUint64(p.Key[9:17])
		id, err := s.eventIDs.Resolve(ctx, ShortEventID(eventShort))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, it.Err()
}

func (s *Store) depthOf(ctx context.Context, eventShort ShortEventID) (int64, bool, error) {
	raw, err := s.pdus.Get(ctx, schema.EncodeUint64(uint64(eventShort)))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, false, err
	}
	return p.Depth, true, nil
}

// Get fetches a PDU by event ID, applying field-level redaction if a
// redaction event targets it.
func (s *Store) Get(ctx context.Context, eventID string) (*PDU, error) {
	shortID, err := s.eventIDs.Intern(ctx, eventID)
	if err != nil {
		return nil, err
	}
	raw, err := s.pdus.Get(ctx, schema.EncodeUint64(uint64(shortID)))
	if err != nil {
		return nil, err
	}
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if _, err := s.redactedBy.Get(ctx, schema.EncodeUint64(uint64(shortID))); err == nil {
		redactNonPreservedFields(&p)
	} else if err != kv.ErrNotFound {
		return nil, err
	}
	return &p, nil
}

// redactNonPreservedFields blanks content per the room-version redaction
// algorithm's conservative default: keep everything but content (the
// exact per-event-type preserved-keys table is a gomatrixserverlib
// concern at the auth layer; the store only needs the coarse behavior so
// that reads never surface a redacted event's original content).
func redactNonPreservedFields(p *PDU) {
	p.Content = json.RawMessage(`{}`)
}

// WalkAncestors walks breadth-first from eventID over prev_events and
// returns up to limit stored events, eventID itself first (spec §4.3).
// The result is collected into a slice before it is returned, in
// breadth-first order, which is not sorted by depth when branches differ
// in length.
func (s *Store) WalkAncestors(ctx context.Context, eventID string, limit int) ([]*PDU, error) {
	visited := make(map[string]struct{})
	queue := []string{eventID}
	var out []*PDU
	for len(queue) > 0 && len(out) < limit {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		pdu, err := s.Get(ctx, id)
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pdu)
		queue = append(queue, pdu.PrevEvents...)
	}
	return out, nil
}

// MissingAncestors returns those of eventIDs, and of the prev_events and
// auth_events reachable from them within horizon hops, that are not
// stored locally. The search is breadth-first (spec §4.3).
func (s *Store) MissingAncestors(ctx context.Context, eventIDs []string, horizon int) ([]string, error) {
	seen := make(map[string]struct{})
	missing := make(map[string]struct{})
	type item struct {
		id    string
		depth int
	}
	queue := make([]item, 0, len(eventIDs))
	for _, id := range eventIDs {
		queue = append(queue, item{id: id, depth: 0})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.depth > horizon {
			continue
		}
		if _, ok := seen[it.id]; ok {
			continue
		}
		seen[it.id] = struct{}{}
		pdu, err := s.Get(ctx, it.id)
		if err == kv.ErrNotFound {
			missing[it.id] = struct{}{}
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, ref := range append(append([]string{}, pdu.PrevEvents...), pdu.AuthEvents...) {
			queue = append(queue, item{id: ref, depth: it.depth + 1})
		}
	}
	out := make([]string, 0, len(missing))
	for id := range missing {
		out = append(out, id)
	}
	return out, nil
}
