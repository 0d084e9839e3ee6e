// Package statestore implements the L2 state store of spec §4.4: state
// groups as either a Full map or a Delta off a parent group, with
// periodic compaction of long delta chains.
package statestore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/schema"
	"github.com/matrixon-io/matrixon/internal/shortid"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
)

// GroupID identifies one state group, a short ID of its own class.
type GroupID = shortid.ID

// StateKeyID is the interned (event_type, state_key) tuple, spec §3.1.
type StateKeyID = shortid.ID

// StateMap is a resolved `(event_type,state_key) -> event_id` snapshot,
// spec §3.3, expressed over short IDs for compactness.
type StateMap map[StateKeyID]eventstore.ShortEventID

type groupRecord struct {
	Full        bool                             `json:"full"`
	Parent      GroupID                           `json:"parent,omitempty"`
	Additions   map[StateKeyID]eventstore.ShortEventID `json:"additions,omitempty"`
	Removals    []StateKeyID                     `json:"removals,omitempty"`
	FullMap     StateMap                          `json:"full_map,omitempty"`
	ChainLength int                                `json:"chain_length"`
}

// Store manages state groups and the event-type/state-key interning
// table that every group's keys are expressed over.
type Store struct {
	db kv.Database

	stateKeys *shortid.Allocator
	groupIDs  *shortid.Counter

	groups schema.PointMap // short_group_id -> groupRecord JSON
	eventGroup schema.PointMap // short_event_id -> short_group_id (state after this event)

	// CompactionThreshold bounds delta-chain length before the chain is
	// materialized into a new Full group (spec §4.4 / open question (a),
	// default documented near 100).
	CompactionThreshold int
}

// NewStore wires a state Store over db.
func NewStore(ctx context.Context, db kv.Database, compactionThreshold int) (*Store, error) {
	stateKeys, err := shortid.NewAllocator(ctx, db, "shortid/statekey")
	if err != nil {
		return nil, err
	}
	groupIDs, err := shortid.NewCounter(ctx, db, "shortid/stategroup")
	if err != nil {
		return nil, err
	}
	if compactionThreshold <= 0 {
		compactionThreshold = 100
	}
	return &Store{
		db:                  db,
		stateKeys:           stateKeys,
		groupIDs:            groupIDs,
		groups:              schema.NewPointMap(db, "state/groups"),
		eventGroup:          schema.NewPointMap(db, "state/event_group"),
		CompactionThreshold: compactionThreshold,
	}, nil
}

// InternStateKey interns an (event_type, state_key) tuple.
func (s *Store) InternStateKey(ctx context.Context, eventType, stateKey string) (StateKeyID, error) {
	return s.stateKeys.Intern(ctx, eventstore.StateKeyTuple{EventType: eventType, StateKey: stateKey}.String())
}

// StateAt fetches the state-group ID that SetStateAt recorded for
// eventShort (spec §4.4 contract `state_at`). The group is the state after
// the event: for a state event it includes the event itself.
func (s *Store) StateAt(ctx context.Context, eventShort eventstore.ShortEventID) (GroupID, bool, error) {
	raw, err := s.eventGroup.Get(ctx, schema.EncodeUint64(uint64(eventShort)))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return GroupID(schema.DecodeUint64(raw)), true, nil
}

// SetStateAt records that group is the state after eventShort (the state
// its children build on), staged on an existing write batch so it commits
// atomically with the Timeline Appender's counter bump and timeline-log
// entry (spec §4.6 step 6). The PDU itself is inserted by an earlier,
// separate commit.
func (s *Store) SetStateAt(b kv.Batch, eventShort eventstore.ShortEventID, group GroupID) {
	s.eventGroup.PutBatched(b, schema.EncodeUint64(uint64(eventShort)), schema.EncodeUint64(uint64(group)))
}

// CreateGroup allocates a new state group as a delta off parent, applying
// additions/removals. It always records a Delta, even when parent is 0;
// a group with no parent (as at genesis) is created with CreateFullGroup.
func (s *Store) CreateGroup(ctx context.Context, parent GroupID, additions map[StateKeyID]eventstore.ShortEventID, removals []StateKeyID) (GroupID, error) {
	id, err := s.allocGroup(ctx)
	if err != nil {
		return 0, err
	}
	parentChainLen := 0
	if parent != 0 {
		parentRec, err := s.loadRecord(ctx, parent)
		if err != nil {
			return 0, err
		}
		parentChainLen = parentRec.ChainLength
	}
	rec := groupRecord{
		Full:        false,
		Parent:      parent,
		Additions:   additions,
		Removals:    removals,
		ChainLength: parentChainLen + 1,
	}
	if err := s.store(ctx, id, rec); err != nil {
		return 0, err
	}
	if rec.ChainLength > s.CompactionThreshold {
		if err := s.compact(ctx, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// CreateFullGroup allocates a new Full state group directly from a
// resolved map (used at room genesis, or by compaction).
func (s *Store) CreateFullGroup(ctx context.Context, full StateMap) (GroupID, error) {
	id, err := s.allocGroup(ctx)
	if err != nil {
		return 0, err
	}
	rec := groupRecord{Full: true, FullMap: full, ChainLength: 0}
	if err := s.store(ctx, id, rec); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) allocGroup(ctx context.Context) (GroupID, error) {
	return s.groupIDs.Next(ctx, s.db)
}

func (s *Store) loadRecord(ctx context.Context, id GroupID) (*groupRecord, error) {
	raw, err := s.groups.Get(ctx, schema.EncodeUint64(uint64(id)))
	if err != nil {
		return nil, err
	}
	var rec groupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) store(ctx context.Context, id GroupID, rec groupRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.groups.Put(ctx, schema.EncodeUint64(uint64(id)), raw); err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return nil
}

// ResolveGroup walks parent links collecting deltas, stopping at the
// first Full group, and applies deltas newest-first (spec §4.4).
func (s *Store) ResolveGroup(ctx context.Context, id GroupID) (StateMap, error) {
	var chain []*groupRecord
	cur := id
	for {
		rec, err := s.loadRecord(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rec)
		if rec.Full {
			break
		}
		cur = rec.Parent
	}

	out := make(StateMap)
	for k, v := range chain[len(chain)-1].FullMap {
		out[k] = v
	}
	// Apply deltas oldest-to-newest after the full base, so that a later
	// (newer) delta's addition/removal always wins over an earlier one
	// touching the same key (spec: "newer wins per key").
	for i := len(chain) - 2; i >= 0; i-- {
		rec := chain[i]
		for _, k := range rec.Removals {
			delete(out, k)
		}
		for k, v := range rec.Additions {
			out[k] = v
		}
	}
	return out, nil
}

// compact materializes the resolved map for id as a new Full group and
// re-parents id to point directly at it with an empty delta, collapsing
// the chain length back to 1 (spec §4.4 compaction rule).
func (s *Store) compact(ctx context.Context, id GroupID) error {
	resolved, err := s.ResolveGroup(ctx, id)
	if err != nil {
		return err
	}
	fullID, err := s.CreateFullGroup(ctx, resolved)
	if err != nil {
		return err
	}
	rec := groupRecord{Full: false, Parent: fullID, ChainLength: 1}
	return s.store(ctx, id, rec)
}
