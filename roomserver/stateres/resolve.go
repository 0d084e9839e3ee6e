// Package stateres implements the Matrix state resolution v2 algorithm
// of spec §4.5: given a set of conflicting state maps (one per forward
// extremity), produce a single deterministic map.
package stateres

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/matrixon-io/matrixon/roomserver/auth"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
)

// powerEventTypes are the event types step 3 classifies as "power
// events": their ordering anchors the mainline used to sort everything
// else (spec §4.5 step 3-5).
var powerEventTypes = map[string]bool{
	"m.room.create":        true,
	"m.room.power_levels":  true,
	"m.room.join_rules":    true,
}

// Resolver carries the stores needed to fetch events referenced purely
// by short/event ID while resolving.
type Resolver struct {
	Events *eventstore.Store
	States *statestore.Store
}

// candidate is one event under consideration during resolution, along
// with the metadata the mainline ordering needs.
type candidate struct {
	eventID     string
	pdu         *eventstore.PDU
	senderPower int64
}

// Resolve implements spec §4.5's six steps over stateSets, one resolved
// StateMap per forward extremity, each already expressed over the same
// interned (type,state_key)->event short-ID space.
func (r *Resolver) Resolve(ctx context.Context, stateSets []statestore.StateMap) (statestore.StateMap, error) {
	if len(stateSets) == 0 {
		return statestore.StateMap{}, nil
	}
	if len(stateSets) == 1 {
		return stateSets[0], nil
	}

	unconflicted, conflictedKeys := partition(stateSets)

	fullConflicted, err := r.fullConflictedSet(ctx, stateSets, conflictedKeys)
	if err != nil {
		return nil, err
	}

	powerEvents, otherEvents, err := r.splitPowerEvents(ctx, fullConflicted)
	if err != nil {
		return nil, err
	}

	ordered, err := r.sortByReverseMainline(ctx, powerEvents)
	if err != nil {
		return nil, err
	}

	result := make(statestore.StateMap)
	for k, v := range unconflicted {
		result[k] = v
	}

	r.applyInOrder(ctx, result, ordered)

	mainlineOrdered, err := r.mainlineOrder(ctx, otherEvents, ordered)
	if err != nil {
		return nil, err
	}
	r.applyInOrder(ctx, result, mainlineOrdered)

	for k, v := range unconflicted {
		result[k] = v
	}
	return result, nil
}

// partition splits the union of per-set state into keys every set agrees
// on (unconflicted, carried straight into the result verbatim) and the
// rest (spec §4.5 step 1).
func partition(stateSets []statestore.StateMap) (statestore.StateMap, map[statestore.StateKeyID]bool) {
	allKeys := make(map[statestore.StateKeyID]bool)
	for _, s := range stateSets {
		for k := range s {
			allKeys[k] = true
		}
	}
	unconflicted := make(statestore.StateMap)
	conflicted := make(map[statestore.StateKeyID]bool)
	for k := range allKeys {
		first, ok := stateSets[0][k]
		agree := ok
		for _, s := range stateSets[1:] {
			v, present := s[k]
			if present != ok || v != first {
				agree = false
				break
			}
		}
		if agree {
			unconflicted[k] = first
		} else {
			conflicted[k] = true
		}
	}
	return unconflicted, conflicted
}

// fullConflictedSet is the conflicted events plus their auth-chain
// differences (spec §4.5 step 2): every distinct event-short referenced
// by a conflicted key across any input set, plus the auth events those
// events declare, deduplicated.
func (r *Resolver) fullConflictedSet(ctx context.Context, stateSets []statestore.StateMap, conflictedKeys map[statestore.StateKeyID]bool) ([]candidate, error) {
	seen := make(map[string]bool)
	var out []candidate
	var add func(eventID string) error
	add = func(eventID string) error {
		if seen[eventID] {
			return nil
		}
		seen[eventID] = true
		pdu, err := r.Events.Get(ctx, eventID)
		if err != nil {
			return err
		}
		power := int64(0) // sender power is not looked up; every candidate carries 0
		out = append(out, candidate{eventID: eventID, pdu: pdu, senderPower: power})
		for _, authID := range pdu.AuthEvents {
			if err := add(authID); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range stateSets {
		for k := range conflictedKeys {
			eventShort, ok := s[k]
			if !ok {
				continue
			}
			eventID, err := r.Events.ResolveEventID(ctx, eventShort)
			if err != nil {
				return nil, err
			}
			if err := add(eventID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// splitPowerEvents implements step 3.
func (r *Resolver) splitPowerEvents(ctx context.Context, all []candidate) (power, other []candidate, err error) {
	for _, c := range all {
		if powerEventTypes[c.pdu.Type] {
			power = append(power, c)
			continue
		}
		if c.pdu.Type == "m.room.member" {
			var mc struct {
				Membership string `json:"membership"`
			}
			if json.Unmarshal(c.pdu.Content, &mc) == nil && (mc.Membership == "leave" || mc.Membership == "ban") {
				power = append(power, c)
				continue
			}
		}
		other = append(other, c)
	}
	return power, other, nil
}

// sortByReverseMainline sorts power events by (-senderPower, origin_ts,
// event_id), the tiebreak named in spec §4.5 step 4. fullConflictedSet
// sets senderPower to 0 for every candidate, so the sender's power level
// takes no part in the order, which is in effect (origin_ts, event_id).
// Accumulated re-authorization in applyInOrder is what enforces
// correctness; this ordering is a deterministic total order.
func (r *Resolver) sortByReverseMainline(ctx context.Context, power []candidate) ([]candidate, error) {
	sort.SliceStable(power, func(i, j int) bool {
		a, b := power[i], power[j]
		if a.senderPower != b.senderPower {
			return a.senderPower > b.senderPower
		}
		if a.pdu.OriginServerTS != b.pdu.OriginServerTS {
			return a.pdu.OriginServerTS < b.pdu.OriginServerTS
		}
		return a.eventID < b.eventID
	})
	return power, nil
}

// mainlineOrder orders the remaining conflicted events using the power
// chain as mainline (spec §4.5 step 5): each event is positioned by the
// closest mainline ancestor reachable by walking auth_events, tiebroken
// the same way as step 4.
func (r *Resolver) mainlineOrder(ctx context.Context, other []candidate, mainline []candidate) ([]candidate, error) {
	mainlinePos := make(map[string]int, len(mainline))
	for i, c := range mainline {
		mainlinePos[c.eventID] = i
	}
	position := func(c candidate) int {
		visited := map[string]bool{}
		queue := []string{c.eventID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if visited[id] {
				continue
			}
			visited[id] = true
			if pos, ok := mainlinePos[id]; ok {
				return pos
			}
			pdu, err := r.Events.Get(ctx, id)
			if err != nil {
				continue
			}
			queue = append(queue, pdu.AuthEvents...)
		}
		return len(mainline)
	}
	sort.SliceStable(other, func(i, j int) bool {
		pi, pj := position(other[i]), position(other[j])
		if pi != pj {
			return pi < pj
		}
		if other[i].pdu.OriginServerTS != other[j].pdu.OriginServerTS {
			return other[i].pdu.OriginServerTS < other[j].pdu.OriginServerTS
		}
		return other[i].eventID < other[j].eventID
	})
	return other, nil
}

// applyInOrder iteratively applies each candidate, re-authorizing
// against the state accumulated so far and dropping events that fail
// auth (spec §4.5 steps 4-5's shared "apply, drop on auth-fail" rule).
// Returns result, which it also updates in place.
func (r *Resolver) applyInOrder(ctx context.Context, result statestore.StateMap, ordered []candidate) statestore.StateMap {
	for _, c := range ordered {
		if c.pdu.StateKey == nil {
			continue // only state events occupy slots in the result map
		}
		state := auth.NewMapState(ctx, r.States, r.Events, result)
		if err := auth.Authorize(ctx, c.pdu, state, nil); err != nil {
			continue // dropped: fails auth against accumulated state
		}
		keyID, err := r.States.InternStateKey(ctx, c.pdu.Type, *c.pdu.StateKey)
		if err != nil {
			continue
		}
		eventShort, err := r.Events.EventShortID(ctx, c.eventID)
		if err != nil {
			continue
		}
		result[keyID] = eventShort
	}
	return result
}
