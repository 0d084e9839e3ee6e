package stateres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/stateres"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
)

type fixture struct {
	events *eventstore.Store
	states *statestore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memkv.New()
	events, err := eventstore.NewStore(ctx, db)
	require.NoError(t, err)
	states, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)
	return &fixture{events: events, states: states}
}

func (f *fixture) insert(t *testing.T, p *eventstore.PDU) eventstore.ShortEventID {
	t.Helper()
	ctx := context.Background()
	short, err := f.events.Insert(ctx, p)
	require.NoError(t, err)
	return short
}

func (f *fixture) key(t *testing.T, eventType, stateKey string) statestore.StateKeyID {
	t.Helper()
	id, err := f.states.InternStateKey(context.Background(), eventType, stateKey)
	require.NoError(t, err)
	return id
}

func member(eventID, sender, target, membership string, authEvents []string, ts int64) *eventstore.PDU {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return &eventstore.PDU{
		EventID: eventID, RoomID: "!room:example.com", Sender: sender, Type: "m.room.member",
		StateKey: &target, Content: content, AuthEvents: authEvents, OriginServerTS: ts, RoomVersion: "10",
	}
}

// TestResolveDeterministicallyPicksHigherPoweredCandidate builds two
// forward extremities that disagree on m.room.name: one change authored
// by a user with sufficient power, one by a user without. Resolution
// must re-authorize each candidate against the accumulated state and
// keep only the one that passes (spec §4.5 steps 4-5).
func TestResolveDeterministicallyPicksHigherPoweredCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	create := &eventstore.PDU{
		EventID: "$create", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.create", StateKey: ptr(""), Content: json.RawMessage(`{"creator":"@creator:example.com"}`),
		OriginServerTS: 1, RoomVersion: "10",
	}
	f.insert(t, create)

	plContent, _ := json.Marshal(map[string]any{
		"users": map[string]int64{"@creator:example.com": 100, "@alice:example.com": 50, "@bob:example.com": 0},
	})
	powerLevels := &eventstore.PDU{
		EventID: "$pl", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.power_levels", StateKey: ptr(""), Content: plContent,
		AuthEvents: []string{"$create"}, OriginServerTS: 2, RoomVersion: "10",
	}
	f.insert(t, powerLevels)

	creatorJoin := member("$creator-join", "@creator:example.com", "@creator:example.com", "join", []string{"$create"}, 3)
	aliceJoin := member("$alice-join", "@alice:example.com", "@alice:example.com", "join", []string{"$create"}, 4)
	bobJoin := member("$bob-join", "@bob:example.com", "@bob:example.com", "join", []string{"$create"}, 5)
	f.insert(t, creatorJoin)
	f.insert(t, aliceJoin)
	f.insert(t, bobJoin)

	nameA := &eventstore.PDU{
		EventID: "$name-a", RoomID: "!room:example.com", Sender: "@alice:example.com",
		Type: "m.room.name", StateKey: ptr(""), Content: json.RawMessage(`{"name":"alice's room"}`),
		AuthEvents: []string{"$create", "$pl", "$alice-join"}, OriginServerTS: 10, RoomVersion: "10",
	}
	nameB := &eventstore.PDU{
		EventID: "$name-b", RoomID: "!room:example.com", Sender: "@bob:example.com",
		Type: "m.room.name", StateKey: ptr(""), Content: json.RawMessage(`{"name":"bob's room"}`),
		AuthEvents: []string{"$create", "$pl", "$bob-join"}, OriginServerTS: 11, RoomVersion: "10",
	}
	nameAShort := f.insert(t, nameA)
	nameBShort := f.insert(t, nameB)

	createShort, err := f.events.EventShortID(ctx, "$create")
	require.NoError(t, err)
	plShort, err := f.events.EventShortID(ctx, "$pl")
	require.NoError(t, err)
	creatorJoinShort, err := f.events.EventShortID(ctx, "$creator-join")
	require.NoError(t, err)
	aliceJoinShort, err := f.events.EventShortID(ctx, "$alice-join")
	require.NoError(t, err)
	bobJoinShort, err := f.events.EventShortID(ctx, "$bob-join")
	require.NoError(t, err)

	createKey := f.key(t, "m.room.create", "")
	plKey := f.key(t, "m.room.power_levels", "")
	nameKey := f.key(t, "m.room.name", "")
	creatorMemberKey := f.key(t, "m.room.member", "@creator:example.com")
	aliceMemberKey := f.key(t, "m.room.member", "@alice:example.com")
	bobMemberKey := f.key(t, "m.room.member", "@bob:example.com")

	agreed := statestore.StateMap{
		createKey:        createShort,
		plKey:            plShort,
		creatorMemberKey: creatorJoinShort,
		aliceMemberKey:   aliceJoinShort,
		bobMemberKey:     bobJoinShort,
	}
	stateA := statestore.StateMap{}
	stateB := statestore.StateMap{}
	for k, v := range agreed {
		stateA[k] = v
		stateB[k] = v
	}
	stateA[nameKey] = nameAShort
	stateB[nameKey] = nameBShort

	resolver := &stateres.Resolver{Events: f.events, States: f.states}
	resolved, err := resolver.Resolve(ctx, []statestore.StateMap{stateA, stateB})
	require.NoError(t, err)
	require.Equal(t, nameAShort, resolved[nameKey])
}

func TestResolveWithSingleStateSetIsPassthrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	create := &eventstore.PDU{
		EventID: "$create", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.create", StateKey: ptr(""), Content: json.RawMessage(`{}`), RoomVersion: "10",
	}
	short := f.insert(t, create)
	createKey := f.key(t, "m.room.create", "")

	resolver := &stateres.Resolver{Events: f.events, States: f.states}
	resolved, err := resolver.Resolve(ctx, []statestore.StateMap{{createKey: short}})
	require.NoError(t, err)
	require.Equal(t, short, resolved[createKey])
}

// TestResolveHandlesKeysPresentInOnlyOneStateSet covers a key that only
// one of the input state sets carries at all: partition treats presence
// itself as part of agreement, so this still routes through the full
// conflict-resolution path rather than a shortcut merge.
func TestResolveHandlesKeysPresentInOnlyOneStateSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	create := &eventstore.PDU{EventID: "$create", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.create", StateKey: ptr(""), Content: json.RawMessage(`{}`), RoomVersion: "10"}
	name := &eventstore.PDU{EventID: "$name", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.name", StateKey: ptr(""), Content: json.RawMessage(`{}`), AuthEvents: []string{"$create"}, RoomVersion: "10"}
	createShort := f.insert(t, create)
	nameShort := f.insert(t, name)

	createKey := f.key(t, "m.room.create", "")
	nameKey := f.key(t, "m.room.name", "")

	stateA := statestore.StateMap{createKey: createShort}
	stateB := statestore.StateMap{nameKey: nameShort}

	resolver := &stateres.Resolver{Events: f.events, States: f.states}
	resolved, err := resolver.Resolve(ctx, []statestore.StateMap{stateA, stateB})
	require.NoError(t, err)
	require.Equal(t, createShort, resolved[createKey])
}

func ptr(s string) *string { return &s }
