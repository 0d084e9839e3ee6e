package auth_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/roomserver/auth"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
)

type fakeState struct {
	events map[string]*eventstore.PDU // "type\x00state_key" -> pdu
}

func newFakeState() *fakeState {
	return &fakeState{events: make(map[string]*eventstore.PDU)}
}

func (f *fakeState) put(p *eventstore.PDU) {
	sk := ""
	if p.StateKey != nil {
		sk = *p.StateKey
	}
	f.events[p.Type+"\x00"+sk] = p
}

func (f *fakeState) Get(ctx context.Context, eventType, stateKey string) (*eventstore.PDU, bool, error) {
	p, ok := f.events[eventType+"\x00"+stateKey]
	return p, ok, nil
}

func membership(sender, target, membership string) *eventstore.PDU {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return &eventstore.PDU{
		EventID:     "$" + target + "-" + membership,
		RoomID:      "!room:example.com",
		Sender:      sender,
		Type:        "m.room.member",
		StateKey:    &target,
		Content:     content,
		RoomVersion: "10",
	}
}

func createEvent() *eventstore.PDU {
	empty := ""
	return &eventstore.PDU{
		EventID:     "$create",
		RoomID:      "!room:example.com",
		Sender:      "@creator:example.com",
		Type:        "m.room.create",
		StateKey:    &empty,
		Content:     json.RawMessage(`{"creator":"@creator:example.com"}`),
		RoomVersion: "10",
	}
}

func TestAuthorizeRejectsUnknownRoomVersion(t *testing.T) {
	state := newFakeState()
	event := &eventstore.PDU{RoomID: "!r:example.com", Sender: "@a:example.com", Type: "m.room.message", RoomVersion: "999"}
	err := auth.Authorize(context.Background(), event, state, nil)
	require.Error(t, err)
}

func TestAuthorizeAllowsSelfJoinUnderPublicRule(t *testing.T) {
	state := newFakeState()
	state.put(createEvent())
	joinRules, _ := json.Marshal(map[string]string{"join_rule": "public"})
	empty := ""
	state.put(&eventstore.PDU{Type: "m.room.join_rules", StateKey: &empty, Content: joinRules, RoomVersion: "10"})

	joinEvent := membership("@bob:example.com", "@bob:example.com", "join")
	joinEvent.RoomVersion = "10"
	err := auth.Authorize(context.Background(), joinEvent, state, nil)
	require.NoError(t, err)
}

func TestAuthorizeRejectsJoinUnderInviteOnlyRuleWithoutInvite(t *testing.T) {
	state := newFakeState()
	state.put(createEvent())
	joinRules, _ := json.Marshal(map[string]string{"join_rule": "invite"})
	empty := ""
	state.put(&eventstore.PDU{Type: "m.room.join_rules", StateKey: &empty, Content: joinRules, RoomVersion: "10"})

	joinEvent := membership("@bob:example.com", "@bob:example.com", "join")
	joinEvent.RoomVersion = "10"
	err := auth.Authorize(context.Background(), joinEvent, state, nil)
	require.Error(t, err)
}

func TestAuthorizeRejectsMessageFromNonJoinedSender(t *testing.T) {
	state := newFakeState()
	state.put(createEvent())

	msg := &eventstore.PDU{
		RoomID: "!room:example.com", Sender: "@mallory:example.com", Type: "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`), RoomVersion: "10",
	}
	err := auth.Authorize(context.Background(), msg, state, nil)
	require.Error(t, err)
}

func TestAuthorizeAllowsMessageFromJoinedSenderWithSufficientPower(t *testing.T) {
	state := newFakeState()
	state.put(createEvent())
	state.put(membership("@creator:example.com", "@alice:example.com", "join"))

	msg := &eventstore.PDU{
		RoomID: "!room:example.com", Sender: "@alice:example.com", Type: "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`), RoomVersion: "10",
	}
	err := auth.Authorize(context.Background(), msg, state, nil)
	require.NoError(t, err)
}

func TestAuthorizeRejectsKickByInsufficientlyPoweredUser(t *testing.T) {
	state := newFakeState()
	state.put(createEvent())
	state.put(membership("@creator:example.com", "@alice:example.com", "join"))
	state.put(membership("@creator:example.com", "@bob:example.com", "join"))

	kick := membership("@alice:example.com", "@bob:example.com", "leave")
	kick.RoomVersion = "10"
	err := auth.Authorize(context.Background(), kick, state, nil)
	require.Error(t, err)
}

func TestNewMapStateResolvesThroughStores(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	events, err := eventstore.NewStore(ctx, db)
	require.NoError(t, err)
	states, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)

	create := createEvent()
	_, err = events.Insert(ctx, create)
	require.NoError(t, err)
	createShort, err := events.EventShortID(ctx, create.EventID)
	require.NoError(t, err)

	keyID, err := states.InternStateKey(ctx, "m.room.create", "")
	require.NoError(t, err)
	group, err := states.CreateFullGroup(ctx, statestore.StateMap{keyID: createShort})
	require.NoError(t, err)

	resolved, err := states.ResolveGroup(ctx, group)
	require.NoError(t, err)
	mapState := auth.NewMapState(ctx, states, events, resolved)

	got, ok, err := mapState.Get(ctx, "m.room.create", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, create.EventID, got.EventID)
}
