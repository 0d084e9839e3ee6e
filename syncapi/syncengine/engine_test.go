package syncengine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/stateres"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
	"github.com/matrixon-io/matrixon/roomserver/timeline"
	"github.com/matrixon-io/matrixon/syncapi/syncengine"
)

func ptr(s string) *string { return &s }

func newEngine(t *testing.T) (*syncengine.Engine, *timeline.Appender, *eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	db := memkv.New()
	events, err := eventstore.NewStore(ctx, db)
	require.NoError(t, err)
	states, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)
	resolver := &stateres.Resolver{Events: events, States: states}
	appender := timeline.New(db, events, states, resolver, nil, nil)
	engine := syncengine.New(db, appender, events)
	return engine, appender, events
}

func createPDU(roomID string) *eventstore.PDU {
	return &eventstore.PDU{
		EventID: "$create-" + roomID, RoomID: roomID, Sender: "@creator:example.com",
		Type: "m.room.create", StateKey: ptr(""), Content: json.RawMessage(`{"creator":"@creator:example.com"}`),
		RoomVersion: "10",
	}
}

func TestTokenRoundTripsThroughString(t *testing.T) {
	tok := syncengine.Token{Timeline: 5, Presence: 1, Typing: 2, Receipts: 3, ToDevice: 4, DeviceList: 6, AccountData: 7}
	parsed, err := syncengine.ParseToken(tok.String())
	require.NoError(t, err)
	require.Equal(t, tok, parsed)
}

func TestParseTokenEmptyStringIsZeroToken(t *testing.T) {
	parsed, err := syncengine.ParseToken("")
	require.NoError(t, err)
	require.True(t, parsed.IsEmpty())
}

func TestParseTokenRejectsMalformedInput(t *testing.T) {
	_, err := syncengine.ParseToken("garbage")
	require.Error(t, err)
	_, err = syncengine.ParseToken("s1_2_3")
	require.Error(t, err)
}

func TestSyncInitialReturnsRoomBacklogAndCurrentToken(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)

	resp, next, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)
	require.Len(t, resp.Rooms, 1)
	require.Equal(t, "!room:example.com", resp.Rooms[0].RoomID)
	require.Len(t, resp.Rooms[0].Events, 1)
	require.Equal(t, uint64(1), next.Timeline)
}

func TestSyncInitialOmitsRoomsOutsideFilter(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)

	resp, _, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!other:example.com"}})
	require.NoError(t, err)
	require.Empty(t, resp.Rooms)
}

func TestSyncDeltaReturnsOnlyEventsAfterToken(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)
	_, since, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)

	join := &eventstore.PDU{
		EventID: "$join", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.member", StateKey: ptr("@creator:example.com"),
		Content: json.RawMessage(`{"membership":"join"}`), PrevEvents: []string{"$create-!room:example.com"}, Depth: 1, RoomVersion: "10",
	}
	_, err = appender.Append(ctx, join, nil, nil)
	require.NoError(t, err)

	resp, next, err := engine.Sync(ctx, since, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)
	require.Len(t, resp.Rooms, 1)
	require.Len(t, resp.Rooms[0].Events, 1)
	require.Equal(t, "$join", resp.Rooms[0].Events[0].EventID)
	require.Equal(t, uint64(2), next.Timeline)
}

func TestSyncDeltaWithNothingNewAndZeroTimeoutReturnsSameToken(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)
	_, since, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)

	resp, next, err := engine.Sync(ctx, since, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)
	require.Empty(t, resp.Rooms)
	require.Equal(t, since, next)
}

func TestSyncDeltaWakesOnNewTimelineEventDuringLongPoll(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)
	_, since, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)

	type result struct {
		resp *syncengine.Response
		next syncengine.Token
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, next, err := engine.Sync(ctx, since, 2*time.Second, syncengine.Filter{Rooms: []string{"!room:example.com"}})
		done <- result{resp, next, err}
	}()

	time.Sleep(20 * time.Millisecond)
	join := &eventstore.PDU{
		EventID: "$join", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.member", StateKey: ptr("@creator:example.com"),
		Content: json.RawMessage(`{"membership":"join"}`), PrevEvents: []string{"$create-!room:example.com"}, Depth: 1, RoomVersion: "10",
	}
	_, err = appender.Append(ctx, join, nil, nil)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.resp.Rooms, 1)
		require.Equal(t, uint64(2), r.next.Timeline)
	case <-time.After(time.Second):
		t.Fatal("Sync did not wake on new timeline event")
	}
}

func TestSyncDeltaTimesOutReturningSameTokenWhenNothingArrives(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)
	_, since, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)

	start := time.Now()
	resp, next, err := engine.Sync(ctx, since, 50*time.Millisecond, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)
	require.True(t, time.Since(start) >= 50*time.Millisecond)
	require.Empty(t, resp.Rooms)
	require.Equal(t, since, next)
}

func TestNotifyPresenceIsObservableOnNextDeltaSync(t *testing.T) {
	ctx := context.Background()
	engine, appender, _ := newEngine(t)

	_, err := appender.Append(ctx, createPDU("!room:example.com"), nil, nil)
	require.NoError(t, err)
	_, since, err := engine.Sync(ctx, syncengine.Token{}, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)

	_, err = engine.NotifyPresence(ctx, "@alice:example.com", json.RawMessage(`{"presence":"online"}`))
	require.NoError(t, err)

	resp, next, err := engine.Sync(ctx, since, 0, syncengine.Filter{Rooms: []string{"!room:example.com"}})
	require.NoError(t, err)
	require.Len(t, resp.Presence, 1)
	require.Equal(t, "@alice:example.com", resp.Presence[0].Target)
	require.Equal(t, uint64(1), next.Presence)
}
