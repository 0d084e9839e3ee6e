package receiver_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/federationapi/receiver"
	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/stateres"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
	"github.com/matrixon-io/matrixon/roomserver/timeline"
)

type fakeBackfill struct {
	events map[string]*eventstore.PDU
}

func (f *fakeBackfill) StateIDs(_ context.Context, _ spec.ServerName, _ string, _ string) ([]string, []string, error) {
	return nil, nil, nil
}

func (f *fakeBackfill) Event(_ context.Context, _ spec.ServerName, _ string, eventID string) (*eventstore.PDU, error) {
	p, ok := f.events[eventID]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func ptr(s string) *string { return &s }

func newReceiver(t *testing.T, backfill receiver.BackfillFetcher) (*receiver.Receiver, *eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	db := memkv.New()
	events, err := eventstore.NewStore(ctx, db)
	require.NoError(t, err)
	states, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)
	resolver := &stateres.Resolver{Events: events, States: states}
	appender := timeline.New(db, events, states, resolver, nil, nil)
	return receiver.New(db, events, appender, backfill, 5), events
}

func createPDU(eventID string) *eventstore.PDU {
	return &eventstore.PDU{
		EventID: eventID, RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.create", StateKey: ptr(""), Content: json.RawMessage(`{"creator":"@creator:example.com"}`),
		RoomVersion: "10",
	}
}

func TestValidateTransactionLimits(t *testing.T) {
	require.NoError(t, receiver.ValidateTransactionLimits(50, 100))
	require.Error(t, receiver.ValidateTransactionLimits(51, 0))
	require.Error(t, receiver.ValidateTransactionLimits(0, 101))

	// A transaction over both limits reports the PDU limit first.
	err := receiver.ValidateTransactionLimits(51, 101)
	require.Error(t, err)
	require.Contains(t, err.Error(), "PDU count")
}

func TestGenerateTransactionKeyDoesNotCollideAcrossBoundary(t *testing.T) {
	a := receiver.GenerateTransactionKey(spec.ServerName("a"), "bc")
	b := receiver.GenerateTransactionKey(spec.ServerName("ab"), "c")
	require.NotEqual(t, a, b)
}

func TestReceiveAppendsGenesisPDUWithNoMissingAncestors(t *testing.T) {
	ctx := context.Background()
	r, events := newReceiver(t, nil)

	txn := receiver.Transaction{
		Origin: "example.com", TxnID: "1",
		PDUs: []*eventstore.PDU{createPDU("$create")},
	}
	result, err := r.Receive(ctx, txn)
	require.NoError(t, err)
	require.Len(t, result.PDUOutcomes, 1)
	require.False(t, result.PDUOutcomes[0].Rejected)
	require.False(t, result.PDUOutcomes[0].SoftFailed)

	extremities, err := events.Extremities(ctx, "!room:example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"$create"}, extremities)
}

func TestReceiveIsIdempotentByOriginAndTxnID(t *testing.T) {
	ctx := context.Background()
	r, _ := newReceiver(t, nil)

	txn := receiver.Transaction{
		Origin: "example.com", TxnID: "1",
		PDUs: []*eventstore.PDU{createPDU("$create")},
	}
	first, err := r.Receive(ctx, txn)
	require.NoError(t, err)
	second, err := r.Receive(ctx, txn)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestReceiveSoftFailsWhenBackfillCannotCompleteChain(t *testing.T) {
	ctx := context.Background()
	r, events := newReceiver(t, &fakeBackfill{events: map[string]*eventstore.PDU{}})

	orphan := &eventstore.PDU{
		EventID: "$orphan", RoomID: "!room:example.com", Sender: "@alice:example.com",
		Type: "m.room.message", Content: json.RawMessage(`{"body":"hi"}`),
		PrevEvents: []string{"$missing-parent"}, Depth: 5, RoomVersion: "10",
	}
	txn := receiver.Transaction{Origin: "example.com", TxnID: "1", PDUs: []*eventstore.PDU{orphan}}

	result, err := r.Receive(ctx, txn)
	require.NoError(t, err)
	require.Len(t, result.PDUOutcomes, 1)
	require.True(t, result.PDUOutcomes[0].SoftFailed)

	short, err := events.EventShortID(ctx, "$orphan")
	require.NoError(t, err)
	softFailed, err := r.IsSoftFailed(ctx, short)
	require.NoError(t, err)
	require.True(t, softFailed)
}

func TestReceiveResolvesBackfillWhenFetcherHasMissingAncestor(t *testing.T) {
	ctx := context.Background()
	backfill := &fakeBackfill{events: map[string]*eventstore.PDU{"$create": createPDU("$create")}}
	r, _ := newReceiver(t, backfill)

	join := &eventstore.PDU{
		EventID: "$join", RoomID: "!room:example.com", Sender: "@creator:example.com",
		Type: "m.room.member", StateKey: ptr("@creator:example.com"),
		Content: json.RawMessage(`{"membership":"join"}`),
		PrevEvents: []string{"$create"}, Depth: 1, RoomVersion: "10",
	}
	txn := receiver.Transaction{Origin: "example.com", TxnID: "1", PDUs: []*eventstore.PDU{join}}

	result, err := r.Receive(ctx, txn)
	require.NoError(t, err)
	require.Len(t, result.PDUOutcomes, 1)
	require.False(t, result.PDUOutcomes[0].SoftFailed)
	require.False(t, result.PDUOutcomes[0].Rejected)
}
