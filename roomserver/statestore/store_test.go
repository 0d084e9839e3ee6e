package statestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/roomserver/eventstore"
	"github.com/matrixon-io/matrixon/roomserver/statestore"
)

func newStore(t *testing.T, threshold int) *statestore.Store {
	t.Helper()
	s, err := statestore.NewStore(context.Background(), memkv.New(), threshold)
	require.NoError(t, err)
	return s
}

func TestInternStateKeyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	id1, err := s.InternStateKey(ctx, "m.room.member", "@alice:example.com")
	require.NoError(t, err)
	id2, err := s.InternStateKey(ctx, "m.room.member", "@alice:example.com")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := s.InternStateKey(ctx, "m.room.member", "@bob:example.com")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestCreateGroupAndResolveAppliesDeltaOverFull(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	nameKey, err := s.InternStateKey(ctx, "m.room.name", "")
	require.NoError(t, err)
	topicKey, err := s.InternStateKey(ctx, "m.room.topic", "")
	require.NoError(t, err)

	full := statestore.StateMap{nameKey: eventstore.ShortEventID(1)}
	base, err := s.CreateFullGroup(ctx, full)
	require.NoError(t, err)

	delta, err := s.CreateGroup(ctx, base, map[statestore.StateKeyID]eventstore.ShortEventID{
		topicKey: eventstore.ShortEventID(2),
	}, nil)
	require.NoError(t, err)

	resolved, err := s.ResolveGroup(ctx, delta)
	require.NoError(t, err)
	require.Equal(t, eventstore.ShortEventID(1), resolved[nameKey])
	require.Equal(t, eventstore.ShortEventID(2), resolved[topicKey])
}

func TestCreateGroupRemovalsOverrideParent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)

	nameKey, err := s.InternStateKey(ctx, "m.room.name", "")
	require.NoError(t, err)

	base, err := s.CreateFullGroup(ctx, statestore.StateMap{nameKey: eventstore.ShortEventID(1)})
	require.NoError(t, err)

	delta, err := s.CreateGroup(ctx, base, nil, []statestore.StateKeyID{nameKey})
	require.NoError(t, err)

	resolved, err := s.ResolveGroup(ctx, delta)
	require.NoError(t, err)
	_, ok := resolved[nameKey]
	require.False(t, ok)
}

func TestGroupIDsAreNeverReusedAcrossRestart(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()

	s1, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)
	first, err := s1.CreateFullGroup(ctx, statestore.StateMap{})
	require.NoError(t, err)

	// Simulate a process restart: a fresh Store wired over the same db.
	s2, err := statestore.NewStore(ctx, db, 0)
	require.NoError(t, err)
	second, err := s2.CreateFullGroup(ctx, statestore.StateMap{})
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestCompactionCollapsesLongDeltaChains(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 3)

	key, err := s.InternStateKey(ctx, "m.room.member", "@alice:example.com")
	require.NoError(t, err)

	group, err := s.CreateFullGroup(ctx, statestore.StateMap{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		group, err = s.CreateGroup(ctx, group, map[statestore.StateKeyID]eventstore.ShortEventID{
			key: eventstore.ShortEventID(i + 1),
		}, nil)
		require.NoError(t, err)
	}

	resolved, err := s.ResolveGroup(ctx, group)
	require.NoError(t, err)
	require.Equal(t, eventstore.ShortEventID(5), resolved[key])
}
