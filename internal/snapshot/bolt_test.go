package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/types"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "boards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState() types.DocumentState {
	state := types.NewDocumentState()
	op := types.Operation{
		ID:      types.OperationID{Origin: "alice", Seq: 1},
		Type:    types.OpAddStroke,
		Element: "e1",
		Clock:   types.VectorClock{"alice": 1},
		Payload: map[string]any{"kind": "stroke"},
	}
	state.Elements["e1"] = types.Element{ID: "e1", Kind: "stroke", CreatedBy: "alice", UpdatedBy: op.ID}
	state.Ops["e1"] = []types.Operation{op}
	return state
}

func TestBoltStoreMissingSnapshot(t *testing.T) {
	store := newTestBolt(t)
	_, _, err := store.LoadSnapshot(context.Background(), "board")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "board", sampleState(), types.VectorClock{"alice": 1}))
	state, clock, err := store.LoadSnapshot(ctx, "board")
	require.NoError(t, err)

	assert.Equal(t, types.VectorClock{"alice": 1}, clock)
	el, ok := state.Element("e1")
	require.True(t, ok)
	assert.Equal(t, "stroke", el.Kind)
	require.Len(t, state.Ops["e1"], 1)
	assert.Equal(t, types.OperationID{Origin: "alice", Seq: 1}, state.Ops["e1"][0].ID)

	docs, err := store.Documents()
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentID{"board"}, docs)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boards.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(context.Background(), "board", sampleState(), types.VectorClock{"alice": 1}))
	require.NoError(t, store.Close())

	_, _, err = store.LoadSnapshot(context.Background(), "board")
	assert.ErrorIs(t, err, ErrStoreClosed)

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	_, clock, err := reopened.LoadSnapshot(context.Background(), "board")
	require.NoError(t, err)
	assert.Equal(t, types.VectorClock{"alice": 1}, clock)
}

func TestStaleKeysKeepsNewest(t *testing.T) {
	keys := []string{
		"snapshots/board/00000000000000000003.json",
		"snapshots/board/00000000000000000001.json",
		"snapshots/board/00000000000000000002.json",
	}
	assert.Equal(t, []string{"snapshots/board/00000000000000000001.json"}, staleKeys(keys, 2))
	assert.Nil(t, staleKeys(keys, 3))
}

func TestObjectPaths(t *testing.T) {
	assert.Equal(t, "snapshots/board/latest.json", latestPath("board"))
	assert.Equal(t, "snapshots/board/", documentPrefix("board"))
}
