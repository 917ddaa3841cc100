package oplog

import (
	"io"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/types"
)

func newTestLog(local string, opts ...Option) *Log {
	logger := zerolog.New(io.Discard)
	return New("board", types.ParticipantID(local), crdt.NewResolver(logger), logger, opts...)
}

func addDraft(element string) types.Draft {
	return types.Draft{Type: types.OpAddStroke, Element: types.ElementID(element), Payload: map[string]any{"kind": "stroke"}}
}

func collect(t *testing.T, l *Log, clock types.VectorClock) []types.OperationID {
	t.Helper()
	seq, err := l.Since(clock)
	require.NoError(t, err)
	var ids []types.OperationID
	for op := range seq {
		ids = append(ids, op.ID)
	}
	return ids
}

func TestAppendStampsAfterBump(t *testing.T) {
	l := newTestLog("alice")

	first, err := l.Append(addDraft("e1"))
	require.NoError(t, err)
	second, err := l.Append(addDraft("e2"))
	require.NoError(t, err)

	assert.Equal(t, types.OperationID{Origin: "alice", Seq: 1}, first.ID)
	assert.Equal(t, types.VectorClock{"alice": 1}, first.Clock)
	assert.Equal(t, types.OperationID{Origin: "alice", Seq: 2}, second.ID)
	assert.Equal(t, types.VectorClock{"alice": 2}, l.Clock())
	assert.NoError(t, second.Validate())
	assert.Equal(t, 2, l.Len())
	assert.Len(t, l.Snapshot().Visible(), 2)
}

func TestAppendRejectsInvalidDraft(t *testing.T) {
	l := newTestLog("alice")
	_, err := l.Append(types.Draft{Type: "rotate", Element: "e1"})
	assert.ErrorIs(t, err, types.ErrMalformedOperation)
	assert.Empty(t, l.Clock())
}

func TestInsertRejectsDuplicatesAndGaps(t *testing.T) {
	src := newTestLog("bob")
	op1, _ := src.Append(addDraft("e1"))
	op2, _ := src.Append(addDraft("e2"))

	dst := newTestLog("alice")
	_, err := dst.Insert(op2)
	assert.ErrorIs(t, err, ErrCausalityGap)
	assert.False(t, dst.Ready(op2))

	_, err = dst.Insert(op1)
	require.NoError(t, err)
	_, err = dst.Insert(op1)
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	_, err = dst.Insert(op2)
	require.NoError(t, err)
	assert.True(t, dst.Has(op2.ID))
	assert.Equal(t, types.VectorClock{"bob": 2}, dst.Clock())

	local, err := dst.Append(addDraft("e3"))
	require.NoError(t, err)
	assert.Equal(t, types.VectorClock{"alice": 1, "bob": 2}, local.Clock, "local stamp carries causal knowledge")
}

func TestInsertWaitsForForeignDependencies(t *testing.T) {
	bob := newTestLog("bob")
	b1, _ := bob.Append(addDraft("e1"))

	carol := newTestLog("carol")
	_, _ = carol.Insert(b1)
	c1, _ := carol.Append(types.Draft{Type: types.OpMoveElement, Element: "e1", Payload: map[string]any{"x": 1.0, "y": 1.0}})

	alice := newTestLog("alice")
	assert.False(t, alice.Ready(c1), "carol's op depends on bob:1")
	_, err := alice.Insert(c1)
	assert.ErrorIs(t, err, ErrCausalityGap)

	_, err = alice.Insert(b1)
	require.NoError(t, err)
	_, err = alice.Insert(c1)
	require.NoError(t, err)
}

func TestSinceReturnsMissingOperationsLazily(t *testing.T) {
	l := newTestLog("alice")
	for _, el := range []string{"a", "b", "c"} {
		_, err := l.Append(addDraft(el))
		require.NoError(t, err)
	}

	assert.Equal(t, []types.OperationID{{Origin: "alice", Seq: 2}, {Origin: "alice", Seq: 3}}, collect(t, l, types.VectorClock{"alice": 1}))
	assert.Empty(t, collect(t, l, l.Clock()))

	seq, err := l.Since(types.VectorClock{})
	require.NoError(t, err)
	_, _ = l.Append(addDraft("d"))

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Len(t, first, 3, "sequence reflects the log when Since was called")
	assert.Equal(t, first, second, "sequence is restartable")

	for op := range seq {
		assert.Equal(t, uint64(1), op.ID.Seq)
		break
	}
}

func TestCompactionRaisesFloor(t *testing.T) {
	l := newTestLog("alice", WithCompactionThreshold(2))
	for _, el := range []string{"a", "b", "c"} {
		_, _ = l.Append(addDraft(el))
	}
	require.True(t, l.NeedsCompaction())

	snap := l.CompactionSnapshot()
	_, _ = l.Append(addDraft("d"))
	l.Compact(snap)

	assert.Equal(t, 1, l.Len(), "entries after the snapshot are retained")
	assert.Equal(t, types.VectorClock{"alice": 3}, l.Floor())
	assert.True(t, l.Has(types.OperationID{Origin: "alice", Seq: 1}))
	assert.Len(t, l.Snapshot().Visible(), 4)
	assert.False(t, l.NeedsCompaction())

	_, err := l.Since(types.VectorClock{"alice": 1})
	assert.ErrorIs(t, err, ErrNeedsFullSnapshot)
	assert.Equal(t, []types.OperationID{{Origin: "alice", Seq: 4}}, collect(t, l, types.VectorClock{"alice": 3}))
}

func TestLongDragStaysBounded(t *testing.T) {
	l := newTestLog("alice", WithCompactionThreshold(50))
	_, err := l.Append(addDraft("s1"))
	require.NoError(t, err)

	for i := 1; i <= 1000; i++ {
		_, err := l.Append(types.Draft{Type: types.OpMoveElement, Element: "s1", Payload: map[string]any{"x": float64(i), "y": float64(i)}})
		require.NoError(t, err)
		if l.NeedsCompaction() {
			l.Compact(l.CompactionSnapshot())
		}
		require.LessOrEqual(t, len(l.Snapshot().Ops["s1"]), 2)
	}

	assert.LessOrEqual(t, l.Len(), 50)
	el, ok := l.Snapshot().Element("s1")
	require.True(t, ok)
	assert.Equal(t, types.Point{X: 1000, Y: 1000}, el.Position)
	assert.Nil(t, l.View().Ops)
	assert.Equal(t, el, l.View().Elements["s1"])
}

func TestAppendResolvesRelativeMoves(t *testing.T) {
	l := newTestLog("alice")
	_, err := l.Append(types.Draft{Type: types.OpAddStroke, Element: "s1", Payload: map[string]any{"x": 1.0, "y": 2.0}})
	require.NoError(t, err)

	op, err := l.Append(types.Draft{Type: types.OpMoveElement, Element: "s1", Payload: map[string]any{"dx": 2.0, "dy": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 3.0, "y": 5.0}, op.Payload)
	require.NoError(t, op.Validate())

	op, err = l.Append(types.Draft{Type: types.OpMoveElement, Element: "s1", Payload: map[string]any{"x": 10.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 10.0, "y": 5.0}, op.Payload)

	el, _ := l.Snapshot().Element("s1")
	assert.Equal(t, types.Point{X: 10, Y: 5}, el.Position)
}

func TestInstallSnapshotKeepsUncoveredEntries(t *testing.T) {
	server := newTestLog("bob")
	for _, el := range []string{"s1", "s2"} {
		_, _ = server.Append(addDraft(el))
	}

	client := newTestLog("alice")
	offline, err := client.Append(addDraft("mine"))
	require.NoError(t, err)

	client.InstallSnapshot(server.CompactionSnapshot())

	assert.Equal(t, types.VectorClock{"alice": 1, "bob": 2}, client.Clock())
	assert.Equal(t, types.VectorClock{"bob": 2}, client.Floor())
	assert.Equal(t, 1, client.Len())
	assert.Len(t, client.Snapshot().Visible(), 3)
	assert.Equal(t, []types.OperationID{offline.ID}, collect(t, client, types.VectorClock{"bob": 2}))
}

func TestRestoreRequiresEmptyLog(t *testing.T) {
	src := newTestLog("bob")
	_, _ = src.Append(addDraft("e1"))
	snap := src.CompactionSnapshot()

	l := newTestLog("alice")
	require.NoError(t, l.Restore(snap))
	assert.Equal(t, types.VectorClock{"bob": 1}, l.Clock())
	assert.Equal(t, 0, l.Len())
	_, ok := l.Snapshot().Element("e1")
	assert.True(t, ok)

	assert.ErrorIs(t, l.Restore(snap), ErrNotEmpty)
}

func TestSubscribeNotifiesUntilCancelled(t *testing.T) {
	l := newTestLog("alice")
	var seen []types.OperationID
	cancel := l.Subscribe(func(op types.Operation) {
		seen = append(seen, op.ID)
	})

	op, _ := l.Append(addDraft("e1"))
	cancel()
	_, _ = l.Append(addDraft("e2"))

	assert.Equal(t, []types.OperationID{op.ID}, seen)
}
