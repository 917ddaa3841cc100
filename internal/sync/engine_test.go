package syncstate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/oplog"
	"github.com/example/inksync/internal/presence"
	"github.com/example/inksync/internal/snapshot"
	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
	"github.com/example/inksync/internal/wire"
)

const waitFor = 3 * time.Second

type recorder struct {
	mu      sync.Mutex
	events  []Event
	changes int
	roster  []types.Session
}

func (r *recorder) OnDocumentChanged(types.DocumentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

func (r *recorder) OnPresenceChanged(roster []types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster = roster
}

func (r *recorder) OnStatus(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) saw(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (r *recorder) inRoster(p types.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.roster {
		if s.Participant == p {
			return true
		}
	}
	return false
}

type memoryStore struct {
	mu    sync.Mutex
	saves int
	state types.DocumentState
	clock types.VectorClock
}

func (m *memoryStore) LoadSnapshot(context.Context, types.DocumentID) (types.DocumentState, types.VectorClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saves == 0 {
		return types.DocumentState{}, nil, snapshot.ErrNotFound
	}
	return m.state.Clone(), m.clock.Clone(), nil
}

func (m *memoryStore) SaveSnapshot(_ context.Context, _ types.DocumentID, state types.DocumentState, clock types.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.state = state.Clone()
	m.clock = clock.Clone()
	return nil
}

func (m *memoryStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type replica struct {
	*Engine
	rec *recorder
	log *oplog.Log
}

type replicaOptions struct {
	cfg       func(*Config)
	threshold int
	store     SnapshotStore
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HandshakeTimeout:  50 * time.Millisecond,
		GapTimeout:        50 * time.Millisecond,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		ServeSnapshots:    true,
		AnnouncePresence:  true,
	}
}

func newReplica(ctx context.Context, t *testing.T, participant string, ro replicaOptions) *replica {
	t.Helper()
	logger := zerolog.New(io.Discard)
	cfg := testConfig()
	if ro.cfg != nil {
		ro.cfg(&cfg)
	}
	var logOpts []oplog.Option
	if ro.threshold > 0 {
		logOpts = append(logOpts, oplog.WithCompactionThreshold(ro.threshold))
	}
	log := oplog.New("board", types.ParticipantID(participant), crdt.NewResolver(logger), logger, logOpts...)
	sessions := presence.NewManager("board", presence.Config{
		ReconnectAfter:  200 * time.Millisecond,
		DisconnectAfter: 400 * time.Millisecond,
		SweepInterval:   20 * time.Millisecond,
	}, logger)

	rec := &recorder{}
	opts := []Option{WithNotifier(rec)}
	if ro.store != nil {
		opts = append(opts, WithSnapshotStore(ro.store))
	}
	e := New(cfg, log, sessions, logger, opts...)
	go func() { _ = e.Run(ctx) }()
	require.NoError(t, e.Ready(ctx))
	return &replica{Engine: e, rec: rec, log: log}
}

// connect wires a and b with an in-memory pipe and brings it up.
func connect(a, b *replica) (*transport.PipeEnd, *transport.PipeEnd) {
	pa, pb := transport.Pipe()
	pa.Bind(a.AddLink("to-"+string(b.Participant()), pa))
	pb.Bind(b.AddLink("to-"+string(a.Participant()), pb))
	pa.Connect()
	return pa, pb
}

func stroke(element string) types.Draft {
	return types.Draft{Type: types.OpAddStroke, Element: types.ElementID(element), Payload: map[string]any{
		"kind":   "stroke",
		"points": []any{map[string]any{"x": 1, "y": 2}},
	}}
}

func converged(replicas ...*replica) func() bool {
	return func() bool {
		first := replicas[0].State()
		clock := replicas[0].Clock()
		for _, r := range replicas[1:] {
			if !assert.ObjectsAreEqual(first.Elements, r.State().Elements) || clock.Compare(r.Clock()) != types.Equal {
				return false
			}
		}
		return true
	}
}

func linkState(t *testing.T, r *replica, name string) LinkState {
	t.Helper()
	states, err := r.LinkStates(context.Background())
	require.NoError(t, err)
	return states[name]
}

func TestReplicasConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})
	bob := newReplica(ctx, t, "bob", replicaOptions{})
	connect(alice, bob)

	require.Eventually(t, func() bool {
		return linkState(t, alice, "to-bob") == LinkLive && linkState(t, bob, "to-alice") == LinkLive
	}, waitFor, 10*time.Millisecond)

	_, err := alice.SubmitLocal(ctx, stroke("a1"))
	require.NoError(t, err)
	_, err = bob.SubmitLocal(ctx, stroke("b1"))
	require.NoError(t, err)
	_, err = bob.SubmitLocal(ctx, types.Draft{Type: types.OpMoveElement, Element: "b1", Payload: map[string]any{"x": 10, "y": 20}})
	require.NoError(t, err)

	require.Eventually(t, converged(alice, bob), waitFor, 10*time.Millisecond)
	assert.Len(t, alice.State().Visible(), 2)
	moved, ok := alice.State().Element("b1")
	require.True(t, ok)
	assert.Equal(t, types.Point{X: 10, Y: 20}, moved.Position)
	assert.Equal(t, types.VectorClock{"alice": 1, "bob": 2}, alice.Clock())
}

func TestOfflineEditsMergeOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})
	bob := newReplica(ctx, t, "bob", replicaOptions{})
	pa, _ := connect(alice, bob)

	_, err := alice.SubmitLocal(ctx, stroke("e1"))
	require.NoError(t, err)
	require.Eventually(t, converged(alice, bob), waitFor, 10*time.Millisecond)

	pa.Disconnect()
	require.Eventually(t, func() bool {
		return linkState(t, alice, "to-bob") == LinkDisconnected && linkState(t, bob, "to-alice") == LinkDisconnected
	}, waitFor, 10*time.Millisecond)

	_, err = alice.SubmitLocal(ctx, types.Draft{Type: types.OpMoveElement, Element: "e1", Payload: map[string]any{"x": 5, "y": 5}})
	require.NoError(t, err)
	_, err = bob.SubmitLocal(ctx, types.Draft{Type: types.OpDeleteElement, Element: "e1"})
	require.NoError(t, err)
	_, err = bob.SubmitLocal(ctx, stroke("e2"))
	require.NoError(t, err)

	pa.Connect()
	require.Eventually(t, converged(alice, bob), waitFor, 10*time.Millisecond)

	_, ok := alice.State().Element("e1")
	assert.False(t, ok, "concurrent delete wins over the offline move")
	_, ok = alice.State().Element("e2")
	assert.True(t, ok)
	assert.True(t, alice.rec.saw(EventTransportFailure))
}

func TestCatchUpThroughRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := newReplica(ctx, t, "relay", replicaOptions{cfg: func(c *Config) { c.AnnouncePresence = false }})
	alice := newReplica(ctx, t, "alice", replicaOptions{})
	bob := newReplica(ctx, t, "bob", replicaOptions{})
	connect(alice, relay)

	for _, el := range []string{"a", "b", "c", "d", "e"} {
		_, err := alice.SubmitLocal(ctx, stroke(el))
		require.NoError(t, err)
	}
	require.Eventually(t, converged(alice, relay), waitFor, 10*time.Millisecond)

	connect(bob, relay)
	require.Eventually(t, converged(alice, relay, bob), waitFor, 10*time.Millisecond)
	assert.Len(t, bob.State().Visible(), 5)

	_, err := bob.SubmitLocal(ctx, stroke("f"))
	require.NoError(t, err)
	require.Eventually(t, converged(alice, relay, bob), waitFor, 10*time.Millisecond)
	assert.Len(t, alice.State().Visible(), 6)

	require.Eventually(t, func() bool { return alice.rec.inRoster("bob") }, waitFor, 10*time.Millisecond)
	assert.False(t, alice.rec.inRoster("relay"), "relays do not announce themselves")
}

func TestSnapshotServedWhenPeerPredatesCompaction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{threshold: 2})
	bob := newReplica(ctx, t, "bob", replicaOptions{})

	for _, el := range []string{"a", "b", "c"} {
		_, err := alice.SubmitLocal(ctx, stroke(el))
		require.NoError(t, err)
	}
	require.NotEmpty(t, alice.log.Floor(), "log was compacted")

	_, err := bob.SubmitLocal(ctx, stroke("mine"))
	require.NoError(t, err)

	connect(alice, bob)
	require.Eventually(t, converged(alice, bob), waitFor, 10*time.Millisecond)
	assert.Len(t, bob.State().Visible(), 4)
	assert.True(t, bob.rec.saw(EventSnapshotInstalled))
	require.Eventually(t, func() bool { return linkState(t, bob, "to-alice") == LinkLive }, waitFor, 10*time.Millisecond)
}

func TestVersionSkewStopsLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{threshold: 2, cfg: func(c *Config) { c.ServeSnapshots = false }})
	bob := newReplica(ctx, t, "bob", replicaOptions{})

	for _, el := range []string{"a", "b", "c"} {
		_, err := alice.SubmitLocal(ctx, stroke(el))
		require.NoError(t, err)
	}

	connect(alice, bob)
	require.Eventually(t, func() bool {
		return bob.rec.saw(EventVersionSkew) && alice.rec.saw(EventVersionSkew)
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return linkState(t, bob, "to-alice") == LinkDisconnected }, waitFor, 10*time.Millisecond)
	assert.Empty(t, bob.State().Visible())
}

func TestReceiveRemoteBuffersAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})

	logger := zerolog.New(io.Discard)
	src := oplog.New("board", "bob", crdt.NewResolver(logger), logger)
	var ops []types.Operation
	for _, el := range []string{"x", "y", "z"} {
		op, err := src.Append(stroke(el))
		require.NoError(t, err)
		ops = append(ops, op)
	}

	require.NoError(t, alice.ReceiveRemote(ctx, ops[2]))
	assert.Empty(t, alice.State().Visible(), "held until predecessors arrive")
	assert.ErrorIs(t, alice.ReceiveRemote(ctx, ops[2]), ErrDuplicateOperation)

	require.NoError(t, alice.ReceiveRemote(ctx, ops[0]))
	require.NoError(t, alice.ReceiveRemote(ctx, ops[1]))
	assert.Len(t, alice.State().Visible(), 3)
	assert.Equal(t, types.VectorClock{"bob": 3}, alice.Clock())

	assert.ErrorIs(t, alice.ReceiveRemote(ctx, ops[0]), ErrDuplicateOperation)

	bad := ops[0]
	bad.ID.Seq = 0
	assert.ErrorIs(t, alice.ReceiveRemote(ctx, bad), ErrMalformedOperation)
	assert.True(t, alice.rec.saw(EventMalformed))
}

func TestClockRegressionIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	carol := newReplica(ctx, t, "carol", replicaOptions{})

	op := func(origin string, seq uint64, clock types.VectorClock) types.Operation {
		return types.Operation{
			ID:      types.OperationID{Origin: types.ParticipantID(origin), Seq: seq},
			Type:    types.OpAddStroke,
			Element: types.ElementID(origin + "-el"),
			Clock:   clock,
		}
	}
	require.NoError(t, carol.ReceiveRemote(ctx, op("bob", 1, types.VectorClock{"bob": 1})))
	require.NoError(t, carol.ReceiveRemote(ctx, op("bob", 2, types.VectorClock{"bob": 2})))
	require.NoError(t, carol.ReceiveRemote(ctx, op("alice", 1, types.VectorClock{"alice": 1, "bob": 2})))

	regressed := op("alice", 2, types.VectorClock{"alice": 2, "bob": 1})
	err := carol.ReceiveRemote(ctx, regressed)
	assert.ErrorIs(t, err, ErrClockRegression)
	assert.False(t, carol.log.Has(regressed.ID))
	assert.True(t, carol.rec.saw(EventClockRegression))

	sess, ok := carol.Sessions().Session("alice")
	require.True(t, ok)
	assert.True(t, sess.Flagged)
}

func TestSubmitLocalRejectsMalformedDraft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})

	_, err := alice.SubmitLocal(ctx, types.Draft{Type: "rotate", Element: "e1"})
	assert.ErrorIs(t, err, ErrMalformedOperation)
	_, err = alice.SubmitLocal(ctx, types.Draft{Type: types.OpAddStroke})
	assert.ErrorIs(t, err, ErrMalformedOperation)
	assert.Empty(t, alice.Clock())
}

func TestSubmitLocalDropsReservedElementKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})
	bob := newReplica(ctx, t, "bob", replicaOptions{})
	connect(alice, bob)

	_, err := alice.SubmitLocal(ctx, stroke("e1"))
	require.NoError(t, err)
	op, err := alice.SubmitLocal(ctx, types.Draft{Type: types.OpUpdateProperty, Element: "e1", Payload: map[string]any{"element": "e2", "color": "red"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "red"}, op.Payload)

	require.Eventually(t, converged(alice, bob), waitFor, 10*time.Millisecond)
	assert.Equal(t, alice.State().Ops, bob.State().Ops, "both replicas retain identical payloads")
	el, ok := bob.State().Element("e1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"color": "red"}, el.Properties)
}

// frameSink stands in for a peer whose frames are written by hand.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) HandleConnected()         {}
func (s *frameSink) HandleDisconnected(error) {}

func (s *frameSink) HandleData(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
}

func (s *frameSink) sawError(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, data := range s.frames {
		env, err := wire.Decode(data)
		if err == nil && env.Type == wire.TypeError && env.Error.Code == code {
			return true
		}
	}
	return false
}

func TestDeltaWithMalformedOperationStillGoesLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})

	pa, pb := transport.Pipe()
	sink := &frameSink{}
	pa.Bind(alice.AddLink("to-mallory", pa))
	pb.Bind(sink)
	pa.Connect()

	send := func(env wire.Envelope) {
		t.Helper()
		data, err := wire.Encode(env)
		require.NoError(t, err)
		require.NoError(t, pb.Send(ctx, data))
	}

	advertised := types.VectorClock{"mallory": 3}
	send(wire.NewHello("board", "mallory", advertised))
	require.Eventually(t, func() bool { return linkState(t, alice, "to-mallory") == LinkSyncing }, waitFor, 10*time.Millisecond)

	valid := types.Operation{
		ID:      types.OperationID{Origin: "mallory", Seq: 1},
		Type:    types.OpAddStroke,
		Element: "m1",
		Payload: map[string]any{"kind": "stroke"},
		Clock:   types.VectorClock{"mallory": 1},
	}
	forged := wire.OpBody{
		OpID:    types.OperationID{Origin: "mallory", Seq: 2},
		Type:    types.OpMoveElement,
		Payload: map[string]any{"element": "m1", "x": 1.0, "y": 1.0},
		Clock:   types.VectorClock{"mallory": 7},
	}
	dependent := types.Operation{
		ID:      types.OperationID{Origin: "mallory", Seq: 3},
		Type:    types.OpAddStroke,
		Element: "m3",
		Clock:   types.VectorClock{"mallory": 3},
	}
	send(wire.Envelope{
		Type:     wire.TypeDelta,
		Document: "board",
		Sender:   "mallory",
		Ops:      []wire.OpBody{wire.FromOperation(valid), forged, wire.FromOperation(dependent)},
		Clock:    advertised,
	})

	require.Eventually(t, func() bool { return linkState(t, alice, "to-mallory") == LinkLive }, waitFor, 10*time.Millisecond)
	_, ok := alice.State().Element("m1")
	assert.True(t, ok, "valid operations in the batch are applied")
	_, ok = alice.State().Element("m3")
	assert.False(t, ok, "operations after the rejected one cannot be applied")
	assert.Equal(t, types.VectorClock{"mallory": 1}, alice.Clock())
	assert.True(t, alice.rec.saw(EventMalformed))
	assert.False(t, alice.rec.saw(EventGapDetected))
	require.Eventually(t, func() bool { return sink.sawError(wire.CodeMalformed) }, waitFor, 10*time.Millisecond)
}

func TestPresenceFollowsCursorAndLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newReplica(ctx, t, "alice", replicaOptions{})
	bob := newReplica(ctx, t, "bob", replicaOptions{})
	connect(alice, bob)

	require.Eventually(t, func() bool { return alice.rec.inRoster("bob") }, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.UpdateCursor(ctx, &types.Cursor{X: 3, Y: 4}))
	require.Eventually(t, func() bool {
		sess, ok := alice.Sessions().Session("bob")
		return ok && sess.Cursor != nil && *sess.Cursor == types.Cursor{X: 3, Y: 4}
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.Leave(ctx))
	require.Eventually(t, func() bool {
		sess, ok := alice.Sessions().Session("bob")
		return ok && sess.Status == types.StatusDisconnected
	}, waitFor, 10*time.Millisecond)
}

func TestCompactionSavesSnapshotAndRestores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &memoryStore{}
	alice := newReplica(ctx, t, "alice", replicaOptions{threshold: 2, store: store})

	for _, el := range []string{"a", "b", "c"} {
		_, err := alice.SubmitLocal(ctx, stroke(el))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return store.saveCount() > 0 && alice.log.Len() == 0 }, waitFor, 10*time.Millisecond)

	reopened := newReplica(ctx, t, "alice-2", replicaOptions{store: store})
	assert.Len(t, reopened.State().Visible(), 3)
	assert.Equal(t, types.VectorClock{"alice": 3}, reopened.Clock())
}

func TestCallsAfterStopFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := zerolog.New(io.Discard)
	log := oplog.New("board", "alice", crdt.NewResolver(logger), logger)
	e := New(testConfig(), log, presence.NewManager("board", presence.DefaultConfig(), logger), logger)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.NoError(t, e.Ready(context.Background()))
	cancel()
	require.NoError(t, <-done)

	_, err := e.SubmitLocal(context.Background(), stroke("late"))
	assert.True(t, errors.Is(err, ErrEngineStopped))
}
