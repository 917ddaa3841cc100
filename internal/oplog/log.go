package oplog

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/types"
)

var (
	// ErrDuplicateOperation is returned when an operation id was already stored
	// or is covered by the compaction floor.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrCausalityGap is returned by Insert when a causal predecessor of the
	// operation has not been stored yet.
	ErrCausalityGap = errors.New("operation delayed: causal gap detected")

	// ErrNeedsFullSnapshot is returned by Since when the requested clock does
	// not cover the compaction floor, so the delta is no longer available.
	ErrNeedsFullSnapshot = errors.New("clock predates log compaction")

	// ErrNotEmpty is returned by Restore once the log holds operations.
	ErrNotEmpty = errors.New("operation log is not empty")
)

const defaultCompactionThreshold = 1000

// Listener receives every operation stored in the log.
type Listener func(types.Operation)

// Snapshot is a compacted board: the merged state plus the clock it covers.
type Snapshot struct {
	State types.DocumentState `json:"state"`
	Clock types.VectorClock   `json:"clock"`
}

// Option configures a Log.
type Option func(*Log)

// WithCompactionThreshold sets the number of retained entries above which
// NeedsCompaction reports true. Zero or negative disables compaction.
func WithCompactionThreshold(n int) Option {
	return func(l *Log) {
		l.threshold = n
	}
}

// Log is the append-only, causally ordered record of operations for one
// board. Entries are never modified; compaction folds the oldest entries
// into a base state and raises the floor clock.
type Log struct {
	mu        sync.RWMutex
	document  types.DocumentID
	local     types.ParticipantID
	resolver  *crdt.Resolver
	logger    zerolog.Logger
	threshold int

	entries []types.Operation
	clock   types.VectorClock
	floor   types.VectorClock
	state   types.DocumentState

	listeners    map[int]Listener
	nextListener int
}

// New constructs an empty log for the board, stamping local operations as
// the given participant.
func New(document types.DocumentID, local types.ParticipantID, resolver *crdt.Resolver, logger zerolog.Logger, opts ...Option) *Log {
	l := &Log{
		document:  document,
		local:     local,
		resolver:  resolver,
		logger:    logger,
		threshold: defaultCompactionThreshold,
		clock:     make(types.VectorClock),
		floor:     make(types.VectorClock),
		state:     types.NewDocumentState(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Document returns the board the log belongs to.
func (l *Log) Document() types.DocumentID { return l.document }

// Local returns the participant that stamps local operations.
func (l *Log) Local() types.ParticipantID { return l.local }

// Append stamps a locally originated draft with the next local sequence
// number and the current clock, stores it and notifies listeners.
func (l *Log) Append(draft types.Draft) (types.Operation, error) {
	if err := draft.Validate(); err != nil {
		return types.Operation{}, err
	}

	l.mu.Lock()
	if draft.Type == types.OpMoveElement {
		draft = l.absoluteMove(draft)
	}
	seq := l.clock.Bump(l.local)
	op := types.NewOperation(types.OperationID{Origin: l.local, Seq: seq}, draft, l.clock)
	l.store(op)
	l.mu.Unlock()

	appendTotal.WithLabelValues("local").Inc()
	l.emit(op)
	return op, nil
}

// Insert stores an operation authored elsewhere. It must be causally ready:
// the next sequence of its origin, with every other clock entry already seen.
func (l *Log) Insert(op types.Operation) (types.Operation, error) {
	l.mu.Lock()
	if op.ID.Seq <= l.clock[op.ID.Origin] {
		l.mu.Unlock()
		return types.Operation{}, fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
	}
	if !l.readyLocked(op) {
		l.mu.Unlock()
		return types.Operation{}, fmt.Errorf("%w: %s", ErrCausalityGap, op.ID)
	}
	op = op.Clone()
	l.clock.Merge(op.Clock)
	l.store(op)
	l.mu.Unlock()

	appendTotal.WithLabelValues("remote").Inc()
	l.emit(op)
	return op, nil
}

// Has reports whether the operation was stored, either as an entry or
// folded into the compacted base.
func (l *Log) Has(id types.OperationID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return id.Seq <= l.clock[id.Origin]
}

// Ready reports whether Insert would accept the operation now.
func (l *Log) Ready(op types.Operation) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readyLocked(op)
}

func (l *Log) readyLocked(op types.Operation) bool {
	if op.ID.Seq != l.clock[op.ID.Origin]+1 {
		return false
	}
	for participant, value := range op.Clock {
		if participant == op.ID.Origin {
			continue
		}
		if l.clock[participant] < value {
			return false
		}
	}
	return true
}

// Since returns the operations a replica at clock has not seen, in append
// order. The sequence is lazy, finite and may be ranged over repeatedly; it
// reflects the log at the time Since was called.
func (l *Log) Since(clock types.VectorClock) (iter.Seq[types.Operation], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !clock.Covers(l.floor) {
		return nil, fmt.Errorf("%w: have floor %s, peer at %s", ErrNeedsFullSnapshot, l.floor, clock)
	}
	entries := l.entries[:len(l.entries):len(l.entries)]
	want := clock.Clone()

	return func(yield func(types.Operation) bool) {
		for _, op := range entries {
			if op.ID.Seq <= want[op.ID.Origin] {
				continue
			}
			if !yield(op.Clone()) {
				return
			}
		}
	}, nil
}

// Snapshot returns a copy of the merged board state.
func (l *Log) Snapshot() types.DocumentState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// View returns the merged elements without their retained operations. The
// map is fresh but element values are shared and must be treated as
// read-only.
func (l *Log) View() types.DocumentState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.DocumentState{Elements: maps.Clone(l.state.Elements)}
}

// Clock returns a copy of the log's vector clock.
func (l *Log) Clock() types.VectorClock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clock.Clone()
}

// Floor returns the clock folded into the compacted base.
func (l *Log) Floor() types.VectorClock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floor.Clone()
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// NeedsCompaction reports whether retained entries exceed the threshold.
func (l *Log) NeedsCompaction() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold > 0 && len(l.entries) > l.threshold
}

// CompactionSnapshot returns the state and clock that Compact would fold in.
func (l *Log) CompactionSnapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{State: l.state.Clone(), Clock: l.clock.Clone()}
}

// Compact folds every entry covered by snap.Clock into the base and raises
// the floor. Entries appended after snap was taken are retained. Operations
// stay logically present: Has keeps reporting them and the state is
// unchanged.
func (l *Log) Compact(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	retained := make([]types.Operation, 0)
	for _, op := range l.entries {
		if op.ID.Seq > snap.Clock[op.ID.Origin] {
			retained = append(retained, op)
		}
	}
	dropped := len(l.entries) - len(retained)
	l.floor.Merge(snap.Clock)
	l.entries = retained

	compactionTotal.WithLabelValues(string(l.document)).Inc()
	entryGauge.WithLabelValues(string(l.document)).Set(float64(len(l.entries)))
	l.logger.Info().
		Str("document", string(l.document)).
		Int("compacted", dropped).
		Int("retained", len(l.entries)).
		Str("floor", l.floor.String()).
		Msg("operation log compacted")
}

// Restore seeds an empty log from a persisted snapshot.
func (l *Log) Restore(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 || len(l.clock) > 0 {
		return ErrNotEmpty
	}
	l.state = normalize(snap.State).Clone()
	l.clock = snap.Clock.Clone()
	l.floor = snap.Clock.Clone()
	return nil
}

// InstallSnapshot merges a snapshot received from a peer. Operations the
// snapshot records are folded into the state; entries it does not cover,
// such as local edits made offline, are kept for later deltas.
func (l *Log) InstallSnapshot(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = l.resolver.MergeState(l.state, snap.State)
	retained := make([]types.Operation, 0, len(l.entries))
	for _, op := range l.entries {
		if op.ID.Seq > snap.Clock[op.ID.Origin] {
			retained = append(retained, op)
		}
	}
	l.entries = retained
	l.clock.Merge(snap.Clock)
	l.floor.Merge(snap.Clock)
	entryGauge.WithLabelValues(string(l.document)).Set(float64(len(l.entries)))

	l.logger.Info().
		Str("document", string(l.document)).
		Int("retained", len(retained)).
		Str("clock", l.clock.String()).
		Msg("installed snapshot from peer")
}

// Subscribe registers a listener for stored operations and returns a
// function that unregisters it.
func (l *Log) Subscribe(listener Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextListener
	l.nextListener++
	l.listeners[id] = listener
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	}
}

// absoluteMove resolves dx/dy, or a missing coordinate, against the element's
// current position so every stamped move carries both x and y.
func (l *Log) absoluteMove(draft types.Draft) types.Draft {
	payload := types.ClonePayload(draft.Payload)
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	pos := l.state.Elements[draft.Element].Position
	dx, _ := types.ToFloat(payload["dx"])
	dy, _ := types.ToFloat(payload["dy"])
	x, ok := types.ToFloat(payload["x"])
	if !ok {
		x = pos.X + dx
	}
	y, ok := types.ToFloat(payload["y"])
	if !ok {
		y = pos.Y + dy
	}
	delete(payload, "dx")
	delete(payload, "dy")
	payload["x"], payload["y"] = x, y
	draft.Payload = payload
	return draft
}

func (l *Log) store(op types.Operation) {
	l.entries = append(l.entries, op)
	l.state = l.resolver.Merge(l.state, op)
	entryGauge.WithLabelValues(string(l.document)).Set(float64(len(l.entries)))
}

func (l *Log) emit(op types.Operation) {
	for _, listener := range l.listenersSnapshot() {
		listener(op)
	}
}

func (l *Log) listenersSnapshot() []Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Listener, 0, len(l.listeners))
	for i := 0; i < l.nextListener; i++ {
		if listener, ok := l.listeners[i]; ok {
			out = append(out, listener)
		}
	}
	return out
}

func normalize(state types.DocumentState) types.DocumentState {
	if state.Elements == nil || state.Ops == nil {
		fresh := types.NewDocumentState()
		for id, el := range state.Elements {
			fresh.Elements[id] = el
		}
		for id, ops := range state.Ops {
			fresh.Ops[id] = ops
		}
		return fresh
	}
	return state
}
