package syncstate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/oplog"
	"github.com/example/inksync/internal/presence"
	"github.com/example/inksync/internal/snapshot"
	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
	"github.com/example/inksync/internal/wire"
)

const commandQueueSize = 1024

// Config tunes handshakes, retries and heartbeats.
type Config struct {
	// HeartbeatInterval is how often presence is announced on every link.
	HeartbeatInterval time.Duration
	// HandshakeTimeout is how long to wait for a peer's delta before the
	// hello is sent again.
	HandshakeTimeout time.Duration
	// GapTimeout is how long a remote operation may wait for missing
	// predecessors before the delta is requested again.
	GapTimeout time.Duration
	// InitialBackoff and MaxBackoff bound handshake and send retries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ServeSnapshots lets the engine answer peers that predate compaction
	// with a full snapshot. Without it such peers get a version skew error.
	ServeSnapshots bool
	// AnnouncePresence sends heartbeats for the local participant. Relay
	// replicas turn it off so they do not appear in rosters.
	AnnouncePresence bool
}

// DefaultConfig returns the settings used by clients.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		GapTimeout:        2 * time.Second,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		ServeSnapshots:    true,
		AnnouncePresence:  true,
	}
}

// SnapshotStore persists compacted boards.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, document types.DocumentID) (types.DocumentState, types.VectorClock, error)
	SaveSnapshot(ctx context.Context, document types.DocumentID, state types.DocumentState, clock types.VectorClock) error
}

// Option customises an Engine.
type Option func(*Engine)

// WithNotifier sets the UI notifier. The default discards notifications.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithSnapshotStore loads the board from store on start and saves a
// snapshot before every compaction.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// Engine keeps one replica of a board in sync with its peers. All state
// changes happen on the goroutine running Run; public methods queue
// commands onto it.
type Engine struct {
	cfg      Config
	document types.DocumentID
	local    types.ParticipantID
	log      *oplog.Log
	sessions *presence.Manager
	notifier Notifier
	store    SnapshotStore
	logger   zerolog.Logger

	cmds    chan func()
	stopped chan struct{}

	// Owned by the writer goroutine.
	runCtx     context.Context
	links      map[string]*Link
	buffer     *OperationReorderBuffer
	peers      *VectorClockTracker
	rejected   map[types.ParticipantID]uint64
	cursor     *types.Cursor
	left       bool
	changed    bool
	compacting bool
}

// New constructs an engine for the log's board and participant.
func New(cfg Config, log *oplog.Log, sessions *presence.Manager, logger zerolog.Logger, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaults.GapTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = defaults.MaxBackoff
	}

	logger = logger.With().
		Str("document", string(log.Document())).
		Str("participant", string(log.Local())).
		Logger()
	e := &Engine{
		cfg:      cfg,
		document: log.Document(),
		local:    log.Local(),
		log:      log,
		sessions: sessions,
		notifier: NewBus(),
		logger:   logger,
		cmds:     make(chan func(), commandQueueSize),
		stopped:  make(chan struct{}),
		links:    make(map[string]*Link),
		buffer:   NewOperationReorderBuffer(log.Document(), logger),
		peers:    NewVectorClockTracker(),
		rejected: make(map[types.ParticipantID]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Document returns the board the engine syncs.
func (e *Engine) Document() types.DocumentID { return e.document }

// Participant returns the local participant id.
func (e *Engine) Participant() types.ParticipantID { return e.local }

// State returns a copy of the merged board.
func (e *Engine) State() types.DocumentState { return e.log.Snapshot() }

// Clock returns the local vector clock.
func (e *Engine) Clock() types.VectorClock { return e.log.Clock() }

// Sessions exposes the session manager.
func (e *Engine) Sessions() *presence.Manager { return e.sessions }

// Run processes commands until ctx is cancelled. It restores the board from
// the snapshot store first, when one is configured.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	e.runCtx = ctx
	e.restore(ctx)

	updates := e.sessions.Observe(ctx)
	go e.watchPresence(updates)
	go e.sessions.Start(ctx)
	if e.cfg.AnnouncePresence {
		e.sessions.Join(e.local)
	}

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	e.logger.Info().Msg("sync engine started")
	for {
		select {
		case cmd := <-e.cmds:
			cmd()
			e.flush()
		case <-heartbeat.C:
			e.heartbeat()
		case <-ctx.Done():
			e.logger.Info().Msg("sync engine stopped")
			return nil
		}
	}
}

// Ready waits until Run has restored the board and processed every command
// queued before the call.
func (e *Engine) Ready(ctx context.Context) error {
	return e.do(ctx, func() {})
}

// SubmitLocal stamps and applies a local edit, notifies the UI and queues
// the operation on every link that finished its handshake.
func (e *Engine) SubmitLocal(ctx context.Context, draft types.Draft) (types.Operation, error) {
	if err := draft.Validate(); err != nil {
		return types.Operation{}, err
	}
	payload, err := wire.DraftPayload(draft.Payload)
	if err != nil {
		return types.Operation{}, err
	}
	draft.Payload = payload

	var (
		op        types.Operation
		appendErr error
	)
	err = e.do(ctx, func() {
		op, appendErr = e.log.Append(draft)
		if appendErr != nil {
			return
		}
		appliedTotal.WithLabelValues("local").Inc()
		e.changed = true
		e.broadcastOp(op, "")
	})
	if err != nil {
		return types.Operation{}, err
	}
	return op, appendErr
}

// ReceiveRemote applies an operation obtained outside a link. Operations
// whose predecessors are missing are held until they arrive.
func (e *Engine) ReceiveRemote(ctx context.Context, op types.Operation) error {
	var recvErr error
	if err := e.do(ctx, func() { recvErr = e.receive(op, "") }); err != nil {
		return err
	}
	return recvErr
}

// UpdateCursor records the local pointer and announces it immediately.
func (e *Engine) UpdateCursor(ctx context.Context, cursor *types.Cursor) error {
	return e.do(ctx, func() {
		if cursor == nil {
			e.cursor = nil
		} else {
			c := *cursor
			e.cursor = &c
		}
		if e.left {
			e.left = false
			e.sessions.Join(e.local)
		}
		_ = e.sessions.UpdateCursor(e.local, e.cursor)
		e.announce()
	})
}

// Leave tells every peer the local participant is going away and stops
// heartbeats until the next cursor update.
func (e *Engine) Leave(ctx context.Context) error {
	return e.do(ctx, func() {
		frame, err := wire.Encode(wire.NewLeave(e.document, e.local))
		if err != nil {
			e.logger.Error().Err(err).Msg("encode leave")
			return
		}
		for _, l := range e.answeredLinks("") {
			l.out.push(frame)
		}
		e.sessions.Leave(e.local)
		e.left = true
	})
}

// AddLink registers a transport and returns the link it must report to.
func (e *Engine) AddLink(name string, sender transport.Sender) *Link {
	l := newLink(name, e, sender)
	e.post(func() {
		if old, ok := e.links[name]; ok && old.cancel != nil {
			old.cancel()
		}
		e.links[name] = l
		if e.runCtx != nil {
			e.startLink(l)
		}
	})
	return l
}

// RemoveLink stops and forgets the link.
func (e *Engine) RemoveLink(name string) {
	e.post(func() {
		l, ok := e.links[name]
		if !ok {
			return
		}
		e.linkDown(l, nil)
		if l.cancel != nil {
			l.cancel()
		}
		delete(e.links, name)
		e.peers.Forget(name)
	})
}

// LinkStates returns the state of every registered link.
func (e *Engine) LinkStates(ctx context.Context) (map[string]LinkState, error) {
	out := make(map[string]LinkState)
	err := e.do(ctx, func() {
		for name, l := range e.links {
			out[name] = l.state
		}
	})
	return out, err
}

func (e *Engine) startLink(l *Link) {
	ctx, cancel := context.WithCancel(e.runCtx)
	l.cancel = cancel
	go l.run(ctx)
}

// do runs fn on the writer goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		fn()
		e.flush()
		close(done)
	}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// post queues fn without waiting. It must not be called from the writer
// goroutine.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) flush() {
	if !e.changed {
		return
	}
	e.changed = false
	e.notifier.OnDocumentChanged(e.log.View())
	e.maybeCompact()
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	e.notifier.OnStatus(ev)
}

func (e *Engine) watchPresence(updates <-chan types.Session) {
	for range updates {
		e.post(func() {
			e.notifier.OnPresenceChanged(e.sessions.Roster())
		})
	}
}

func (e *Engine) restore(ctx context.Context) {
	if e.store == nil || e.log.Len() > 0 || len(e.log.Clock()) > 0 {
		return
	}
	state, clock, err := e.store.LoadSnapshot(ctx, e.document)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		return
	case err != nil:
		e.logger.Warn().Err(err).Msg("failed to load snapshot; starting empty")
		return
	}
	if err := e.log.Restore(oplog.Snapshot{State: state, Clock: clock}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to restore snapshot")
		return
	}
	e.logger.Info().Str("clock", clock.String()).Msg("restored board from snapshot")
	e.changed = true
	e.flush()
}

// receive validates, deduplicates and buffers a remote operation, then
// applies everything that became ready.
func (e *Engine) receive(op types.Operation, from string) error {
	if err := op.Validate(); err != nil {
		e.publish(Event{Kind: EventMalformed, Link: from, Err: err})
		return err
	}
	if e.log.Has(op.ID) || e.buffer.Pending(op.ID) {
		duplicateTotal.Inc()
		e.logger.Debug().Str("operation", op.ID.String()).Str("link", from).Msg("duplicate operation ignored")
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
	}

	if blocker, ok := e.blockedBy(op); ok {
		return fmt.Errorf("%w: %s depends on rejected operation %s", ErrMalformedOperation, op.ID, blocker)
	}

	e.buffer.Add(op, from)
	failures := e.buffer.Drain(e.log, e.applyRemote)
	if e.buffer.Pending(op.ID) {
		reorderTotal.Inc()
		e.logger.Debug().
			Str("operation", op.ID.String()).
			Str("clock", op.Clock.String()).
			Msg("queued operation pending causal predecessors")
		e.scheduleGapCheck(from)
	}
	return failures[op.ID]
}

func (e *Engine) applyRemote(op types.Operation, from string) error {
	if err := e.sessions.ObserveClock(op.ID.Origin, op.Clock); err != nil {
		e.publish(Event{Kind: EventClockRegression, Link: from, Err: err})
		if l, ok := e.links[from]; ok {
			e.sendEnvelope(l, wire.NewError(e.document, e.local, wire.CodeRegression, err.Error()))
		}
		return err
	}
	stored, err := e.log.Insert(op)
	if err != nil {
		return err
	}
	appliedTotal.WithLabelValues("remote").Inc()
	e.changed = true
	e.broadcastOp(stored, from)
	return nil
}

func (e *Engine) broadcastOp(op types.Operation, except string) {
	frame, err := wire.Encode(wire.NewOp(e.document, e.local, op))
	if err != nil {
		e.logger.Error().Err(err).Str("operation", op.ID.String()).Msg("encode operation")
		return
	}
	for _, l := range e.answeredLinks(except) {
		l.out.push(frame)
	}
}

func (e *Engine) forward(frame []byte, except string) {
	for _, l := range e.answeredLinks(except) {
		l.out.push(frame)
	}
}

// answeredLinks returns links whose peer hello was answered, so every
// operation stored afterwards must be pushed to them, ordered by name.
func (e *Engine) answeredLinks(except string) []*Link {
	out := make([]*Link, 0, len(e.links))
	for name, l := range e.links {
		if name == except || !l.answered || l.state == LinkDisconnected {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (e *Engine) sendEnvelope(l *Link, env wire.Envelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		e.logger.Error().Err(err).Str("type", string(env.Type)).Msg("encode envelope")
		return
	}
	l.out.push(frame)
}

func (e *Engine) setState(l *Link, state LinkState) {
	if l.state == state {
		return
	}
	prev := l.state
	l.state = state
	l.stateVal.Store(int32(state))
	e.logger.Info().
		Str("link", l.name).
		Str("from", prev.String()).
		Str("to", state.String()).
		Msg("link state changed")
	e.publish(Event{Kind: EventLinkState, Link: l.name, State: state})
}

func (e *Engine) updateState(l *Link) {
	if l.state == LinkDisconnected {
		return
	}
	switch {
	case l.answered && l.caughtUp:
		e.setState(l, LinkLive)
	case l.answered:
		e.setState(l, LinkSyncing)
	default:
		e.setState(l, LinkConnecting)
	}
}

func (e *Engine) linkUp(l *Link, force bool) {
	if l.fatal && !force {
		return
	}
	if !force && l.state != LinkDisconnected {
		return
	}
	l.fatal = false
	l.out.reset()
	l.gen++
	l.answered = false
	l.caughtUp = false
	l.retry.Reset()
	e.peers.Forget(l.name)

	e.setState(l, LinkConnecting)
	e.sendHello(l)
	e.scheduleHandshake(l, e.cfg.HandshakeTimeout)
}

func (e *Engine) linkDown(l *Link, err error) {
	if l.state == LinkDisconnected {
		return
	}
	l.out.reset()
	l.gen++
	l.answered = false
	l.caughtUp = false
	e.peers.Forget(l.name)
	e.setState(l, LinkDisconnected)
	if err != nil {
		e.logger.Warn().Err(err).Str("link", l.name).Str("peer", string(l.peer)).Msg("link lost")
		e.publish(Event{Kind: EventTransportFailure, Link: l.name, State: LinkDisconnected, Err: err})
	}
}

func (e *Engine) sendHello(l *Link) {
	e.sendEnvelope(l, wire.NewHello(e.document, e.local, e.log.Clock()))
}

// scheduleHandshake resends the hello after delay unless the link caught up
// or was reset in the meantime. Each resend backs off further.
func (e *Engine) scheduleHandshake(l *Link, delay time.Duration) {
	l.chain++
	gen, chain := l.gen, l.chain
	time.AfterFunc(delay, func() {
		e.post(func() {
			if l.gen != gen || l.chain != chain || l.state == LinkDisconnected || l.caughtUp {
				return
			}
			handshakeRetries.Inc()
			e.logger.Info().Str("link", l.name).Msg("no delta from peer; resending hello")
			e.sendHello(l)
			e.scheduleHandshake(l, l.retry.NextBackOff())
		})
	})
}

func (e *Engine) scheduleGapCheck(name string) {
	l, ok := e.links[name]
	if !ok || l.gapCheck {
		return
	}
	l.gapCheck = true
	gen := l.gen
	time.AfterFunc(e.cfg.GapTimeout, func() {
		e.post(func() {
			l.gapCheck = false
			if l.gen != gen || l.state == LinkDisconnected || e.buffer.Len() == 0 {
				return
			}
			gapTotal.Inc()
			e.publish(Event{Kind: EventGapDetected, Link: l.name, State: l.state,
				Err: fmt.Errorf("%d operations waiting for predecessors", e.buffer.Len())})
			l.caughtUp = false
			e.updateState(l)
			e.sendHello(l)
			e.scheduleHandshake(l, l.retry.NextBackOff())
		})
	})
}

func (e *Engine) handleFrame(l *Link, data []byte) {
	if l.fatal {
		return
	}
	if _, ok := e.links[l.name]; !ok {
		return
	}
	env, err := wire.Decode(data)
	if err != nil {
		e.logger.Warn().Err(err).Str("link", l.name).Msg("dropping malformed frame")
		e.publish(Event{Kind: EventMalformed, Link: l.name, State: l.state, Err: err})
		return
	}
	if env.Document != e.document {
		e.logger.Warn().Str("link", l.name).Str("frame_document", string(env.Document)).Msg("frame for another board")
		return
	}
	if l.state == LinkDisconnected {
		e.linkUp(l, false)
	}

	switch env.Type {
	case wire.TypeHello:
		e.onHello(l, env)
	case wire.TypeDelta:
		e.onDelta(l, env)
	case wire.TypeOp:
		e.onOps(l, env)
	case wire.TypeSnapshot:
		e.onSnapshot(l, env)
	case wire.TypePresence:
		e.onPresence(l, env, data)
	case wire.TypeLeave:
		e.onLeave(l, env, data)
	case wire.TypeError:
		e.onPeerError(l, env)
	}
}

func (e *Engine) onHello(l *Link, env wire.Envelope) {
	l.peer = env.Sender
	e.peers.MergeRemote(l.name, env.Clock)
	e.answer(l, env.Clock)
	if e.peers.CaughtUp(l.name, e.coverage()) {
		l.caughtUp = true
	}
	e.updateState(l)
}

// answer sends the peer exactly what its clock is missing: a delta, or a
// snapshot when the delta was compacted away.
func (e *Engine) answer(l *Link, peer types.VectorClock) {
	seq, err := e.log.Since(peer)
	var reply wire.Envelope
	switch {
	case err == nil:
		ops := slices.Collect(seq)
		reply = wire.NewDelta(e.document, e.local, ops, e.log.Clock())
		deltaSize.Observe(float64(len(ops)))
	case errors.Is(err, ErrNeedsFullSnapshot):
		if !e.cfg.ServeSnapshots {
			skewErr := fmt.Errorf("%w: %v", ErrVersionSkew, err)
			e.logger.Warn().Err(skewErr).Str("link", l.name).Msg("peer predates compaction")
			e.sendEnvelope(l, wire.NewError(e.document, e.local, wire.CodeVersionSkew, skewErr.Error()))
			e.publish(Event{Kind: EventVersionSkew, Link: l.name, State: l.state, Err: skewErr})
			return
		}
		snap := e.log.CompactionSnapshot()
		reply = wire.NewSnapshot(e.document, e.local, snap.State, snap.Clock)
		snapshotsServed.Inc()
		e.logger.Info().Str("link", l.name).Str("peer_clock", peer.String()).Msg("peer predates compaction; sending snapshot")
	default:
		e.logger.Error().Err(err).Str("link", l.name).Msg("build delta")
		return
	}
	e.sendEnvelope(l, reply)
	l.answered = true
}

func (e *Engine) onDelta(l *Link, env wire.Envelope) {
	e.onOps(l, env)
	e.peers.MergeRemote(l.name, env.Clock)
	e.checkCaughtUp(l)
}

func (e *Engine) onOps(l *Link, env wire.Envelope) {
	ops, rejected := env.Operations()
	for _, bad := range rejected {
		e.logger.Warn().Err(bad.Err).Str("link", l.name).Str("operation", bad.ID.String()).Msg("dropping malformed operation")
		e.reject(bad.ID)
		e.publish(Event{Kind: EventMalformed, Link: l.name, State: l.state, Err: bad})
		e.sendEnvelope(l, wire.NewError(e.document, e.local, wire.CodeMalformed, bad.Error()))
	}
	for _, op := range ops {
		if err := e.receive(op, l.name); err != nil && !errors.Is(err, ErrDuplicateOperation) {
			e.logger.Warn().Err(err).Str("link", l.name).Str("operation", op.ID.String()).Msg("remote operation rejected")
		}
	}
}

func (e *Engine) onSnapshot(l *Link, env wire.Envelope) {
	snap := oplog.Snapshot{State: env.Snapshot.State, Clock: env.Snapshot.Clock}
	if !e.log.Clock().Covers(snap.Clock) {
		e.log.InstallSnapshot(snap)
		e.changed = true
		e.buffer.Drain(e.log, e.applyRemote)
		e.publish(Event{Kind: EventSnapshotInstalled, Link: l.name, State: l.state})
		// Other peers cannot get these operations as a delta any more.
		for _, other := range e.answeredLinks(l.name) {
			e.answer(other, e.peers.Snapshot(other.name))
		}
	}
	e.peers.MergeRemote(l.name, snap.Clock)
	e.checkCaughtUp(l)
}

// reject remembers the earliest malformed operation seen per origin. Nothing
// from that origin at or after it can be applied until a valid copy arrives,
// so dependent operations still waiting are discarded.
func (e *Engine) reject(id types.OperationID) {
	if id.Origin == "" || id.Seq == 0 || e.log.Has(id) {
		return
	}
	if seq, ok := e.rejected[id.Origin]; ok && seq <= id.Seq {
		return
	}
	e.rejected[id.Origin] = id.Seq
	if n := e.buffer.DiscardWhere(func(op types.Operation) bool {
		_, blocked := e.blockedBy(op)
		return blocked
	}); n > 0 {
		e.logger.Warn().Int("discarded", n).Str("rejected", id.String()).Msg("discarded operations depending on a malformed one")
	}
}

// blockedBy reports the rejected operation op causally depends on, if any.
func (e *Engine) blockedBy(op types.Operation) (types.OperationID, bool) {
	for origin, seq := range e.rejected {
		id := types.OperationID{Origin: origin, Seq: seq}
		if e.log.Has(id) {
			delete(e.rejected, origin)
			continue
		}
		if op.Clock[origin] >= seq {
			return id, true
		}
	}
	return types.OperationID{}, false
}

// coverage is the local clock as far as catch-up is concerned. An origin
// whose next operation was rejected counts as complete: a peer advertising
// operations at or past it must not hold the link out of Live forever.
func (e *Engine) coverage() types.VectorClock {
	clock := e.log.Clock()
	for origin, seq := range e.rejected {
		if clock[origin] == seq-1 {
			clock[origin] = math.MaxUint64
		}
	}
	return clock
}

func (e *Engine) checkCaughtUp(l *Link) {
	if e.peers.CaughtUp(l.name, e.coverage()) {
		l.caughtUp = true
		l.retry.Reset()
		e.updateState(l)
		return
	}
	gapTotal.Inc()
	gapErr := fmt.Errorf("local clock %s does not cover peer clock %s", e.log.Clock(), e.peers.Snapshot(l.name))
	e.logger.Warn().Err(gapErr).Str("link", l.name).Msg("gap after catch-up")
	e.publish(Event{Kind: EventGapDetected, Link: l.name, State: l.state, Err: gapErr})
	l.caughtUp = false
	e.updateState(l)
	e.scheduleHandshake(l, l.retry.NextBackOff())
}

func (e *Engine) onPresence(l *Link, env wire.Envelope, raw []byte) {
	p := env.Presence.Participant
	if p == "" || p == e.local {
		return
	}
	sess, ok := e.sessions.Session(p)
	if !ok || sess.Status == types.StatusDisconnected {
		e.sessions.Join(p)
	} else {
		_ = e.sessions.Heartbeat(p)
	}
	if !sameCursor(sess.Cursor, env.Presence.Cursor) {
		_ = e.sessions.UpdateCursor(p, env.Presence.Cursor)
	}
	e.forward(raw, l.name)
}

func (e *Engine) onLeave(l *Link, env wire.Envelope, raw []byte) {
	p := env.Sender
	if env.Presence != nil && env.Presence.Participant != "" {
		p = env.Presence.Participant
	}
	if p == e.local {
		return
	}
	e.sessions.Leave(p)
	e.forward(raw, l.name)
}

func (e *Engine) onPeerError(l *Link, env wire.Envelope) {
	if env.Error.Code == wire.CodeVersionSkew {
		skewErr := fmt.Errorf("%w: %s", ErrVersionSkew, env.Error.Message)
		e.logger.Error().Err(skewErr).Str("link", l.name).Msg("peer cannot serve a snapshot; link stopped")
		e.linkDown(l, nil)
		l.fatal = true
		e.publish(Event{Kind: EventVersionSkew, Link: l.name, State: l.state, Err: skewErr})
		return
	}
	e.logger.Warn().Str("link", l.name).Str("code", env.Error.Code).Str("message", env.Error.Message).Msg("peer reported error")
	e.publish(Event{Kind: EventPeerError, Link: l.name, State: l.state,
		Err: fmt.Errorf("peer %s: %s: %s", env.Sender, env.Error.Code, env.Error.Message)})
}

func (e *Engine) heartbeat() {
	if !e.cfg.AnnouncePresence || e.left {
		return
	}
	_ = e.sessions.Heartbeat(e.local)
	e.announce()
}

func (e *Engine) announce() {
	if !e.cfg.AnnouncePresence || e.left {
		return
	}
	frame, err := wire.Encode(wire.NewPresence(e.document, e.local, e.local, e.cursor))
	if err != nil {
		e.logger.Error().Err(err).Msg("encode presence")
		return
	}
	for _, l := range e.answeredLinks("") {
		l.out.push(frame)
	}
}

// maybeCompact folds the log into a snapshot once it grows past its
// threshold. With a store the snapshot is saved first, off the writer
// goroutine; the log is compacted only after the save succeeded.
func (e *Engine) maybeCompact() {
	if e.compacting || !e.log.NeedsCompaction() {
		return
	}
	snap := e.log.CompactionSnapshot()
	if e.store == nil {
		e.log.Compact(snap)
		return
	}

	e.compacting = true
	ctx := e.runCtx
	go func() {
		err := e.store.SaveSnapshot(ctx, e.document, snap.State, snap.Clock)
		e.post(func() {
			e.compacting = false
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to save snapshot; compaction skipped")
				e.publish(Event{Kind: EventCompactionFailed, Err: err})
				return
			}
			e.log.Compact(snap)
		})
	}()
}

func sameCursor(a, b *types.Cursor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
