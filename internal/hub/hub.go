// Package hub runs one relay replica per board on a server instance and
// wires it to durable storage and the other instances.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/oplog"
	"github.com/example/inksync/internal/presence"
	syncstate "github.com/example/inksync/internal/sync"
	"github.com/example/inksync/internal/storage"
	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
	"github.com/example/inksync/internal/ws"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("hub closed")

// Config tunes the replicas the hub starts.
type Config struct {
	Instance            string
	Engine              syncstate.Config
	Presence            presence.Config
	CompactionThreshold int
	PresenceTTL         time.Duration
	WALQueue            int
}

// Deps are the optional backends. A nil field disables the matching
// feature: no WAL persistence, no snapshots, or no cross-instance relay.
type Deps struct {
	WAL       *storage.WAL
	Snapshots syncstate.SnapshotStore
	Redis     *redis.Client
}

// Hub starts board replicas on demand and keeps them running until Close.
type Hub struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	boards map[types.DocumentID]*Replica
	closed bool
	wg     sync.WaitGroup

	// starting collapses concurrent startups of the same board.
	starting     singleflight.Group
	startReplica func(ctx context.Context, document types.DocumentID) (*Replica, error)
}

// New constructs a hub. Replicas live until Close or until ctx ends.
func New(ctx context.Context, cfg Config, deps Deps, logger zerolog.Logger) *Hub {
	if cfg.Instance == "" {
		cfg.Instance = "relay"
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 30 * time.Second
	}
	if cfg.WALQueue <= 0 {
		cfg.WALQueue = 4096
	}
	cfg.Engine.AnnouncePresence = false

	ctx, cancel := context.WithCancel(ctx)
	h := &Hub{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("instance", cfg.Instance).Logger(),
		ctx:    ctx,
		cancel: cancel,
		boards: make(map[types.DocumentID]*Replica),
	}
	h.startReplica = h.start
	return h
}

// Open implements ws.Boards.
func (h *Hub) Open(ctx context.Context, document types.DocumentID) (ws.Board, error) {
	return h.Replica(ctx, document)
}

// Replica returns the running replica for the board, starting it first if
// needed. Starting restores the latest snapshot and replays the WAL past it.
// Callers asking for the same board share one startup; other boards are not
// held up by it. ctx bounds only how long this caller waits.
func (h *Hub) Replica(ctx context.Context, document types.DocumentID) (*Replica, error) {
	if r, ok, err := h.lookup(document); ok || err != nil {
		return r, err
	}

	ch := h.starting.DoChan(string(document), func() (any, error) {
		if r, ok, err := h.lookup(document); ok || err != nil {
			return r, err
		}
		r, err := h.startReplica(h.ctx, document)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			r.stop()
			return nil, ErrClosed
		}
		h.boards[document] = r
		boardsGauge.Set(float64(len(h.boards)))
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Replica), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) lookup(document types.DocumentID) (*Replica, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, ErrClosed
	}
	r, ok := h.boards[document]
	return r, ok, nil
}

// spawn runs fn on the hub's wait group. It refuses once Close has begun so
// Close never waits on goroutines added after it.
func (h *Hub) spawn(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

// Documents lists the boards with a running replica.
func (h *Hub) Documents() []types.DocumentID {
	h.mu.Lock()
	defer h.mu.Unlock()

	docs := make([]types.DocumentID, 0, len(h.boards))
	for doc := range h.boards {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}

// Close stops every replica and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, r := range h.boards {
		r.stop()
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *Hub) start(ctx context.Context, document types.DocumentID) (*Replica, error) {
	logger := h.logger.With().Str("document", string(document)).Logger()
	participant := types.ParticipantID("relay-" + h.cfg.Instance)

	var logOpts []oplog.Option
	if h.cfg.CompactionThreshold > 0 {
		logOpts = append(logOpts, oplog.WithCompactionThreshold(h.cfg.CompactionThreshold))
	}
	log := oplog.New(document, participant, crdt.NewResolver(logger), logger, logOpts...)
	sessions := presence.NewManager(document, h.cfg.Presence, logger)

	var opts []syncstate.Option
	if h.deps.Snapshots != nil {
		opts = append(opts, syncstate.WithSnapshotStore(h.deps.Snapshots))
	}
	engine := syncstate.New(h.cfg.Engine, log, sessions, logger, opts...)

	runCtx, stop := context.WithCancel(h.ctx)
	if !h.spawn(func() { _ = engine.Run(runCtx) }) {
		stop()
		return nil, ErrClosed
	}
	if err := engine.Ready(ctx); err != nil {
		stop()
		return nil, fmt.Errorf("start replica for %s: %w", document, err)
	}

	r := &Replica{document: document, engine: engine, log: log, sessions: sessions, stop: stop}

	if h.deps.WAL != nil {
		if err := h.recover(ctx, r, logger); err != nil {
			stop()
			return nil, err
		}
		writer := newWALWriter(h.deps.WAL, document, h.cfg.WALQueue, logger)
		unsubscribe := log.Subscribe(func(op types.Operation) { writer.enqueue(runCtx, op) })
		if !h.spawn(func() {
			defer unsubscribe()
			writer.run(runCtx)
		}) {
			unsubscribe()
			stop()
			return nil, ErrClosed
		}
	}

	if h.deps.Redis != nil {
		bus := transport.NewRedisBus(h.deps.Redis, string(document), h.cfg.Instance,
			transport.BackoffConfig{Initial: h.cfg.Engine.InitialBackoff, Max: h.cfg.Engine.MaxBackoff}, logger)
		link := engine.AddLink("redis", bus)
		mirror := presence.NewRedisMirror(h.deps.Redis, h.cfg.PresenceTTL, logger)
		r.mirror = mirror
		if !h.spawn(func() { bus.Run(runCtx, link) }) || !h.spawn(func() { mirror.Run(runCtx, document, sessions) }) {
			stop()
			return nil, ErrClosed
		}
	}

	logger.Info().Str("clock", engine.Clock().String()).Msg("board replica started")
	return r, nil
}

// recover feeds the WAL records the restored snapshot does not cover back
// into the replica.
func (h *Hub) recover(ctx context.Context, r *Replica, logger zerolog.Logger) error {
	replayed := 0
	err := h.deps.WAL.ReplayMissing(ctx, r.document, r.engine.Clock(), func(rec types.WALRecord) error {
		err := r.engine.ReceiveRemote(ctx, rec.Operation)
		switch {
		case err == nil:
			replayed++
		case errors.Is(err, syncstate.ErrDuplicateOperation):
		case errors.Is(err, syncstate.ErrEngineStopped), errors.Is(err, context.Canceled):
			return err
		default:
			logger.Warn().Err(err).Int64("lsn", rec.LSN).Msg("skipping wal record")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal for %s: %w", r.document, err)
	}
	recoveredOps.Add(float64(replayed))
	if replayed > 0 {
		logger.Info().Int("replayed", replayed).Msg("recovered operations from wal")
	}
	return nil
}

// Replica is one running board.
type Replica struct {
	document types.DocumentID
	engine   *syncstate.Engine
	log      *oplog.Log
	sessions *presence.Manager
	mirror   *presence.RedisMirror
	stop     context.CancelFunc
}

// AddLink implements ws.Board.
func (r *Replica) AddLink(name string, sender transport.Sender) transport.Receiver {
	return r.engine.AddLink(name, sender)
}

// RemoveLink implements ws.Board.
func (r *Replica) RemoveLink(name string) {
	r.engine.RemoveLink(name)
}

// Engine exposes the replica's sync engine.
func (r *Replica) Engine() *syncstate.Engine { return r.engine }

// Roster returns the participants connected to the board on any instance
// when a presence mirror runs, otherwise on this instance only.
func (r *Replica) Roster(ctx context.Context) ([]types.Session, error) {
	if r.mirror == nil {
		return r.sessions.Roster(), nil
	}
	return r.mirror.Roster(ctx, r.document)
}
