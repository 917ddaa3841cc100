package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/oplog"
	"github.com/example/inksync/internal/presence"
	"github.com/example/inksync/internal/snapshot"
	syncstate "github.com/example/inksync/internal/sync"
	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

type client struct {
	engine  *syncstate.Engine
	store   *snapshot.BoltStore
	changes atomic.Int64
	events  *eventCounter
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[syncstate.EventKind]int
}

func (c *client) OnDocumentChanged(types.DocumentState) { c.changes.Add(1) }

func (c *client) OnPresenceChanged([]types.Session) {}

func (c *client) OnStatus(ev syncstate.Event) {
	c.events.mu.Lock()
	c.events.counts[ev.Kind]++
	c.events.mu.Unlock()
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay websocket address")
	document := flag.String("document", "board-loadtest", "board shared by all clients")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	ops := flag.Int("ops", 100, "operations submitted per client")
	interval := flag.Duration("interval", 50*time.Millisecond, "delay between operations of one client")
	stateDir := flag.String("state-dir", "", "directory for per-client bolt snapshots; empty disables persistence")
	settle := flag.Duration("settle", 30*time.Second, "how long to wait for every client to converge")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}
	events := &eventCounter{counts: make(map[syncstate.EventKind]int)}

	fleet := make([]*client, 0, *clients)
	for i := 0; i < *clients; i++ {
		c, err := startClient(ctx, base, types.DocumentID(*document), *stateDir, events, logger)
		if err != nil {
			logger.Fatal().Err(err).Int("client", i).Msg("start client failed")
		}
		fleet = append(fleet, c)
	}
	defer func() {
		for _, c := range fleet {
			if c.store != nil {
				_ = c.store.Close()
			}
		}
	}()

	started := time.Now()
	var wg sync.WaitGroup
	var submitted atomic.Int64
	for _, c := range fleet {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			edit(ctx, c.engine, *ops, *interval, &submitted, logger)
		}(c)
	}
	wg.Wait()
	editing := time.Since(started)

	converged := waitConverged(ctx, fleet, *settle)
	report(fleet, events, submitted.Load(), editing, time.Since(started), converged, logger)
}

func startClient(ctx context.Context, base *url.URL, document types.DocumentID, stateDir string, events *eventCounter, logger zerolog.Logger) (*client, error) {
	participant := types.ParticipantID(uuid.NewString())
	clog := logger.With().Str("participant", string(participant)).Logger()
	cfg := syncstate.DefaultConfig()

	c := &client{events: events}
	opts := []syncstate.Option{syncstate.WithNotifier(c)}
	if stateDir != "" {
		store, err := snapshot.NewBoltStore(filepath.Join(stateDir, string(participant)+".db"))
		if err != nil {
			return nil, err
		}
		c.store = store
		opts = append(opts, syncstate.WithSnapshotStore(store))
	}

	operations := oplog.New(document, participant, crdt.NewResolver(clog), clog)
	sessions := presence.NewManager(document, presence.DefaultConfig(), clog)
	c.engine = syncstate.New(cfg, operations, sessions, clog, opts...)
	go func() { _ = c.engine.Run(ctx) }()
	if err := c.engine.Ready(ctx); err != nil {
		return nil, fmt.Errorf("engine for %s: %w", participant, err)
	}

	u := *base
	q := u.Query()
	q.Set("document_id", string(document))
	q.Set("participant", string(participant))
	u.RawQuery = q.Encode()

	ws := transport.NewWebsocketClient(u.String(), nil, transport.BackoffConfig{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff}, clog)
	link := c.engine.AddLink("relay", ws)
	go ws.Run(ctx, link)
	return c, nil
}

// edit submits a mix of new strokes, moves and occasional deletes.
func edit(ctx context.Context, e *syncstate.Engine, n int, interval time.Duration, submitted *atomic.Int64, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mine []types.ElementID
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var draft types.Draft
		switch roll := rand.IntN(10); {
		case len(mine) == 0 || roll < 5:
			id := types.ElementID(uuid.NewString())
			mine = append(mine, id)
			draft = types.Draft{Type: types.OpAddStroke, Element: id, Payload: map[string]any{
				"kind":   "stroke",
				"points": []any{map[string]any{"x": rand.Float64() * 1000, "y": rand.Float64() * 1000}},
			}}
		case roll < 9:
			draft = types.Draft{Type: types.OpMoveElement, Element: mine[rand.IntN(len(mine))], Payload: map[string]any{
				"x": rand.Float64() * 1000,
				"y": rand.Float64() * 1000,
			}}
		default:
			idx := rand.IntN(len(mine))
			draft = types.Draft{Type: types.OpDeleteElement, Element: mine[idx]}
			mine = append(mine[:idx], mine[idx+1:]...)
		}

		if _, err := e.SubmitLocal(ctx, draft); err != nil {
			logger.Warn().Err(err).Msg("submit failed")
			continue
		}
		submitted.Add(1)
	}
}

func waitConverged(ctx context.Context, fleet []*client, settle time.Duration) bool {
	deadline := time.After(settle)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sameClock(fleet) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func sameClock(fleet []*client) bool {
	if len(fleet) == 0 {
		return true
	}
	first := fleet[0].engine.Clock()
	for _, c := range fleet[1:] {
		if c.engine.Clock().Compare(first) != types.Equal {
			return false
		}
	}
	return true
}

func report(fleet []*client, events *eventCounter, submitted int64, editing, total time.Duration, converged bool, logger zerolog.Logger) {
	changes := make([]int64, 0, len(fleet))
	for _, c := range fleet {
		changes = append(changes, c.changes.Load())
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i] < changes[j] })

	rate := 0.0
	if editing > 0 {
		rate = float64(submitted) / editing.Seconds()
	}
	ev := logger.Info().
		Int("clients", len(fleet)).
		Int64("submitted", submitted).
		Float64("ops_per_sec", rate).
		Dur("total", total).
		Bool("converged", converged)
	if len(changes) > 0 {
		ev = ev.Int64("min_changes", changes[0]).Int64("max_changes", changes[len(changes)-1])
	}
	events.mu.Lock()
	for kind, n := range events.counts {
		ev = ev.Int(fmt.Sprintf("events_%s", kind), n)
	}
	events.mu.Unlock()
	ev.Msg("loadtest complete")
}
