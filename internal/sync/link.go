package syncstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/example/inksync/internal/transport"
	"github.com/example/inksync/internal/types"
)

// LinkState is the handshake state of a link.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkSyncing
	LinkLive
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkSyncing:
		return "syncing"
	case LinkLive:
		return "live"
	default:
		return "unknown"
	}
}

// Link is one connection between the engine and a peer replica. Transports
// report events through the Handle methods; all of them are queued onto the
// engine's writer goroutine.
type Link struct {
	name   string
	engine *Engine
	sender transport.Sender
	out    *outbox
	cancel context.CancelFunc

	stateVal atomic.Int32

	// Fields below are owned by the writer goroutine.
	state    LinkState
	answered bool
	caughtUp bool
	fatal    bool
	peer     types.ParticipantID
	gen      uint64
	chain    uint64
	gapCheck bool
	retry    *backoff.ExponentialBackOff
}

func newLink(name string, e *Engine, sender transport.Sender) *Link {
	return &Link{
		name:   name,
		engine: e,
		sender: sender,
		out:    newOutbox(),
		retry:  transport.BackoffConfig{Initial: e.cfg.InitialBackoff, Max: e.cfg.MaxBackoff}.NewBackOff(),
	}
}

// Name returns the link name given to AddLink.
func (l *Link) Name() string { return l.name }

// State returns the last published state.
func (l *Link) State() LinkState { return LinkState(l.stateVal.Load()) }

// HandleConnected reports that the transport is up. It starts a handshake
// unless one is already in progress.
func (l *Link) HandleConnected() {
	l.engine.post(func() { l.engine.linkUp(l, false) })
}

// HandleDisconnected reports that the transport dropped.
func (l *Link) HandleDisconnected(err error) {
	l.engine.post(func() { l.engine.linkDown(l, err) })
}

// HandleData delivers an inbound frame.
func (l *Link) HandleData(data []byte) {
	l.engine.post(func() { l.engine.handleFrame(l, data) })
}

// Reconnect forces a fresh handshake on a recovered transport, clearing a
// fatal version skew.
func (l *Link) Reconnect() {
	l.engine.post(func() { l.engine.linkUp(l, true) })
}

// run drains the outbox until ctx ends. A frame that fails to send is
// retried with backoff until it succeeds or the outbox is reset by a new
// connection.
func (l *Link) run(ctx context.Context) {
	for {
		frame, gen, ok := l.out.pop()
		if !ok {
			select {
			case <-l.out.signal:
				continue
			case <-ctx.Done():
				return
			}
		}

		policy := transport.BackoffConfig{Initial: l.engine.cfg.InitialBackoff, Max: l.engine.cfg.MaxBackoff}.NewBackOff()
		for {
			err := l.sender.Send(ctx, frame)
			if err == nil {
				framesSent.Inc()
				break
			}
			if ctx.Err() != nil {
				return
			}
			if l.out.generation() != gen {
				break
			}
			delay := policy.NextBackOff()
			sendRetries.Inc()
			l.engine.post(func() {
				l.engine.publish(Event{Kind: EventTransportFailure, Link: l.name, State: l.state, Err: err})
			})
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// outbox is an unbounded FIFO of encoded frames. Reset discards queued
// frames and starts a new generation.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	gen    uint64
	signal chan struct{}
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(frame []byte) {
	o.mu.Lock()
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() ([]byte, uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) == 0 {
		return nil, o.gen, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return frame, o.gen, true
}

func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = nil
	o.gen++
}

func (o *outbox) generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen
}
