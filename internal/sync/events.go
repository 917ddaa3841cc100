package syncstate

import (
	"sync"
	"time"

	"github.com/example/inksync/internal/types"
)

// EventKind classifies status events.
type EventKind string

const (
	EventLinkState         EventKind = "link-state"
	EventTransportFailure  EventKind = "transport-failure"
	EventGapDetected       EventKind = "gap-detected"
	EventSnapshotInstalled EventKind = "snapshot-installed"
	EventVersionSkew       EventKind = "version-skew"
	EventMalformed         EventKind = "malformed"
	EventClockRegression   EventKind = "clock-regression"
	EventPeerError         EventKind = "peer-error"
	EventCompactionFailed  EventKind = "compaction-failed"
)

// Event reports a link transition or a failure that did not originate from a
// local call.
type Event struct {
	Kind  EventKind
	Link  string
	State LinkState
	Err   error
	At    time.Time
}

// Notifier is the UI side of the engine. Callbacks run on the engine's
// writer goroutine and must not block. The state passed to
// OnDocumentChanged carries elements only and is read-only.
type Notifier interface {
	OnDocumentChanged(state types.DocumentState)
	OnPresenceChanged(roster []types.Session)
	OnStatus(event Event)
}

// Bus fans notifications out to every subscribed Notifier.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Notifier
	nextID int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Notifier)}
}

// Subscribe adds n and returns a function that removes it.
func (b *Bus) Subscribe(n Notifier) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = n
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Bus) OnDocumentChanged(state types.DocumentState) {
	for _, n := range b.snapshot() {
		n.OnDocumentChanged(state)
	}
}

func (b *Bus) OnPresenceChanged(roster []types.Session) {
	for _, n := range b.snapshot() {
		n.OnPresenceChanged(roster)
	}
}

func (b *Bus) OnStatus(event Event) {
	for _, n := range b.snapshot() {
		n.OnStatus(event)
	}
}

func (b *Bus) snapshot() []Notifier {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Notifier, 0, len(b.subs))
	for i := 0; i < b.nextID; i++ {
		if n, ok := b.subs[i]; ok {
			out = append(out, n)
		}
	}
	return out
}
