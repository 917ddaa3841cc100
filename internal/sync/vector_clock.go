package syncstate

import (
	"github.com/example/inksync/internal/types"
)

// VectorClockTracker remembers the latest clock each peer advertised on a
// link. A link is caught up once the local clock covers that clock.
type VectorClockTracker struct {
	clock map[string]types.VectorClock
}

// NewVectorClockTracker constructs an empty tracker.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{
		clock: make(map[string]types.VectorClock),
	}
}

// MergeRemote folds a clock advertised on the link and returns the result.
func (t *VectorClockTracker) MergeRemote(link string, other types.VectorClock) types.VectorClock {
	clock := t.ensure(link)
	clock.Merge(other)
	return clock.Clone()
}

// Snapshot returns a copy of the clock advertised on the link.
func (t *VectorClockTracker) Snapshot(link string) types.VectorClock {
	clock := t.clock[link]
	if clock == nil {
		return make(types.VectorClock)
	}
	return clock.Clone()
}

// CaughtUp reports whether local covers everything the peer advertised.
func (t *VectorClockTracker) CaughtUp(link string, local types.VectorClock) bool {
	return local.Covers(t.clock[link])
}

// Forget drops the link's clock, used when the link goes down.
func (t *VectorClockTracker) Forget(link string) {
	delete(t.clock, link)
}

func (t *VectorClockTracker) ensure(link string) types.VectorClock {
	clock := t.clock[link]
	if clock == nil {
		clock = make(types.VectorClock)
		t.clock[link] = clock
	}
	return clock
}
