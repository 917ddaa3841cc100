package history

import (
	"slices"
	"sort"
	"sync"

	"github.com/example/inksync/internal/types"
)

// checkpoint is a board replayed up to a WAL position.
type checkpoint struct {
	LSN    int64
	LastOp types.OperationID
	Clock  types.VectorClock
	State  types.DocumentState

	used uint64
}

// checkpoints holds replayed boards so playback can resume from the nearest
// position at or below a target instead of replaying from the start. Each
// document's checkpoints are kept in LSN order. Past capacity, the least
// recently used checkpoint across all documents is evicted.
type checkpoints struct {
	mu       sync.Mutex
	capacity int
	size     int
	tick     uint64
	docs     map[types.DocumentID][]*checkpoint
}

func newCheckpoints(capacity int) *checkpoints {
	if capacity < 1 {
		capacity = 1
	}
	return &checkpoints{
		capacity: capacity,
		docs:     make(map[types.DocumentID][]*checkpoint),
	}
}

// Nearest returns a copy of the latest checkpoint of document at or below lsn.
func (c *checkpoints) Nearest(document types.DocumentID, lsn int64) (checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cps := c.docs[document]
	i := sort.Search(len(cps), func(i int) bool { return cps[i].LSN > lsn }) - 1
	if i < 0 {
		return checkpoint{}, false
	}
	c.tick++
	cps[i].used = c.tick

	cp := *cps[i]
	cp.State = cp.State.Clone()
	cp.Clock = cp.Clock.Clone()
	return cp, true
}

// Save records cp for document, replacing any checkpoint at the same LSN.
func (c *checkpoints) Save(document types.DocumentID, cp checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	cp.used = c.tick
	cps := c.docs[document]
	i := sort.Search(len(cps), func(i int) bool { return cps[i].LSN >= cp.LSN })
	if i < len(cps) && cps[i].LSN == cp.LSN {
		*cps[i] = cp
		return
	}
	c.docs[document] = slices.Insert(cps, i, &cp)
	c.size++
	if c.size > c.capacity {
		c.evict()
	}
}

func (c *checkpoints) evict() {
	var (
		victimDoc types.DocumentID
		victimIdx = -1
		oldest    uint64
	)
	for doc, cps := range c.docs {
		for i, cp := range cps {
			if victimIdx < 0 || cp.used < oldest {
				victimDoc, victimIdx, oldest = doc, i, cp.used
			}
		}
	}
	if victimIdx < 0 {
		return
	}
	cps := slices.Delete(c.docs[victimDoc], victimIdx, victimIdx+1)
	if len(cps) == 0 {
		delete(c.docs, victimDoc)
	} else {
		c.docs[victimDoc] = cps
	}
	c.size--
}

// Len returns the number of checkpoints held.
func (c *checkpoints) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
