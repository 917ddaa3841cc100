package syncstate

import (
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

// readiness answers whether an operation can be stored now.
type readiness interface {
	Has(id types.OperationID) bool
	Ready(op types.Operation) bool
}

// OperationApplier is invoked when a buffered operation becomes ready.
type OperationApplier func(op types.Operation, link string) error

type pendingOp struct {
	op   types.Operation
	link string
}

// OperationReorderBuffer holds remote operations until every causal
// predecessor has been stored. It is owned by the engine's writer goroutine.
type OperationReorderBuffer struct {
	document types.DocumentID
	pending  []pendingOp
	index    map[types.OperationID]struct{}
	logger   zerolog.Logger
}

// NewOperationReorderBuffer constructs an empty buffer.
func NewOperationReorderBuffer(document types.DocumentID, logger zerolog.Logger) *OperationReorderBuffer {
	return &OperationReorderBuffer{
		document: document,
		index:    make(map[types.OperationID]struct{}),
		logger:   logger,
	}
}

// Add queues op. It returns false when the operation is already queued.
func (b *OperationReorderBuffer) Add(op types.Operation, link string) bool {
	if _, ok := b.index[op.ID]; ok {
		return false
	}
	b.index[op.ID] = struct{}{}
	b.pending = append(b.pending, pendingOp{op: op, link: link})
	pendingGauge.WithLabelValues(string(b.document)).Set(float64(len(b.pending)))
	return true
}

// Pending reports whether the operation is still waiting.
func (b *OperationReorderBuffer) Pending(id types.OperationID) bool {
	_, ok := b.index[id]
	return ok
}

// Len returns the number of waiting operations.
func (b *OperationReorderBuffer) Len() int { return len(b.pending) }

// Drain applies every operation that became ready, repeating until no
// progress is made. Operations the log already holds are discarded. The
// returned map carries apply errors by operation id.
func (b *OperationReorderBuffer) Drain(log readiness, apply OperationApplier) map[types.OperationID]error {
	var failures map[types.OperationID]error
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(b.pending); i++ {
			p := b.pending[i]
			switch {
			case log.Has(p.op.ID):
				b.remove(i)
				i--
			case log.Ready(p.op):
				b.remove(i)
				i--
				progress = true
				b.logger.Debug().
					Str("operation", p.op.ID.String()).
					Int("waiting", len(b.pending)).
					Msg("applying queued operation")
				if err := apply(p.op, p.link); err != nil {
					if failures == nil {
						failures = make(map[types.OperationID]error)
					}
					failures[p.op.ID] = err
				}
			}
		}
	}
	pendingGauge.WithLabelValues(string(b.document)).Set(float64(len(b.pending)))
	return failures
}

// DiscardWhere drops the waiting operations matching drop and returns how
// many were removed.
func (b *OperationReorderBuffer) DiscardWhere(drop func(types.Operation) bool) int {
	n := 0
	for i := 0; i < len(b.pending); i++ {
		if drop(b.pending[i].op) {
			b.remove(i)
			i--
			n++
		}
	}
	pendingGauge.WithLabelValues(string(b.document)).Set(float64(len(b.pending)))
	return n
}

// Discard drops every waiting operation.
func (b *OperationReorderBuffer) Discard() {
	b.pending = nil
	b.index = make(map[types.OperationID]struct{})
	pendingGauge.WithLabelValues(string(b.document)).Set(0)
}

func (b *OperationReorderBuffer) remove(i int) {
	delete(b.index, b.pending[i].op.ID)
	b.pending = append(b.pending[:i], b.pending[i+1:]...)
}
