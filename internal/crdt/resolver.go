package crdt

import (
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

// Resolver merges operations into a DocumentState. Merge is idempotent,
// commutative and associative: the resulting state depends only on the set
// of operations merged, not on the order they arrived in.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver constructs a Resolver that logs dropped operations.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Merge returns the state after folding op into state. The input state is
// not modified. Operations on other elements are untouched; the target
// element is re-evaluated from its retained frontier plus op, so the cost
// depends on how many writes are concurrent, not on the element's history.
func (r *Resolver) Merge(state types.DocumentState, op types.Operation) types.DocumentState {
	if state.Elements == nil || state.Ops == nil {
		state = types.NewDocumentState()
	}

	existing := state.Ops[op.Element]
	for _, applied := range existing {
		if applied.ID == op.ID {
			mergeTotal.WithLabelValues("duplicate").Inc()
			return state
		}
	}

	ops := make([]types.Operation, 0, len(existing)+1)
	ops = append(ops, existing...)
	ops = append(ops, op.Clone())

	ev := evaluate(op.Element, ops)

	next := state.ShallowCopy()
	next.Ops[op.Element] = ev.kept
	if ev.exists {
		next.Elements[op.Element] = ev.element
	} else {
		delete(next.Elements, op.Element)
	}

	if ev.dropped(op) {
		droppedTotal.WithLabelValues(string(op.Type)).Inc()
		r.logger.Debug().
			Str("operation", op.ID.String()).
			Str("type", string(op.Type)).
			Str("element", string(op.Element)).
			Msg("operation dropped on deleted or unknown element")
	}
	mergeTotal.WithLabelValues("applied").Inc()
	return next
}

// MergeAll folds every operation into state in the given order.
func (r *Resolver) MergeAll(state types.DocumentState, ops []types.Operation) types.DocumentState {
	for _, op := range ops {
		state = r.Merge(state, op)
	}
	return state
}

// MergeState folds every operation retained in other into state. Each
// touched element is re-evaluated once from the union of both frontiers.
func (r *Resolver) MergeState(state, other types.DocumentState) types.DocumentState {
	if state.Elements == nil || state.Ops == nil {
		state = types.NewDocumentState()
	}
	if len(other.Ops) == 0 {
		return state
	}

	next := state.ShallowCopy()
	for id, incoming := range other.Ops {
		existing := next.Ops[id]
		seen := make(map[types.OperationID]struct{}, len(existing))
		ops := make([]types.Operation, 0, len(existing)+len(incoming))
		for _, op := range existing {
			seen[op.ID] = struct{}{}
			ops = append(ops, op)
		}
		added := 0
		for _, op := range incoming {
			if _, ok := seen[op.ID]; ok {
				continue
			}
			seen[op.ID] = struct{}{}
			ops = append(ops, op.Clone())
			added++
		}
		if added == 0 {
			continue
		}

		ev := evaluate(id, ops)
		next.Ops[id] = ev.kept
		if ev.exists {
			next.Elements[id] = ev.element
		} else {
			delete(next.Elements, id)
		}
		mergeTotal.WithLabelValues("state").Add(float64(added))
	}
	return next
}

// Dropped reports whether the given operation is currently ignored in state
// because its element was deleted or never created. Operations superseded
// and no longer retained report false.
func Dropped(state types.DocumentState, op types.Operation) bool {
	ops := state.Ops[op.Element]
	found := false
	for _, applied := range ops {
		if applied.ID == op.ID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return evaluate(op.Element, ops).dropped(op)
}
