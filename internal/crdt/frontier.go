package crdt

import (
	"sort"
	"strings"

	"github.com/example/inksync/internal/types"
)

// Register keys. Every attribute of an element is a register and each
// operation writes one or more of them.
const (
	createKey   = "create"
	deleteKey   = "delete"
	positionKey = "position"
	propPrefix  = "prop:"
)

// appliesBefore orders two concurrent operations on the same element. The
// operation that loses the tie-break sorts first: lower type rank loses, then
// the lexicographically smaller origin, then the smaller sequence.
func appliesBefore(a, b types.Operation) bool {
	if ra, rb := a.Type.Rank(), b.Type.Rank(); ra != rb {
		return ra < rb
	}
	if a.ID.Origin != b.ID.Origin {
		return a.ID.Origin < b.ID.Origin
	}
	return a.ID.Seq < b.ID.Seq
}

// happenedBefore reports whether a is a causal predecessor of b.
func happenedBefore(a, b types.Operation) bool {
	return a.Clock.Compare(b.Clock) == types.Before
}

// wins reports whether a supersedes b: a causally later write always wins,
// concurrent writes fall back to appliesBefore.
func wins(a, b types.Operation) bool {
	if happenedBefore(b, a) {
		return true
	}
	if happenedBefore(a, b) {
		return false
	}
	return appliesBefore(b, a)
}

// followsAll reports whether op causally follows every operation in deletes.
func followsAll(op types.Operation, deletes []types.Operation) bool {
	for _, d := range deletes {
		if !happenedBefore(d, op) {
			return false
		}
	}
	return true
}

func precedesAny(op types.Operation, deletes []types.Operation) bool {
	for _, d := range deletes {
		if happenedBefore(op, d) {
			return true
		}
	}
	return false
}

// writes lists the registers op assigns.
func writes(op types.Operation) []string {
	switch op.Type {
	case types.OpAddStroke:
		keys := []string{createKey, positionKey}
		for k := range createProps(op) {
			keys = append(keys, propPrefix+k)
		}
		return keys
	case types.OpDeleteElement:
		return []string{deleteKey}
	case types.OpMoveElement:
		return []string{positionKey}
	case types.OpUpdateProperty:
		props := updateProps(op)
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, propPrefix+k)
		}
		return keys
	}
	return nil
}

// frontier maps each register to its maximal writes: the writes no other
// write to the same register causally follows. Anything outside the
// frontier can never influence the element again, so it is not retained.
type frontier map[string][]types.Operation

func newFrontier(ops []types.Operation) frontier {
	f := make(frontier)
	for _, op := range ops {
		f.add(op)
	}
	return f
}

func (f frontier) add(op types.Operation) {
	for _, key := range writes(op) {
		current := f[key]
		superseded := false
		kept := current[:0:0]
		for _, w := range current {
			if happenedBefore(op, w) {
				superseded = true
				break
			}
			if !happenedBefore(w, op) {
				kept = append(kept, w)
			}
		}
		if superseded {
			continue
		}
		f[key] = append(kept, op)
	}
}

// ops returns every operation that is maximal in at least one register, in
// (origin, seq) order.
func (f frontier) ops() []types.Operation {
	seen := make(map[types.OperationID]struct{})
	var out []types.Operation
	for _, ws := range f {
		for _, op := range ws {
			if _, ok := seen[op.ID]; ok {
				continue
			}
			seen[op.ID] = struct{}{}
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Origin != out[j].ID.Origin {
			return out[i].ID.Origin < out[j].ID.Origin
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return out
}

// creator returns the add-stroke the element currently lives from: the
// winning maximal create that follows every maximal delete.
func (f frontier) creator() (types.Operation, bool) {
	deletes := f[deleteKey]
	var best types.Operation
	found := false
	for _, c := range f[createKey] {
		if !followsAll(c, deletes) {
			continue
		}
		if !found || wins(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

// winner picks the winning write of a register among those that belong to
// the creation c: c itself or anything causally after it.
func (f frontier) winner(key string, c types.Operation) (types.Operation, bool) {
	var best types.Operation
	found := false
	for _, w := range f[key] {
		if w.ID != c.ID && !happenedBefore(c, w) {
			continue
		}
		if !found || wins(w, best) {
			best, found = w, true
		}
	}
	return best, found
}

func (f frontier) propertyKeys() []string {
	var keys []string
	for key := range f {
		if name, ok := strings.CutPrefix(key, propPrefix); ok {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys
}
