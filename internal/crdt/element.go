package crdt

import "github.com/example/inksync/internal/types"

// evaluation is the outcome of resolving one element's register frontier.
type evaluation struct {
	element types.Element
	exists  bool
	kept    []types.Operation
	regs    frontier
}

// evaluate resolves an element from its operations. Deletion is sticky: the
// element lives only while some add-stroke causally follows every delete,
// and only writes at or after that add-stroke count towards its attributes.
func evaluate(id types.ElementID, ops []types.Operation) evaluation {
	regs := newFrontier(ops)
	ev := evaluation{kept: regs.ops(), regs: regs}

	c, live := regs.creator()
	if !live {
		deletes := regs[deleteKey]
		if len(deletes) == 0 {
			return ev
		}
		last := deletes[0]
		for _, d := range deletes[1:] {
			if wins(d, last) {
				last = d
			}
		}
		ev.element = types.Element{ID: id, Deleted: true, UpdatedBy: last.ID}
		ev.exists = true
		return ev
	}

	el := newElement(id, c)
	updated := c
	if w, ok := regs.winner(positionKey, c); ok {
		if w.Type == types.OpMoveElement {
			el.Position = movePoint(w)
		}
		if wins(w, updated) {
			updated = w
		}
	}

	var props map[string]any
	for _, name := range regs.propertyKeys() {
		w, ok := regs.winner(propPrefix+name, c)
		if !ok {
			continue
		}
		if wins(w, updated) {
			updated = w
		}
		var v any
		if w.Type == types.OpAddStroke {
			v = createProps(w)[name]
		} else {
			v = updateProps(w)[name]
		}
		if v == nil {
			continue
		}
		if props == nil {
			props = make(map[string]any)
		}
		props[name] = types.CloneValue(v)
	}
	el.Properties = props
	el.UpdatedBy = updated.ID

	ev.element = el
	ev.exists = true
	return ev
}

// dropped reports whether op currently has no effect because its element was
// deleted or never created.
func (ev evaluation) dropped(op types.Operation) bool {
	switch op.Type {
	case types.OpDeleteElement:
		return false
	case types.OpAddStroke:
		deletes := ev.regs[deleteKey]
		return !followsAll(op, deletes) && !precedesAny(op, deletes)
	}
	c, live := ev.regs.creator()
	return !live || !happenedBefore(c, op)
}

func newElement(id types.ElementID, op types.Operation) types.Element {
	el := types.Element{
		ID:        id,
		CreatedBy: op.ID.Origin,
		UpdatedBy: op.ID,
	}
	if kind, ok := op.Payload["kind"].(string); ok {
		el.Kind = kind
	}
	if pos, ok := readPoint(op.Payload["position"]); ok {
		el.Position = pos
	} else if x, okX := types.ToFloat(op.Payload["x"]); okX {
		y, _ := types.ToFloat(op.Payload["y"])
		el.Position = types.Point{X: x, Y: y}
	}
	if raw, ok := op.Payload["points"].([]any); ok {
		for _, p := range raw {
			if pt, ok := readPoint(p); ok {
				el.Points = append(el.Points, pt)
			}
		}
	}
	return el
}

func movePoint(op types.Operation) types.Point {
	x, _ := types.ToFloat(op.Payload["x"])
	y, _ := types.ToFloat(op.Payload["y"])
	return types.Point{X: x, Y: y}
}

func createProps(op types.Operation) map[string]any {
	props, _ := op.Payload["properties"].(map[string]any)
	return props
}

// updateProps returns the keys an update-property assigns. A null value
// removes the key. Without a "properties" object every payload key except
// "element" is treated as a property.
func updateProps(op types.Operation) map[string]any {
	if props, ok := op.Payload["properties"].(map[string]any); ok {
		return props
	}
	props := make(map[string]any, len(op.Payload))
	for k, v := range op.Payload {
		if k != "element" {
			props[k] = v
		}
	}
	return props
}

func readPoint(v any) (types.Point, bool) {
	switch t := v.(type) {
	case map[string]any:
		x, okX := types.ToFloat(t["x"])
		y, okY := types.ToFloat(t["y"])
		return types.Point{X: x, Y: y}, okX && okY
	case []any:
		if len(t) != 2 {
			return types.Point{}, false
		}
		x, okX := types.ToFloat(t[0])
		y, okY := types.ToFloat(t[1])
		return types.Point{X: x, Y: y}, okX && okY
	}
	return types.Point{}, false
}
