package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedOperation marks an operation or draft that fails structural
// validation.
var ErrMalformedOperation = errors.New("malformed operation")

// OpType enumerates the edits a participant can make to the board.
type OpType string

const (
	OpAddStroke      OpType = "add-stroke"
	OpMoveElement    OpType = "move-element"
	OpDeleteElement  OpType = "delete-element"
	OpUpdateProperty OpType = "update-property"
)

// Valid reports whether the type is one of the known edits.
func (t OpType) Valid() bool {
	switch t {
	case OpAddStroke, OpMoveElement, OpDeleteElement, OpUpdateProperty:
		return true
	}
	return false
}

// Rank orders types for concurrent tie-breaks; the higher rank wins.
func (t OpType) Rank() int {
	switch t {
	case OpDeleteElement:
		return 3
	case OpUpdateProperty:
		return 2
	case OpMoveElement:
		return 1
	default:
		return 0
	}
}

// Draft is an edit submitted by the UI before it is stamped.
type Draft struct {
	Type    OpType
	Element ElementID
	Payload map[string]any
}

// Validate checks the draft carries a known type and a target element.
func (d Draft) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrMalformedOperation, d.Type)
	}
	if d.Element == "" {
		return fmt.Errorf("%w: %s is missing an element id", ErrMalformedOperation, d.Type)
	}
	return nil
}

// Operation is a stamped, immutable edit. Clock is the author's vector clock
// after counting this operation, so Clock[ID.Origin] == ID.Seq.
type Operation struct {
	ID      OperationID    `json:"id"`
	Type    OpType         `json:"type"`
	Element ElementID      `json:"element"`
	Payload map[string]any `json:"payload,omitempty"`
	Clock   VectorClock    `json:"clock"`
}

// NewOperation stamps a draft. The payload is deep-copied so later changes
// to the caller's map cannot leak into the log.
func NewOperation(id OperationID, draft Draft, clock VectorClock) Operation {
	return Operation{
		ID:      id,
		Type:    draft.Type,
		Element: draft.Element,
		Payload: ClonePayload(draft.Payload),
		Clock:   clock.Clone(),
	}
}

// Validate checks the structural invariants of a received operation.
func (op Operation) Validate() error {
	if op.ID.Origin == "" || op.ID.Seq == 0 {
		return fmt.Errorf("%w: invalid operation id %q", ErrMalformedOperation, op.ID)
	}
	if err := (Draft{Type: op.Type, Element: op.Element}).Validate(); err != nil {
		return err
	}
	if op.Clock[op.ID.Origin] != op.ID.Seq {
		return fmt.Errorf("%w: %s clock entry %d does not match its sequence", ErrMalformedOperation, op.ID, op.Clock[op.ID.Origin])
	}
	// Stamped moves are absolute; relative drafts are resolved before stamping.
	_, okX := ToFloat(op.Payload["x"])
	_, okY := ToFloat(op.Payload["y"])
	if op.Type == OpMoveElement && !(okX && okY) {
		return fmt.Errorf("%w: %s move needs numeric x and y", ErrMalformedOperation, op.ID)
	}
	return nil
}

// ToFloat converts a numeric payload value.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Clone returns a deep copy of the operation.
func (op Operation) Clone() Operation {
	op.Payload = ClonePayload(op.Payload)
	op.Clock = op.Clock.Clone()
	return op
}

// ClonePayload deep-copies JSON-like payload data.
func ClonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single JSON-like value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
