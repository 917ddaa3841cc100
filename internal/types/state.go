package types

import (
	"sort"
	"time"
)

// Point is a position on the drawing surface.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element holds the merged attributes of a single shape. Deleted elements
// are retained as tombstones so later concurrent edits can be dropped.
type Element struct {
	ID         ElementID      `json:"id"`
	Kind       string         `json:"kind,omitempty"`
	Points     []Point        `json:"points,omitempty"`
	Position   Point          `json:"position"`
	Properties map[string]any `json:"properties,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	CreatedBy  ParticipantID  `json:"created_by,omitempty"`
	UpdatedBy  OperationID    `json:"updated_by"`
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	if e.Points != nil {
		e.Points = append([]Point(nil), e.Points...)
	}
	e.Properties = ClonePayload(e.Properties)
	return e
}

// DocumentState is the merged view of a board. Ops keeps, per element, the
// operations that produced it so concurrent arrivals can be re-evaluated
// deterministically.
type DocumentState struct {
	Elements map[ElementID]Element     `json:"elements"`
	Ops      map[ElementID][]Operation `json:"ops"`
}

// NewDocumentState returns an empty board.
func NewDocumentState() DocumentState {
	return DocumentState{
		Elements: make(map[ElementID]Element),
		Ops:      make(map[ElementID][]Operation),
	}
}

// Clone returns a deep copy of the state.
func (s DocumentState) Clone() DocumentState {
	out := NewDocumentState()
	for id, el := range s.Elements {
		out.Elements[id] = el.Clone()
	}
	for id, ops := range s.Ops {
		cloned := make([]Operation, len(ops))
		for i, op := range ops {
			cloned[i] = op.Clone()
		}
		out.Ops[id] = cloned
	}
	return out
}

// ShallowCopy copies the maps but shares element and operation values. It is
// safe when the caller replaces entries instead of mutating them.
func (s DocumentState) ShallowCopy() DocumentState {
	out := DocumentState{
		Elements: make(map[ElementID]Element, len(s.Elements)),
		Ops:      make(map[ElementID][]Operation, len(s.Ops)),
	}
	for id, el := range s.Elements {
		out.Elements[id] = el
	}
	for id, ops := range s.Ops {
		out.Ops[id] = ops
	}
	return out
}

// Element returns the live element with the given id.
func (s DocumentState) Element(id ElementID) (Element, bool) {
	el, ok := s.Elements[id]
	if !ok || el.Deleted {
		return Element{}, false
	}
	return el, true
}

// Visible returns the live elements sorted by id.
func (s DocumentState) Visible() []Element {
	out := make([]Element, 0, len(s.Elements))
	for _, el := range s.Elements {
		if el.Deleted {
			continue
		}
		out = append(out, el.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionStatus is the presence state of a session.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Cursor is the last reported pointer position of a participant.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Session tracks one participant of a board.
type Session struct {
	Participant ParticipantID    `json:"participant"`
	Clock       VectorClock      `json:"clock"`
	LastSeen    time.Time        `json:"last_seen"`
	Status      ConnectionStatus `json:"status"`
	Cursor      *Cursor          `json:"cursor,omitempty"`
	Flagged     bool             `json:"flagged,omitempty"`
}

// Clone returns a copy that shares nothing with the receiver.
func (s Session) Clone() Session {
	s.Clock = s.Clock.Clone()
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}
