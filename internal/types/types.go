package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DocumentID identifies a collaborative board.
type DocumentID string

// ParticipantID identifies a replica taking part in a board: a browser tab,
// a relay server replica or a load-test client.
type ParticipantID string

// ElementID identifies a shape on the drawing surface.
type ElementID string

// OperationID is the globally unique (origin, local sequence) pair of an
// operation. Sequences start at 1 and are never reused by an origin.
type OperationID struct {
	Origin ParticipantID `json:"origin"`
	Seq    uint64        `json:"seq"`
}

// String renders the identifier as "origin:seq".
func (id OperationID) String() string {
	return string(id.Origin) + ":" + strconv.FormatUint(id.Seq, 10)
}

// IsZero reports whether the identifier is unset.
func (id OperationID) IsZero() bool { return id.Origin == "" && id.Seq == 0 }

// ParseOperationID parses the "origin:seq" form produced by String. The
// origin may itself contain colons; the sequence is taken after the last one.
func ParseOperationID(raw string) (OperationID, error) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return OperationID{}, fmt.Errorf("invalid operation id %q", raw)
	}
	seq, err := strconv.ParseUint(raw[idx+1:], 10, 64)
	if err != nil || seq == 0 {
		return OperationID{}, fmt.Errorf("invalid operation sequence in %q", raw)
	}
	return OperationID{Origin: ParticipantID(raw[:idx]), Seq: seq}, nil
}

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock keeps logical time for each participant of a board.
type VectorClock map[ParticipantID]uint64

// Bump increments the entry for a participant and returns the new value.
func (vc VectorClock) Bump(participant ParticipantID) uint64 {
	vc[participant] = vc[participant] + 1
	return vc[participant]
}

// Merge folds another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for participant, value := range other {
		if current, ok := vc[participant]; !ok || value > current {
			vc[participant] = value
		}
	}
}

// Covers reports whether every entry of other is less than or equal to the
// matching entry of the receiver. Missing entries count as zero.
func (vc VectorClock) Covers(other VectorClock) bool {
	for participant, value := range other {
		if vc[participant] < value {
			return false
		}
	}
	return true
}

// Compare derives the causal relation of the receiver to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	covers := vc.Covers(other)
	covered := other.Covers(vc)
	switch {
	case covers && covered:
		return Equal
	case covers:
		return After
	case covered:
		return Before
	default:
		return Concurrent
	}
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// String renders the clock with sorted keys so log lines are stable.
func (vc VectorClock) String() string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", k, vc[ParticipantID(k)])
	}
	b.WriteByte('}')
	return b.String()
}

// WALRecord stores a durable representation of an operation.
type WALRecord struct {
	LSN       int64      `json:"lsn,omitempty"`
	Document  DocumentID `json:"document_id"`
	Operation Operation  `json:"operation"`
	CreatedAt time.Time  `json:"created_at"`
}
