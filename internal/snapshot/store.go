package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/inksync/internal/types"
)

// ErrNotFound is returned when no snapshot was saved for a board.
var ErrNotFound = errors.New("snapshot not found")

// Payload is the persisted form of a compacted board.
type Payload struct {
	Document    types.DocumentID    `json:"document_id"`
	VectorClock types.VectorClock   `json:"vector_clock"`
	State       types.DocumentState `json:"state"`
	CreatedAt   time.Time           `json:"created_at"`
}

// EncodePayload serialises a board snapshot.
func EncodePayload(document types.DocumentID, state types.DocumentState, clock types.VectorClock, at time.Time) ([]byte, error) {
	if clock == nil {
		clock = make(types.VectorClock)
	}
	data, err := json.Marshal(Payload{
		Document:    document,
		VectorClock: clock,
		State:       state,
		CreatedAt:   at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a snapshot payload and fills in empty maps.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if payload.VectorClock == nil {
		payload.VectorClock = make(types.VectorClock)
	}
	if payload.State.Elements == nil {
		payload.State.Elements = make(map[types.ElementID]types.Element)
	}
	if payload.State.Ops == nil {
		payload.State.Ops = make(map[types.ElementID][]types.Operation)
	}
	return payload, nil
}
