// Package wire encodes the JSON messages exchanged between replicas.
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/inksync/internal/types"
)

// MessageType discriminates envelopes.
type MessageType string

const (
	TypeOp       MessageType = "op"
	TypeHello    MessageType = "hello"
	TypeDelta    MessageType = "delta"
	TypeSnapshot MessageType = "snapshot"
	TypePresence MessageType = "presence"
	TypeLeave    MessageType = "leave"
	TypeError    MessageType = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeVersionSkew   = "skew"
	CodeMalformed     = "malformed"
	CodeRegression    = "clock-regression"
	CodeInternalError = "internal"
)

// elementKey is the payload field holding the target element id.
const elementKey = "element"

// OpBody is an operation as it travels on the wire.
type OpBody struct {
	OpID    types.OperationID `json:"opId"`
	Type    types.OpType      `json:"type"`
	Payload map[string]any    `json:"payload"`
	Clock   types.VectorClock `json:"clock"`
}

// SnapshotBody carries a full board for replicas that fell behind
// compaction.
type SnapshotBody struct {
	State types.DocumentState `json:"state"`
	Clock types.VectorClock   `json:"clock"`
}

// PresenceBody is a heartbeat with optional cursor.
type PresenceBody struct {
	Participant types.ParticipantID `json:"participant"`
	Cursor      *types.Cursor       `json:"cursor,omitempty"`
}

// ErrorBody reports a protocol failure to the peer.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the single message shape on every link.
type Envelope struct {
	Type     MessageType         `json:"type"`
	Document types.DocumentID    `json:"document"`
	Sender   types.ParticipantID `json:"sender"`
	Op       *OpBody             `json:"op,omitempty"`
	Ops      []OpBody            `json:"ops,omitempty"`
	Clock    types.VectorClock   `json:"clock,omitempty"`
	Snapshot *SnapshotBody       `json:"snapshot,omitempty"`
	Presence *PresenceBody       `json:"presence,omitempty"`
	Error    *ErrorBody          `json:"error,omitempty"`
}

// Encode marshals the envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates an envelope. Failures wrap
// types.ErrMalformedOperation.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", types.ErrMalformedOperation, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (env Envelope) validate() error {
	if env.Document == "" {
		return fmt.Errorf("%w: %s envelope without document", types.ErrMalformedOperation, env.Type)
	}
	var missing bool
	switch env.Type {
	case TypeOp:
		missing = env.Op == nil
	case TypeHello:
		missing = env.Clock == nil
	case TypeDelta:
		missing = env.Clock == nil
	case TypeSnapshot:
		missing = env.Snapshot == nil
	case TypePresence:
		missing = env.Presence == nil
	case TypeError:
		missing = env.Error == nil
	case TypeLeave:
	default:
		return fmt.Errorf("%w: unknown envelope type %q", types.ErrMalformedOperation, env.Type)
	}
	if missing {
		return fmt.Errorf("%w: %s envelope without body", types.ErrMalformedOperation, env.Type)
	}
	return nil
}

// NewOp wraps a single operation.
func NewOp(document types.DocumentID, sender types.ParticipantID, op types.Operation) Envelope {
	body := FromOperation(op)
	return Envelope{Type: TypeOp, Document: document, Sender: sender, Op: &body}
}

// NewHello announces the sender's clock.
func NewHello(document types.DocumentID, sender types.ParticipantID, clock types.VectorClock) Envelope {
	return Envelope{Type: TypeHello, Document: document, Sender: sender, Clock: nonNil(clock)}
}

// NewDelta answers a hello with the operations the peer is missing and the
// clock the sender had when it built the delta.
func NewDelta(document types.DocumentID, sender types.ParticipantID, ops []types.Operation, clock types.VectorClock) Envelope {
	bodies := make([]OpBody, 0, len(ops))
	for _, op := range ops {
		bodies = append(bodies, FromOperation(op))
	}
	return Envelope{Type: TypeDelta, Document: document, Sender: sender, Ops: bodies, Clock: nonNil(clock)}
}

// NewSnapshot carries a compacted board.
func NewSnapshot(document types.DocumentID, sender types.ParticipantID, state types.DocumentState, clock types.VectorClock) Envelope {
	return Envelope{Type: TypeSnapshot, Document: document, Sender: sender, Snapshot: &SnapshotBody{State: state, Clock: nonNil(clock)}}
}

// NewPresence is a heartbeat for the participant.
func NewPresence(document types.DocumentID, sender types.ParticipantID, participant types.ParticipantID, cursor *types.Cursor) Envelope {
	return Envelope{Type: TypePresence, Document: document, Sender: sender, Presence: &PresenceBody{Participant: participant, Cursor: cursor}}
}

// NewLeave announces the sender is going away.
func NewLeave(document types.DocumentID, sender types.ParticipantID) Envelope {
	return Envelope{Type: TypeLeave, Document: document, Sender: sender}
}

// NewError reports a protocol failure.
func NewError(document types.DocumentID, sender types.ParticipantID, code, message string) Envelope {
	return Envelope{Type: TypeError, Document: document, Sender: sender, Error: &ErrorBody{Code: code, Message: message}}
}

// FromOperation converts an operation to its wire body, moving the element
// id into the payload.
func FromOperation(op types.Operation) OpBody {
	payload := types.ClonePayload(op.Payload)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload[elementKey] = string(op.Element)
	return OpBody{OpID: op.ID, Type: op.Type, Payload: payload, Clock: op.Clock.Clone()}
}

// Operation converts a wire body back to a validated operation.
func (b OpBody) Operation() (types.Operation, error) {
	element, _ := b.Payload[elementKey].(string)
	if element == "" {
		return types.Operation{}, fmt.Errorf("%w: %s payload without element", types.ErrMalformedOperation, b.OpID)
	}
	rest := make(map[string]any, len(b.Payload))
	for k, v := range b.Payload {
		if k != elementKey {
			rest[k] = v
		}
	}
	payload, err := NormalizePayload(rest)
	if err != nil {
		return types.Operation{}, fmt.Errorf("%s: %w", b.OpID, err)
	}
	op := types.Operation{
		ID:      b.OpID,
		Type:    b.Type,
		Element: types.ElementID(element),
		Payload: payload,
		Clock:   b.Clock,
	}
	if err := op.Validate(); err != nil {
		return types.Operation{}, err
	}
	return op, nil
}

// RejectedOp is an operation body that failed validation.
type RejectedOp struct {
	ID  types.OperationID
	Err error
}

func (r RejectedOp) Error() string { return r.ID.String() + ": " + r.Err.Error() }

func (r RejectedOp) Unwrap() error { return r.Err }

// Operations decodes every operation carried by the envelope. Bodies are
// decoded independently: a bad one is reported in rejected and does not
// prevent the rest from being returned.
func (env Envelope) Operations() (ops []types.Operation, rejected []RejectedOp) {
	var bodies []OpBody
	if env.Op != nil {
		bodies = append(bodies, *env.Op)
	}
	bodies = append(bodies, env.Ops...)

	ops = make([]types.Operation, 0, len(bodies))
	for _, body := range bodies {
		op, err := body.Operation()
		if err != nil {
			rejected = append(rejected, RejectedOp{ID: body.OpID, Err: err})
			continue
		}
		ops = append(ops, op)
	}
	return ops, rejected
}

// DraftPayload normalizes a local draft payload. The element key is reserved
// for the wire and removed so the local replica stores what remote replicas
// will decode.
func DraftPayload(payload map[string]any) (map[string]any, error) {
	if _, ok := payload[elementKey]; ok {
		rest := make(map[string]any, len(payload))
		for k, v := range payload {
			if k != elementKey {
				rest[k] = v
			}
		}
		payload = rest
	}
	return NormalizePayload(payload)
}

// NormalizePayload checks that the payload is a JSON object a protobuf
// Struct can represent and returns it in canonical form: numbers become
// float64 and nested values become maps and slices. Local drafts go through
// it so every replica stores identical payloads.
func NormalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", types.ErrMalformedOperation, err)
	}
	return st.AsMap(), nil
}

func nonNil(clock types.VectorClock) types.VectorClock {
	if clock == nil {
		return types.VectorClock{}
	}
	return clock.Clone()
}
