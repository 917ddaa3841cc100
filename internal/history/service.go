package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/crdt"
	"github.com/example/inksync/internal/types"
)

var (
	errPlaybackComplete = errors.New("playback complete")

	// ErrInvalidRequest is returned for requests without a document or target.
	ErrInvalidRequest = errors.New("invalid playback request")
)

// Log provides the read operations required to hydrate a board at a
// specific point of its WAL.
type Log interface {
	LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error)
	LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error)
	ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error
}

// Authorizer validates that a caller can access a particular board.
type Authorizer interface {
	Authorize(ctx context.Context, docID types.DocumentID) error
}

// AllowAllAuthorizer is a no-op authorizer used when callers have already been validated upstream.
type AllowAllAuthorizer struct{}

// Authorize implements Authorizer.
func (AllowAllAuthorizer) Authorize(context.Context, types.DocumentID) error { return nil }

// Request captures the playback cursor for a board. Exactly one of
// Operation and AtTime is normally set; when both are, the operation wins
// and AtTime must not predate it.
type Request struct {
	Document  types.DocumentID
	Operation *types.OperationID
	AtTime    *time.Time
}

// Response is the board as it was at the requested WAL position.
type Response struct {
	Document    types.DocumentID   `json:"document_id"`
	Operation   *types.OperationID `json:"operation,omitempty"`
	LSN         int64              `json:"lsn"`
	VectorClock types.VectorClock  `json:"vector_clock"`
	Elements    []types.Element    `json:"elements"`
}

// Service replays the WAL to surface the deterministic board state at a
// requested logical point. Replayed states are kept as checkpoints so later
// requests only replay the WAL past the nearest one.
type Service struct {
	wal    Log
	auth   Authorizer
	cache  *checkpoints
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	Authorizer Authorizer
	CacheSize  int
}

// NewService constructs a playback service backed by the provided WAL reader.
func NewService(wal Log, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		wal:    wal,
		auth:   cfg.Authorizer,
		cache:  newCheckpoints(cacheSize),
		logger: logger,
	}
}

// Playback hydrates the board at the requested operation or timestamp.
func (s *Service) Playback(ctx context.Context, req Request) (Response, error) {
	if req.Document == "" {
		return Response{}, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	if req.Operation == nil && req.AtTime == nil {
		return Response{}, fmt.Errorf("%w: at_op or at_time is required", ErrInvalidRequest)
	}
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, req.Document); err != nil {
			return Response{}, fmt.Errorf("access denied: %w", err)
		}
	}

	targetLSN, err := s.resolveTarget(ctx, req)
	if err != nil {
		return Response{}, err
	}

	engine := crdt.NewEngine(s.logger)
	fromLSN := int64(0)
	if cp, ok := s.cache.Nearest(req.Document, targetLSN); ok {
		engine.Restore(req.Document, cp.State, cp.Clock, cp.LastOp, cp.LSN)
		fromLSN = cp.LSN
		cacheHits.Inc()
	}

	if fromLSN < targetLSN {
		replayed := 0
		err := s.wal.ReplayDocument(ctx, req.Document, fromLSN, func(record types.WALRecord) error {
			if record.LSN > targetLSN {
				return errPlaybackComplete
			}
			replayed++
			return engine.ApplyWAL(record)
		})
		if err != nil && !errors.Is(err, errPlaybackComplete) {
			return Response{}, fmt.Errorf("replay document: %w", err)
		}
		replayedOps.Observe(float64(replayed))

		s.cache.Save(req.Document, checkpoint{
			LSN:    targetLSN,
			LastOp: engine.LastOperation(req.Document),
			Clock:  engine.VectorClock(req.Document),
			State:  engine.State(req.Document),
		})
	}

	s.logger.Debug().
		Str("document", string(req.Document)).
		Int64("from_lsn", fromLSN).
		Int64("target_lsn", targetLSN).
		Msg("playback served")

	return Response{
		Document:    req.Document,
		Operation:   req.Operation,
		LSN:         targetLSN,
		VectorClock: engine.VectorClock(req.Document),
		Elements:    engine.State(req.Document).Visible(),
	}, nil
}

func (s *Service) resolveTarget(ctx context.Context, req Request) (int64, error) {
	if req.Operation != nil {
		lsn, createdAt, err := s.wal.LSNForOperation(ctx, req.Document, *req.Operation)
		if err != nil {
			return 0, fmt.Errorf("lookup operation: %w", err)
		}
		if req.AtTime != nil && req.AtTime.Before(createdAt) {
			return 0, fmt.Errorf("%w: requested time predates operation %s", ErrInvalidRequest, req.Operation)
		}
		return lsn, nil
	}

	lsn, err := s.wal.LSNForTime(ctx, req.Document, *req.AtTime)
	if err != nil {
		return 0, fmt.Errorf("lookup lsn for time: %w", err)
	}
	return lsn, nil
}
