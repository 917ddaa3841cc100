package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/inksync/internal/types"
)

//go:embed schema.sql
var schema string

var (
	// ErrDuplicateRecord is returned when the operation is already stored.
	ErrDuplicateRecord = errors.New("operation already in wal")

	// ErrRecordNotFound is returned when a lookup matches no operation.
	ErrRecordNotFound = errors.New("wal record not found")
)

const recordColumns = `lsn, document_id, origin, seq, op_type, element_id, vector_clock, payload, created_at`

// WAL persists every operation a relay applies, in apply order, so boards
// can be recovered after a restart and replayed to any point in time.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// WALOption configures the WAL store.
type WALOption func(*WAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *WAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) {
		w.retryDelay = d
	}
}

// NewWAL constructs a WAL helper using the provided Postgres pool.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Migrate creates the WAL tables when they are missing.
func (w *WAL) Migrate(ctx context.Context) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, schema)
		return err
	})
}

// AppendOperation durably stores an operation for the board and returns its
// LSN. Transient failures are retried; an operation stored earlier by any
// relay yields ErrDuplicateRecord.
func (w *WAL) AppendOperation(ctx context.Context, docID types.DocumentID, op types.Operation) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.append", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.String("operation", op.ID.String()),
	))
	defer span.End()
	start := time.Now()

	clockBytes, err := json.Marshal(op.Clock)
	if err != nil {
		return 0, fmt.Errorf("marshal vector clock: %w", err)
	}
	payloadBytes, err := json.Marshal(op.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var lsn int64
	err = w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, origin, seq, op_type, element_id, vector_clock, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (document_id, origin, seq) DO NOTHING
RETURNING lsn`,
			string(docID), op.ID.String(), string(op.ID.Origin), int64(op.ID.Seq), string(op.Type),
			string(op.Element), clockBytes, payloadBytes, time.Now().UTC(),
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		walDuplicates.Inc()
		return 0, fmt.Errorf("%w: %s", ErrDuplicateRecord, op.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return 0, err
	}

	walAppendLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("lsn", lsn))
	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have WAL entries.
func (w *WAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans operations with an LSN above fromLSN in LSN order,
// invoking the handler for each record. A handler error stops the scan and
// is returned.
func (w *WAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	start := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := w.pool.Query(ctx, `
SELECT `+recordColumns+`
FROM document_operations
WHERE document_id = $1 AND lsn > $2
ORDER BY lsn`, string(docID), fromLSN)
	if err != nil {
		return err
	}
	return scanRecords(rows, handler)
}

// ReplayMissing scans, in LSN order, the operations of the board that clock
// does not cover. It is used to catch up after restoring a snapshot.
func (w *WAL) ReplayMissing(ctx context.Context, docID types.DocumentID, clock types.VectorClock, handler func(types.WALRecord) error) error {
	start := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	if clock == nil {
		clock = make(types.VectorClock)
	}
	clockBytes, err := json.Marshal(clock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	rows, err := w.pool.Query(ctx, `
SELECT `+recordColumns+`
FROM document_operations
WHERE document_id = $1 AND seq > COALESCE(($2::jsonb ->> origin)::bigint, 0)
ORDER BY lsn`, string(docID), string(clockBytes))
	if err != nil {
		return err
	}
	return scanRecords(rows, handler)
}

// LSNForOperation returns the position and write time of an operation.
func (w *WAL) LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var (
		lsn       int64
		createdAt time.Time
	)
	err := w.pool.QueryRow(ctx, `
SELECT lsn, created_at FROM document_operations
WHERE document_id = $1 AND origin = $2 AND seq = $3`,
		string(docID), string(opID.Origin), int64(opID.Seq)).Scan(&lsn, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("%w: %s", ErrRecordNotFound, opID)
	}
	return lsn, createdAt, err
}

// LSNForTime returns the highest LSN written at or before ts, or zero.
func (w *WAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(lsn), 0) FROM document_operations
WHERE document_id = $1 AND created_at <= $2`, string(docID), ts.UTC()).Scan(&lsn)
	return lsn, err
}

func scanRecords(rows pgx.Rows, handler func(types.WALRecord) error) error {
	defer rows.Close()

	for rows.Next() {
		var (
			lsn         int64
			documentID  string
			origin      string
			seq         int64
			opType      string
			elementID   string
			vectorClock []byte
			payload     []byte
			createdAt   time.Time
		)
		if err := rows.Scan(&lsn, &documentID, &origin, &seq, &opType, &elementID, &vectorClock, &payload, &createdAt); err != nil {
			return err
		}
		record, err := decodeRecord(lsn, documentID, origin, seq, opType, elementID, vectorClock, payload, createdAt)
		if err != nil {
			return err
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

func decodeRecord(lsn int64, documentID, origin string, seq int64, opType, elementID string, vectorClock, payload []byte, createdAt time.Time) (types.WALRecord, error) {
	clock := make(types.VectorClock)
	if len(vectorClock) > 0 {
		if err := json.Unmarshal(vectorClock, &clock); err != nil {
			return types.WALRecord{}, fmt.Errorf("decode vector clock at lsn %d: %w", lsn, err)
		}
	}
	var body map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return types.WALRecord{}, fmt.Errorf("decode payload at lsn %d: %w", lsn, err)
		}
	}
	return types.WALRecord{
		LSN:      lsn,
		Document: types.DocumentID(documentID),
		Operation: types.Operation{
			ID:      types.OperationID{Origin: types.ParticipantID(origin), Seq: uint64(seq)},
			Type:    types.OpType(opType),
			Element: types.ElementID(elementID),
			Payload: body,
			Clock:   clock,
		},
		CreatedAt: createdAt,
	}, nil
}

func (w *WAL) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := w.retryDelay
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == w.maxRetries {
				return err
			}
			walRetries.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
