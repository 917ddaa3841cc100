package hub

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/storage"
	"github.com/example/inksync/internal/types"
)

// walWriter persists operations in the order the replica applied them.
type walWriter struct {
	wal      *storage.WAL
	document types.DocumentID
	queue    chan types.Operation
	logger   zerolog.Logger
}

func newWALWriter(wal *storage.WAL, document types.DocumentID, size int, logger zerolog.Logger) *walWriter {
	return &walWriter{wal: wal, document: document, queue: make(chan types.Operation, size), logger: logger}
}

// enqueue blocks while the queue is full so no operation is skipped.
func (w *walWriter) enqueue(ctx context.Context, op types.Operation) {
	select {
	case w.queue <- op:
		walQueueDepth.WithLabelValues(string(w.document)).Set(float64(len(w.queue)))
	case <-ctx.Done():
	}
}

func (w *walWriter) run(ctx context.Context) {
	for {
		select {
		case op := <-w.queue:
			w.write(ctx, op)
		case <-ctx.Done():
			return
		}
	}
}

func (w *walWriter) write(ctx context.Context, op types.Operation) {
	lsn, err := w.wal.AppendOperation(ctx, w.document, op)
	switch {
	case err == nil:
		w.logger.Debug().Str("operation", op.ID.String()).Int64("lsn", lsn).Msg("operation persisted")
	case errors.Is(err, storage.ErrDuplicateRecord):
	case ctx.Err() != nil:
	default:
		walFailures.Inc()
		w.logger.Error().Err(err).Str("operation", op.ID.String()).Msg("failed to persist operation")
	}
}
