package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

const (
	objectPrefix = "snapshots"
	latestObject = "latest.json"
)

// ObjectStore keeps board snapshots in MinIO/S3. Every save writes a
// timestamped object for retention and overwrites the board's latest.json.
type ObjectStore struct {
	object *minio.Client
	bucket string
	logger zerolog.Logger
	now    func() time.Time
}

// NewObjectStore creates a store writing into bucket.
func NewObjectStore(object *minio.Client, bucket string, logger zerolog.Logger) *ObjectStore {
	return &ObjectStore{object: object, bucket: bucket, logger: logger, now: time.Now}
}

// SaveSnapshot uploads the board state covered by clock.
func (s *ObjectStore) SaveSnapshot(ctx context.Context, document types.DocumentID, state types.DocumentState, clock types.VectorClock) error {
	if s.object == nil {
		return errors.New("object storage client not configured")
	}
	start := s.now()
	data, err := EncodePayload(document, state, clock, start)
	if err != nil {
		return err
	}

	versioned := versionedPath(document, start)
	if err := s.put(ctx, versioned, data); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	if err := s.put(ctx, latestPath(document), data); err != nil {
		return fmt.Errorf("upload latest snapshot: %w", err)
	}

	saveLatency.WithLabelValues("object").Observe(time.Since(start).Seconds())
	snapshotBytes.WithLabelValues("object").Observe(float64(len(data)))
	s.logger.Info().
		Str("document", string(document)).
		Str("object", versioned).
		Str("clock", clock.String()).
		Msg("snapshot created")
	return nil
}

// LoadSnapshot fetches the latest snapshot of the board.
func (s *ObjectStore) LoadSnapshot(ctx context.Context, document types.DocumentID) (types.DocumentState, types.VectorClock, error) {
	data, err := s.Load(ctx, latestPath(document))
	if err != nil {
		return types.DocumentState{}, nil, err
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return types.DocumentState{}, nil, err
	}
	return payload.State, payload.VectorClock, nil
}

// Load reads a raw object. A missing key is reported as ErrNotFound.
func (s *ObjectStore) Load(ctx context.Context, objectPath string) ([]byte, error) {
	if s.object == nil {
		return nil, errors.New("object storage client not configured")
	}

	obj, err := s.object.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (s *ObjectStore) put(ctx context.Context, objectPath string, data []byte) error {
	_, err := s.object.PutObject(ctx, s.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func documentPrefix(document types.DocumentID) string {
	return path.Join(objectPrefix, string(document)) + "/"
}

func latestPath(document types.DocumentID) string {
	return documentPrefix(document) + latestObject
}

// Versioned names sort lexically in creation order.
func versionedPath(document types.DocumentID, at time.Time) string {
	return fmt.Sprintf("%s%020d.json", documentPrefix(document), at.UTC().UnixNano())
}
