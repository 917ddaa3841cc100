package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/example/inksync/internal/types"
)

var bucketSnapshots = []byte("snapshots")

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("snapshot store closed")

// BoltStore keeps the latest snapshot of each board in a local bbolt file,
// so a client can reopen a board without a full download.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("failed to create snapshots bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveSnapshot replaces the stored snapshot of the board.
func (s *BoltStore) SaveSnapshot(_ context.Context, document types.DocumentID, state types.DocumentState, clock types.VectorClock) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	start := s.now()
	data, err := EncodePayload(document, state, clock, start)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(document), data)
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	saveLatency.WithLabelValues("bolt").Observe(time.Since(start).Seconds())
	snapshotBytes.WithLabelValues("bolt").Observe(float64(len(data)))
	return nil
}

// LoadSnapshot returns the stored snapshot or ErrNotFound.
func (s *BoltStore) LoadSnapshot(_ context.Context, document types.DocumentID) (types.DocumentState, types.VectorClock, error) {
	if s.db == nil {
		return types.DocumentState{}, nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(document))
		if raw == nil {
			return ErrNotFound
		}
		// raw is only valid inside the transaction.
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return types.DocumentState{}, nil, err
	}

	payload, err := DecodePayload(data)
	if err != nil {
		return types.DocumentState{}, nil, err
	}
	return payload.State, payload.VectorClock, nil
}

// Documents lists the boards with a stored snapshot.
func (s *BoltStore) Documents() ([]types.DocumentID, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	var docs []types.DocumentID
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			docs = append(docs, types.DocumentID(k))
			return nil
		})
	})
	return docs, err
}
