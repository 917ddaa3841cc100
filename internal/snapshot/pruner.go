package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/example/inksync/internal/types"
)

const (
	defaultPruneInterval = 10 * time.Minute
	defaultRetain        = 5
)

// Pruner periodically removes old versioned snapshots, keeping the newest
// few per board. latest.json is never removed.
type Pruner struct {
	store     *ObjectStore
	documents func() []types.DocumentID
	interval  time.Duration
	retain    int
}

// NewPruner constructs a pruner for the boards reported by documents.
func NewPruner(store *ObjectStore, documents func() []types.DocumentID, retain int, interval time.Duration) *Pruner {
	if retain <= 0 {
		retain = defaultRetain
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Pruner{store: store, documents: documents, interval: interval, retain: retain}
}

// Start runs the prune loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce prunes every known board once.
func (p *Pruner) RunOnce(ctx context.Context) {
	for _, doc := range p.documents() {
		removed, err := p.pruneDocument(ctx, doc)
		if err != nil {
			p.store.logger.Error().Err(err).Str("document", string(doc)).Msg("snapshot pruning failed")
			continue
		}
		if removed > 0 {
			prunedTotal.Add(float64(removed))
			p.store.logger.Info().Str("document", string(doc)).Int("removed", removed).Msg("pruned old snapshots")
		}
	}
}

func (p *Pruner) pruneDocument(ctx context.Context, document types.DocumentID) (int, error) {
	var keys []string
	for info := range p.store.object.ListObjects(ctx, p.store.bucket, minio.ListObjectsOptions{Prefix: documentPrefix(document), Recursive: true}) {
		if info.Err != nil {
			return 0, info.Err
		}
		if info.Key == latestPath(document) {
			continue
		}
		keys = append(keys, info.Key)
	}
	stale := staleKeys(keys, p.retain)
	for i, key := range stale {
		if err := p.store.object.RemoveObject(ctx, p.store.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

// staleKeys returns every key except the newest retain ones.
func staleKeys(keys []string, retain int) []string {
	if len(keys) <= retain {
		return nil
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return sorted[:len(sorted)-retain]
}
