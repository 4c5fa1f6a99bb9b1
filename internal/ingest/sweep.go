package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepStale moves documents stuck in uploading or processing for longer than
// olderThan to error and drops any vectors they left behind. Documents for which
// busy reports true have a run queued or in flight and are skipped; busy may be nil.
// Sweeping twice is harmless: the second pass finds nothing.
func (p *Pipeline) SweepStale(ctx context.Context, olderThan time.Duration, busy func(docID string) bool) ([]string, error) {
	cutoff := p.now().Add(-olderThan)
	ids, err := p.store.MarkStale(ctx, cutoff, StaleMessage, busy)
	if err != nil {
		return nil, fmt.Errorf("mark stale documents: %w", err)
	}
	dropped := 0
	for _, id := range ids {
		dropped += p.index.InvalidateDocument(id)
	}
	if dropped > 0 && p.persister != nil {
		if err := p.persister.Save(p.index); err != nil {
			return ids, fmt.Errorf("save vector index: %w", err)
		}
	}
	if len(ids) > 0 {
		p.logger.Info("stale documents swept",
			zap.Int("documents", len(ids)),
			zap.Int("vectors", dropped),
			zap.Time("cutoff", cutoff))
	}
	return ids, nil
}
