package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/edgevault/edgevault/internal/domain"
	"github.com/edgevault/edgevault/internal/repository/index"
)

// sweepBatchSize bounds how many chunks one sweep pass reclassifies per tier.
const sweepBatchSize = 1000

// TieringSweeper periodically reclassifies chunk storage tiers by access
// recency: hot chunks idle past WarmAfter become warm, warm chunks idle past
// ColdAfter become cold. It reads and writes only the tier field of the
// metadata index and stays entirely off the ingest and read hot paths.
type TieringSweeper struct {
	index     index.MetadataIndex
	warmAfter time.Duration
	coldAfter time.Duration
	now       func() time.Time
}

// NewTieringSweeper creates a new TieringSweeper instance.
func NewTieringSweeper(idx index.MetadataIndex, warmAfter, coldAfter time.Duration) *TieringSweeper {
	return &TieringSweeper{
		index:     idx,
		warmAfter: warmAfter,
		coldAfter: coldAfter,
		now:       time.Now,
	}
}

// SweepOnce runs a single reclassification pass and returns how many chunks
// changed tier.
func (t *TieringSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := t.now().UTC()
	moved := 0

	transitions := []struct {
		from   domain.Tier
		to     domain.Tier
		cutoff time.Time
	}{
		{domain.TierHot, domain.TierWarm, now.Add(-t.warmAfter)},
		{domain.TierWarm, domain.TierCold, now.Add(-t.coldAfter)},
	}

	for _, tr := range transitions {
		chunks, err := t.index.ListChunksForTiering(ctx, tr.from, tr.cutoff, sweepBatchSize)
		if err != nil {
			return moved, err
		}
		for _, chunk := range chunks {
			if err := t.index.UpdateChunkTier(ctx, chunk.Digest, tr.to); err != nil {
				return moved, err
			}
			moved++
			log.Debugf("chunk %s moved %s -> %s", chunk.Digest, tr.from, tr.to)
		}
	}

	if moved > 0 {
		log.Infof("tiering sweep reclassified %d chunks", moved)
	}
	return moved, nil
}

// Run sweeps at the given interval until the context is cancelled.
func (t *TieringSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.SweepOnce(ctx); err != nil {
				log.Errorf("tiering sweep failed: %v", err)
			}
		}
	}
}
