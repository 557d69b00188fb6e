package indexer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

// recoveryInterval and recoveryLookback implement spec §4.3's block
// recovery loop: replay ingest for any block in the recent window that
// somehow never made it into the cache (a missed push event, a gap
// left by the polling fallback). Both are tunable via
// config.WindowConfig's RecoveryIntervalMin/RecoveryLookback; these are
// only the fallback defaults for an unset config.
func (idx *Indexer) recoveryInterval() time.Duration {
	minutes := idx.windows.RecoveryIntervalMin
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

func (idx *Indexer) recoveryLookback() uint64 {
	if idx.windows.RecoveryLookback > 0 {
		return idx.windows.RecoveryLookback
	}
	return 500
}

func (idx *Indexer) recoveryLoop(ctx context.Context) {
	defer idx.wg.Done()
	for {
		if !idx.sleepOrStop(ctx, idx.recoveryInterval()) {
			return
		}
		if err := idx.recoverMissingBlocks(ctx); err != nil {
			idx.log.WithError(err).Warn("block recovery pass failed")
		}
	}
}

func (idx *Indexer) recoverMissingBlocks(ctx context.Context) error {
	head, err := idx.adapter.CurrentBlockNumber(ctx)
	if err != nil {
		return err
	}
	last, err := idx.loadLastProcessedBlock(ctx)
	if err != nil {
		return err
	}

	lookback := idx.recoveryLookback()
	start := uint64(0)
	if last > lookback {
		start = last - lookback
	}

	for n := start; n <= head; n++ {
		if idx.hasBlockCache(ctx, n) {
			continue
		}
		if err := idx.ingestBlock(ctx, n); err != nil {
			idx.log.WithError(err).WithField("block", n).Warn("recovery re-ingest failed")
		}
	}
	return nil
}

// cacheCleanupLoop evicts expired BlockCache entries so the scan
// worker's linear walk never has to skip over stale garbage, and the
// store doesn't grow without bound.
func (idx *Indexer) cacheCleanupLoop(ctx context.Context) {
	defer idx.wg.Done()
	for {
		if !idx.sleepOrStop(ctx, idx.recoveryInterval()) {
			return
		}
		if err := idx.cleanupExpiredBlockCache(ctx); err != nil {
			idx.log.WithError(err).Warn("block cache cleanup pass failed")
		}
	}
}

func (idx *Indexer) cleanupExpiredBlockCache(ctx context.Context) error {
	prefix := "blockCache:" + idx.chainName + ":"
	entries, err := idx.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for key, raw := range entries {
		var bc models.BlockCache
		if err := json.Unmarshal(raw, &bc); err != nil {
			continue
		}
		if bc.ExpiresAt <= now {
			_ = idx.store.Delete(ctx, key)
		}
	}
	return nil
}
