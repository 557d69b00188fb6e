package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

const bucketKeyPrefix = "bucket:"

// ReconcileBuckets is the startup bucket rescan spec §9 calls for:
// buckets whose timer never fired (a crash between "bucket created"
// and "settlement scheduled") are settled immediately if already
// expired, otherwise a fresh timer is scheduled for their remaining
// time.
func (b *Batcher) ReconcileBuckets(ctx context.Context) error {
	entries, err := b.store.ScanPrefix(ctx, bucketKeyPrefix)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	for _, raw := range entries {
		var bucket models.Bucket
		if err := json.Unmarshal(raw, &bucket); err != nil {
			continue
		}
		if bucket.Chain != b.chainName || bucket.Settled || len(bucket.WithdrawalIDs) == 0 {
			continue
		}

		bucketID := bucket.ID()
		currency, windowIndex := bucket.Currency, bucket.WindowIndex
		if bucket.ExpiresAt <= now {
			b.log.WithField("bucket", bucketID).Info("settling bucket left over from a previous run")
			b.Settle(ctx, currency, windowIndex)
			continue
		}

		delay := time.Duration(bucket.ExpiresAt-now) * time.Millisecond
		b.wg.Add(1)
		go b.scheduleSettlement(bucketID, currency, windowIndex, delay)
	}
	return nil
}
