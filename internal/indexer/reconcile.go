package indexer

import (
	"context"
	"encoding/json"

	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

const depositKeyPrefix = "deposit:"

// Reconcile rebuilds the in-memory pending queues from durable state on
// startup (spec §9: "on startup, the pending queues are rebuilt by
// scanning deposits whose state is not terminal"). Call it once before
// Start.
func (idx *Indexer) Reconcile(ctx context.Context) error {
	entries, err := idx.store.ScanPrefix(ctx, depositKeyPrefix)
	if err != nil {
		return err
	}
	restored := 0
	for _, raw := range entries {
		var d models.Deposit
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if d.State.Terminal() {
			continue
		}
		if d.Chain != idx.chainName {
			continue
		}
		idx.enqueuePending(d.Currency, d.TxHash)
		restored++
	}
	if restored > 0 {
		idx.log.WithField("count", restored).Info("reconciled non-terminal deposits into pending queues")
	}
	return nil
}
