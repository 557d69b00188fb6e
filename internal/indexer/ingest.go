package indexer

import (
	"context"
	"time"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

// blockCacheTTL must exceed requiredConfirmations * averageBlockTime by
// a safety factor (spec §4.3 "block cache cleanup") so no cached block
// is evicted before the scan worker can reach it. An explicit
// BlockCacheTTLSeconds override wins outright; otherwise the margin is
// derived from the chain's actual average block time rather than an
// assumed 1s.
func (idx *Indexer) blockCacheTTL() time.Duration {
	if idx.windows.BlockCacheTTLSeconds > 0 {
		return time.Duration(idx.windows.BlockCacheTTLSeconds) * time.Second
	}
	blockSeconds := idx.windows.AverageBlockSeconds
	if blockSeconds <= 0 {
		blockSeconds = 1
	}
	confirmSeconds := time.Duration(idx.cfg.RequiredConfirmations*blockSeconds) * time.Second
	return confirmSeconds*3 + 5*time.Minute
}

// ingestLoop turns each pushed block header into a cached full block
// and advances the resume point (spec §4.3 step 1).
func (idx *Indexer) ingestLoop(ctx context.Context, headers <-chan chainkit.BlockHeader) {
	defer idx.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idx.stopCh:
			return
		case h, ok := <-headers:
			if !ok {
				return
			}
			if err := idx.ingestBlock(ctx, h.Number); err != nil {
				idx.log.WithError(err).WithField("block", h.Number).Warn("ingest failed")
			}
		}
	}
}

func (idx *Indexer) ingestBlock(ctx context.Context, number uint64) error {
	block, err := idx.adapter.GetBlockWithTxs(ctx, number)
	if err != nil {
		return err
	}

	txs := make([]models.CachedTx, 0, len(block.Txs))
	for _, tx := range block.Txs {
		val := "0"
		if tx.Value != nil {
			val = tx.Value.String()
		}
		txs = append(txs, models.CachedTx{
			Hash: tx.Hash, From: tx.From, To: tx.To,
			Value: val, DataSize: len(tx.Data),
		})
	}

	now := time.Now().Unix()
	bc := models.BlockCache{
		Chain: idx.chainName, BlockNumber: number, Txs: txs,
		CachedAt: now, ExpiresAt: time.Now().Add(idx.blockCacheTTL()).Unix(),
	}
	if err := idx.saveBlockCache(ctx, bc); err != nil {
		return err
	}
	return idx.saveLastProcessedBlock(ctx, number)
}

// tokenTransferLoop admits ERC-20 deposits directly from the Transfer
// log stream rather than through the calldata-scan path (spec §4.3
// step 2: "for token credits: the transaction is discovered via the
// token's Transfer log subscription rather than by scanning
// calldata").
func (idx *Indexer) tokenTransferLoop(ctx context.Context, symbol string, token config.TokenConfig, transfers <-chan chainkit.TransferEvent) {
	defer idx.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idx.stopCh:
			return
		case ev, ok := <-transfers:
			if !ok {
				return
			}
			idx.handleTokenTransfer(ctx, symbol, ev)
		}
	}
}

func (idx *Indexer) handleTokenTransfer(ctx context.Context, currency string, ev chainkit.TransferEvent) {
	username, ok := idx.lookupActiveAddress(ev.To)
	if !ok {
		return
	}
	if equalAddress(ev.From, idx.hotWalletAddress) {
		return
	}
	if idx.isProcessed(ctx, ev.TxHash) || idx.isPending(currency, ev.TxHash) {
		return
	}
	if idx.isGasFundingTx(ctx, ev.TxHash) {
		return
	}

	idx.admitDeposit(ctx, admitParams{
		txHash: ev.TxHash, username: username, currency: currency,
		tokenAddress: ev.Token, amountUnits: ev.Value,
		sender: ev.From, recipient: ev.To, startBlock: ev.BlockNumber,
	})
}

func equalAddress(a, b string) bool {
	return normalizeAddr(a) == normalizeAddr(b)
}
