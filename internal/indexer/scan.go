package indexer

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
)

const scanInterval = 4 * time.Second

// scanLoop is the periodic worker of spec §4.3 step 2: it examines
// cached blocks old enough to be beyond the reorg window and admits
// plain native-value transfers into tracked addresses.
func (idx *Indexer) scanLoop(ctx context.Context) {
	defer idx.wg.Done()
	for {
		if !idx.sleepOrStop(ctx, scanInterval) {
			return
		}
		if err := idx.scanOnce(ctx); err != nil {
			idx.log.WithError(err).Warn("scan pass failed")
		}
	}
}

// scanOnce advances its own cursor (lastScannedBlock), separate from
// the ingest loop's resume point (lastProcessedBlock): the latter is
// rewritten to near-head on every pushed block, so reusing it here
// would make last<=horizon false as soon as ingestion caught up and
// leave scanCachedBlock permanently unreachable.
func (idx *Indexer) scanOnce(ctx context.Context) error {
	head, err := idx.adapter.CurrentBlockNumber(ctx)
	if err != nil {
		return err
	}
	confirmations := uint64(idx.cfg.RequiredConfirmations)
	if head < confirmations {
		return nil
	}
	last, err := idx.loadLastScannedBlock(ctx)
	if err != nil {
		return err
	}
	horizon := head - confirmations

	n := last
	for ; n <= horizon && n <= last+200; n++ {
		bc, err := idx.loadBlockCache(ctx, n)
		if err != nil {
			return err
		}
		if bc == nil {
			// not cached yet (or evicted): stop here and retry from n
			// on the next pass rather than skipping past a gap.
			break
		}
		idx.scanCachedBlock(ctx, *bc)
	}
	if n == last {
		return nil
	}
	return idx.saveLastScannedBlock(ctx, n)
}

func (idx *Indexer) scanCachedBlock(ctx context.Context, bc models.BlockCache) {
	for _, tx := range bc.Txs {
		username, ok := idx.lookupActiveAddress(tx.To)
		if !ok {
			continue
		}
		if equalAddress(tx.From, idx.hotWalletAddress) {
			continue
		}
		if idx.isProcessed(ctx, tx.Hash) || idx.isPending(idx.cfg.NativeCurrency, tx.Hash) {
			continue
		}
		if idx.isGasFundingTx(ctx, tx.Hash) {
			continue
		}
		// Native credits require empty calldata: a plain value
		// transfer, not a contract interaction (spec §4.3 step 2).
		if tx.DataSize != 0 {
			continue
		}

		value, ok := new(big.Int).SetString(tx.Value, 10)
		if !ok || value.Sign() <= 0 {
			continue
		}

		idx.admitDeposit(ctx, admitParams{
			txHash: tx.Hash, username: username, currency: idx.cfg.NativeCurrency,
			amountUnits: value, sender: tx.From, recipient: tx.To,
			startBlock: bc.BlockNumber,
		})
	}
}

type admitParams struct {
	txHash       string
	username     string
	currency     string
	tokenAddress string
	amountUnits  *big.Int
	sender       string
	recipient    string
	startBlock   uint64
}

// minDepositFor returns the configured minimum deposit for currency,
// zero if none is configured (spec scenario S2).
func (idx *Indexer) minDepositFor(currency string) money.Amount {
	raw := idx.cfg.MinDeposit
	if currency != idx.cfg.NativeCurrency {
		raw = idx.cfg.Tokens[currency].MinDeposit
	}
	if raw == "" {
		return money.Zero
	}
	min, err := money.New(raw)
	if err != nil {
		return money.Zero
	}
	return min
}

// admitDeposit is spec §4.3 step 3: create a pending Deposit, enqueue
// its hash, emit a notification. A transfer below the configured
// minimum for its currency is silently dropped: no Deposit record, no
// notification (spec scenario S2).
func (idx *Indexer) admitDeposit(ctx context.Context, p admitParams) {
	decimals := 18
	if p.currency != idx.cfg.NativeCurrency {
		decimals = idx.cfg.Tokens[p.currency].Decimals
	}
	amount := chainUnitsToAmount(p.amountUnits, decimals)

	if amount.LessThan(idx.minDepositFor(p.currency)) {
		idx.log.WithFields(map[string]interface{}{
			"tx": p.txHash, "currency": p.currency, "amount": amount.String(),
		}).Debug("deposit below minimum, dropping")
		return
	}

	now := time.Now().Unix()
	d := &models.Deposit{
		TxHash: p.txHash, Username: p.username, Chain: idx.chainName,
		Currency: p.currency, TokenAddress: p.tokenAddress, Amount: amount,
		Sender: p.sender, Recipient: p.recipient,
		RequiredConfirmations: idx.cfg.RequiredConfirmations,
		StartBlock:            p.startBlock,
		State:                 models.DepositPending,
		CreatedAt:             now, UpdatedAt: now,
	}
	if err := idx.saveDeposit(ctx, d); err != nil {
		idx.log.WithError(err).WithField("tx", p.txHash).Warn("failed to persist admitted deposit")
		return
	}
	if err := idx.saveDepositStartBlock(ctx, p.txHash, p.startBlock); err != nil {
		idx.log.WithError(err).WithField("tx", p.txHash).Warn("failed to persist deposit start block")
	}
	idx.enqueuePending(p.currency, p.txHash)
	idx.publishDeposit(d)
}

func normalizeAddr(a string) string { return strings.ToLower(strings.TrimSpace(a)) }
