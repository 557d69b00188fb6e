package indexer

import (
	"context"
	"time"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

const confirmInterval = 5 * time.Second

// confirmLoop is the per-(chain,currency) worker of spec §4.3 step 4:
// it advances pending deposit ids through confirming -> confirmed ->
// sweep -> credited, one currency's queue per goroutine so state
// transitions for a given deposit id stay totally ordered (spec §5).
func (idx *Indexer) confirmLoop(ctx context.Context, currency string) {
	defer idx.wg.Done()
	for {
		if !idx.sleepOrStop(ctx, confirmInterval) {
			return
		}
		for _, txHash := range idx.pendingSnapshot(currency) {
			idx.advanceDeposit(ctx, currency, txHash)
		}
	}
}

func (idx *Indexer) advanceDeposit(ctx context.Context, currency, txHash string) {
	d, err := idx.loadDeposit(ctx, txHash)
	if err != nil || d == nil {
		return
	}
	if d.State.Terminal() {
		idx.cleanup(ctx, currency, d)
		return
	}

	head, err := idx.adapter.CurrentBlockNumber(ctx)
	if err != nil {
		idx.log.WithError(err).Warn("advanceDeposit: current_block_number failed")
		return
	}

	confirmations := int(head-d.StartBlock) + 1
	if confirmations < 0 {
		confirmations = 0
	}
	if confirmations > d.RequiredConfirmations {
		confirmations = d.RequiredConfirmations
	}
	d.Confirmations = confirmations
	d.UpdatedAt = time.Now().Unix()

	if confirmations < d.RequiredConfirmations {
		if d.State == models.DepositPending {
			d.State = models.DepositConfirming
		}
		_ = idx.saveDeposit(ctx, d)
		return
	}

	if d.State != models.DepositConfirmed {
		d.State = models.DepositConfirmed
		if err := idx.saveDeposit(ctx, d); err != nil {
			return
		}
		idx.publishDeposit(d)
	}

	idx.sweepAndCredit(ctx, currency, d)
}

// sweepAndCredit runs spec §4.3 steps 5-6 and applies the retry policy
// of spec §4.3 "Retries": 3s*retries backoff, immediate terminal
// failure for INSUFFICIENT_BALANCE/INSUFFICIENT_AFTER_GAS, terminal
// failure once MAX_RETRIES is exceeded.
func (idx *Indexer) sweepAndCredit(ctx context.Context, currency string, d *models.Deposit) {
	err := idx.sweep(ctx, d)
	if err == nil {
		err = idx.credit(ctx, d)
	}
	if err == nil {
		idx.cleanup(ctx, currency, d)
		return
	}

	if appErrors.Is(err, appErrors.KindInsufficientAfterGas) {
		idx.failDeposit(ctx, currency, d, models.FailureInsufficientAfterGas)
		return
	}
	if appErrors.Is(err, appErrors.KindInsufficientBalance) {
		idx.failDeposit(ctx, currency, d, models.FailureInsufficientBalance)
		return
	}

	d.RetryCount++
	if d.RetryCount > idx.maxRetries {
		idx.failDeposit(ctx, currency, d, models.FailureRetriesExhausted)
		return
	}
	idx.log.WithError(err).WithFields(map[string]interface{}{
		"tx": d.TxHash, "retry": d.RetryCount,
	}).Warn("sweep/credit failed, will retry")
	_ = idx.saveDeposit(ctx, d)
	idx.sleepOrStop(ctx, time.Duration(3*d.RetryCount)*time.Second)
}

func (idx *Indexer) failDeposit(ctx context.Context, currency string, d *models.Deposit, kind models.FailureKind) {
	d.State = models.DepositFailed
	d.FailureKind = kind
	d.UpdatedAt = time.Now().Unix()
	_ = idx.saveDeposit(ctx, d)
	idx.publishDeposit(d)
	idx.cleanup(ctx, currency, d)
}

// credit is spec §4.3 step 6: the ledger credit and the deposit's
// credited state transition commit as one store.BatchWrite (via
// Ledger.CreditAtomic) so a crash between the two can never leave a
// deposit stuck non-credited with the balance already applied, or vice
// versa — a retry that saw the state write but not the balance write
// would credit the same deposit twice. next is built before either
// write is attempted so a failed credit never leaves d mutated.
func (idx *Indexer) credit(ctx context.Context, d *models.Deposit) error {
	if d.State == models.DepositCredited {
		return nil
	}
	next := *d
	next.State = models.DepositCredited
	next.UpdatedAt = time.Now().Unix()
	depositOp, err := idx.depositOp(&next)
	if err != nil {
		return err
	}
	if err := idx.ledger.CreditAtomic(ctx, d.Username, d.Chain, d.Currency, d.Amount, depositOp); err != nil {
		return err
	}
	*d = next
	idx.publishDeposit(d)
	idx.bus.Publish(balanceUpdateEvent(d.Username, d.Chain, d.Currency))
	return nil
}

// cleanup is spec §4.3 step 7.
func (idx *Indexer) cleanup(ctx context.Context, currency string, d *models.Deposit) {
	idx.dequeuePending(currency, d.TxHash)
	_ = idx.store.Delete(ctx, models.DepositStartBlockKey(d.TxHash))
}
