package batch

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/metrics"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

// defaultGasLimitBatch is the component-local fallback spec §4.5 step 7
// names for when gas estimation itself reverts (so the real revert
// reason surfaces from the actual submission instead of from
// estimate_gas).
const defaultGasLimitBatch = 500_000

// settleReceiptTimeout bounds the wait for the batch settlement
// receipt.
const settleReceiptTimeout = 30 * time.Second

// Settle is spec §4.5's bucket settlement algorithm. It is safe to call
// more than once for the same bucket id: the per-bucket lock makes a
// concurrent call a no-op, a repeated call returns early once the
// bucket is marked Settled, and once a bucket's withdrawals have moved
// out of added_to_bucket there is nothing left to settle.
func (b *Batcher) Settle(ctx context.Context, currency string, windowIndex int64) {
	bucketID := models.BucketID(b.chainName, currency, windowIndex)
	lock := b.lockFor(bucketID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	start := time.Now()
	defer func() {
		metrics.BucketSettlementDuration.WithLabelValues(b.chainName, currency).Observe(time.Since(start).Seconds())
	}()

	bucket, err := b.loadBucket(ctx, currency, windowIndex)
	if err != nil || bucket == nil {
		return
	}
	if bucket.Settled {
		return
	}

	eligible := b.loadEligibleWithdrawals(ctx, bucket.WithdrawalIDs)
	if len(eligible) == 0 {
		bucket.WithdrawalIDs = nil
		bucket.Settled = true
		_ = b.saveBucket(ctx, *bucket)
		return
	}

	for _, w := range eligible {
		w.State = models.WithdrawalProcessing
		w.UpdatedAt = time.Now().Unix()
		_ = b.saveWithdrawal(ctx, w)
		b.publishWithdrawal(w)
	}

	_, _, _, decimals, tokenAddr := b.limits(currency)
	recipients := make([]string, len(eligible))
	amounts := make([]*big.Int, len(eligible))
	for i, w := range eligible {
		recipients[i] = w.Destination
		amounts[i] = amountToOnChainUnits(w.Amount, decimals)
	}
	total := sumBigInt(amounts)

	if err := b.precheckLiquidity(ctx, currency, tokenAddr, total); err != nil {
		b.failAll(ctx, eligible, err)
		bucket.WithdrawalIDs = nil
		bucket.Settled = true
		_ = b.saveBucket(ctx, *bucket)
		return
	}

	txHash, err := b.submitBatch(ctx, currency, tokenAddr, recipients, amounts, total)
	if err != nil {
		b.failAll(ctx, eligible, err)
		bucket.WithdrawalIDs = nil
		bucket.Settled = true
		_ = b.saveBucket(ctx, *bucket)
		return
	}

	receipt, err := b.adapter.WaitForReceipt(ctx, txHash, 1, settleReceiptTimeout)
	if err != nil || receipt.Status != chainkit.ReceiptSuccess {
		b.failAll(ctx, eligible, appErrors.New(appErrors.KindChainReverted, "batch.Settle", err))
	} else {
		b.completeAll(ctx, eligible, txHash)
	}

	bucket.WithdrawalIDs = nil
	bucket.Settled = true
	_ = b.saveBucket(ctx, *bucket)
}

func (b *Batcher) loadEligibleWithdrawals(ctx context.Context, ids []string) []*models.Withdrawal {
	out := make([]*models.Withdrawal, 0, len(ids))
	for _, id := range ids {
		w, err := b.loadWithdrawal(ctx, id)
		if err != nil || w == nil {
			continue
		}
		if w.State == models.WithdrawalAddedToBucket {
			out = append(out, w)
		}
	}
	return out
}

// precheckLiquidity is spec §4.5 step 6.
func (b *Batcher) precheckLiquidity(ctx context.Context, currency, tokenAddr string, total *big.Int) error {
	if currency == b.cfg.NativeCurrency {
		balance, err := b.adapter.GetNativeBalance(ctx, b.hotWalletAddress)
		if err != nil {
			return err
		}
		if balance.Cmp(total) < 0 {
			return appErrors.New(appErrors.KindInsufficientHotWalletLiquidity, "batch.precheckLiquidity", nil)
		}
		return nil
	}

	balance, err := b.adapter.GetTokenBalance(ctx, tokenAddr, b.hotWalletAddress)
	if err != nil {
		return err
	}
	if balance.Cmp(total) < 0 {
		return appErrors.New(appErrors.KindInsufficientHotWalletLiquidity, "batch.precheckLiquidity", nil)
	}

	allowance, err := b.adapter.GetAllowance(ctx, tokenAddr, b.hotWalletAddress, b.cfg.WithdrawalProcessorContract)
	if err != nil {
		return err
	}
	if allowance.Cmp(total) >= 0 {
		return nil
	}
	return b.approveProcessor(ctx, tokenAddr, total)
}

func (b *Batcher) approveProcessor(ctx context.Context, tokenAddr string, amount *big.Int) error {
	data, err := chainkit.PackApprove(common.HexToAddress(b.cfg.WithdrawalProcessorContract), amount)
	if err != nil {
		return err
	}
	estimated, err := b.adapter.EstimateGas(ctx, chainkit.Call{
		From: b.hotWalletAddress, To: tokenAddr, Data: data,
	})
	gasLimit := uint64(defaultGasLimitBatch)
	if err == nil {
		gasLimit = chainkit.WithGasBuffer(estimated)
	}

	gasPrice, err := b.adapter.GasPrice(ctx)
	if err != nil {
		return err
	}
	nonce, err := b.adapter.PendingNonceAt(ctx, b.hotWalletAddress)
	if err != nil {
		return err
	}
	signed, err := chainkit.BuildAndSignLegacyTx(b.adapter.ChainID(), nonce,
		common.HexToAddress(tokenAddr), big.NewInt(0), gasLimit, gasPrice, data, b.hotWalletKey)
	if err != nil {
		return err
	}
	hash, err := b.adapter.SendSigned(ctx, signed)
	if err != nil {
		return err
	}
	receipt, err := b.adapter.WaitForReceipt(ctx, hash, 1, settleReceiptTimeout)
	if err != nil {
		return err
	}
	if receipt.Status != chainkit.ReceiptSuccess {
		return appErrors.New(appErrors.KindChainReverted, "batch.approveProcessor", nil)
	}
	return nil
}

// submitBatch is spec §4.5 step 7.
func (b *Batcher) submitBatch(ctx context.Context, currency, tokenAddr string, recipients []string, amounts []*big.Int, total *big.Int) (string, error) {
	addrs := toAddresses(recipients)
	var data []byte
	var err error
	var value *big.Int = big.NewInt(0)

	if currency == b.cfg.NativeCurrency {
		data, err = chainkit.PackProcessBatchNative(addrs, amounts)
		value = total
	} else {
		data, err = chainkit.PackProcessBatchErc20(common.HexToAddress(tokenAddr), addrs, amounts)
	}
	if err != nil {
		return "", err
	}

	estimated, estErr := b.adapter.EstimateGas(ctx, chainkit.Call{
		From: b.hotWalletAddress, To: b.cfg.WithdrawalProcessorContract, Value: value, Data: data,
	})
	gasLimit := uint64(defaultGasLimitBatch)
	if estErr == nil {
		gasLimit = chainkit.WithGasBuffer(estimated)
	}

	gasPrice, err := b.adapter.GasPrice(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := b.adapter.PendingNonceAt(ctx, b.hotWalletAddress)
	if err != nil {
		return "", err
	}
	signed, err := chainkit.BuildAndSignLegacyTx(b.adapter.ChainID(), nonce,
		common.HexToAddress(b.cfg.WithdrawalProcessorContract), value, gasLimit, gasPrice, data, b.hotWalletKey)
	if err != nil {
		return "", err
	}
	return b.adapter.SendSigned(ctx, signed)
}

// completeAll settles each withdrawal's frozen funds and marks it
// completed as one store.BatchWrite (via Ledger.SettleAtomic) per
// withdrawal: a bucket must never end up Settled with a withdrawal's
// funds moved out of frozen but its own state stuck in processing,
// since a stuck-processing withdrawal has no other retry path once its
// bucket is marked Settled.
func (b *Batcher) completeAll(ctx context.Context, withdrawals []*models.Withdrawal, txHash string) {
	for _, w := range withdrawals {
		next := *w
		next.State = models.WithdrawalCompleted
		next.SettlementTx = txHash
		next.UpdatedAt = time.Now().Unix()
		op, err := b.withdrawalOp(&next)
		if err != nil {
			b.log.WithError(err).WithField("withdrawal", w.ID).Warn("failed to marshal withdrawal for settle")
			continue
		}
		if err := b.ledger.SettleAtomic(ctx, w.Username, w.Chain, w.Currency, w.Reserved, op); err != nil {
			b.log.WithError(err).WithField("withdrawal", w.ID).Warn("settle failed after successful batch tx")
			continue
		}
		*w = next
		b.publishWithdrawal(w)
		metrics.WithdrawalsSettled.WithLabelValues(w.Chain, w.Currency).Inc()
	}
}

// failAll unfreezes each withdrawal's reserved funds and marks it
// failed as one store.BatchWrite (via Ledger.UnfreezeAtomic), for the
// same reason completeAll does: an unfreeze that lands without its
// withdrawal's state save would leave the withdrawal stuck processing
// with no funds left reserved against it.
func (b *Batcher) failAll(ctx context.Context, withdrawals []*models.Withdrawal, cause error) {
	reason := "settlement_failed"
	if cause != nil {
		reason = cause.Error()
	}
	for _, w := range withdrawals {
		next := *w
		next.State = models.WithdrawalFailed
		next.FailureReason = reason
		next.UpdatedAt = time.Now().Unix()
		op, err := b.withdrawalOp(&next)
		if err != nil {
			b.log.WithError(err).WithField("withdrawal", w.ID).Warn("failed to marshal withdrawal for unfreeze")
			continue
		}
		if err := b.ledger.UnfreezeAtomic(ctx, w.Username, w.Chain, w.Currency, w.Reserved, op); err != nil {
			b.log.WithError(err).WithField("withdrawal", w.ID).Warn("unfreeze failed after settlement failure")
			continue
		}
		*w = next
		b.publishWithdrawal(w)
		metrics.WithdrawalsFailed.WithLabelValues(w.Chain, w.Currency, string(classify(cause))).Inc()
	}
}

func classify(err error) appErrors.Kind {
	if e, ok := err.(*appErrors.Error); ok {
		return e.Kind
	}
	return appErrors.KindChainRPC
}
