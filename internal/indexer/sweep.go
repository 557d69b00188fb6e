package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
)

// tokenSweepReceiptTimeout is the "15s per attempt for token sweeps"
// bounded wait from spec §5.
const tokenSweepReceiptTimeout = 15 * time.Second

// sweep is spec §4.3 step 5. It is a no-op only once a sweep receipt has
// actually been observed as successful and persisted as such
// (SweepConfirmed): a recorded SweepTxHash alone is not proof of
// delivery, since the transaction it names may still revert or time
// out, so a retry after one of those outcomes must resubmit rather than
// assume the funds already reached the hot wallet.
func (idx *Indexer) sweep(ctx context.Context, d *models.Deposit) error {
	if d.SweepConfirmed {
		return nil
	}
	if d.Currency == idx.cfg.NativeCurrency {
		return idx.sweepNative(ctx, d)
	}
	return idx.sweepToken(ctx, d)
}

// awaitSweepReceipt waits for hash's receipt and persists the outcome
// before returning: ReceiptSuccess marks the deposit's sweep confirmed
// so the next sweep() call is a genuine no-op, anything else clears
// SweepTxHash so the next call resubmits instead of silently treating
// an undelivered sweep as done.
func (idx *Indexer) awaitSweepReceipt(ctx context.Context, d *models.Deposit, hash, op string) error {
	receipt, err := idx.adapter.WaitForReceipt(ctx, hash, 1, tokenSweepReceiptTimeout)
	if err != nil {
		d.SweepTxHash = ""
		_ = idx.saveDeposit(ctx, d)
		return err
	}
	if receipt.Status != chainkit.ReceiptSuccess {
		d.SweepTxHash = ""
		_ = idx.saveDeposit(ctx, d)
		if receipt.Status == chainkit.ReceiptReverted {
			return appErrors.New(appErrors.KindChainReverted, op, fmt.Errorf("sweep tx reverted"))
		}
		return appErrors.New(appErrors.KindChainRPC, op, fmt.Errorf("sweep receipt wait timed out"))
	}
	d.SweepConfirmed = true
	return idx.saveDeposit(ctx, d)
}

func (idx *Indexer) sweepNative(ctx context.Context, d *models.Deposit) error {
	userKey, err := idx.keys.KeyFor(d.Username)
	if err != nil {
		return appErrors.New(appErrors.KindConfiguration, "indexer.sweepNative", err)
	}

	gasPrice, err := idx.adapter.GasPrice(ctx)
	if err != nil {
		return err
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(idx.cfg.GasLimitNative))
	valueUnits := d.Amount.ToChainUnits(18)
	sweepValue := new(big.Int).Sub(valueUnits, gasCost)
	if sweepValue.Sign() <= 0 {
		return appErrors.New(appErrors.KindInsufficientAfterGas, "indexer.sweepNative",
			fmt.Errorf("value %s below gas cost %s", valueUnits, gasCost))
	}

	nonce, err := idx.adapter.PendingNonceAt(ctx, d.Recipient)
	if err != nil {
		return err
	}
	signed, err := chainkit.BuildAndSignLegacyTx(idx.adapter.ChainID(), nonce,
		common.HexToAddress(idx.hotWalletAddress), sweepValue, idx.cfg.GasLimitNative, gasPrice, nil, userKey)
	if err != nil {
		return err
	}

	hash, err := idx.adapter.SendSigned(ctx, signed)
	if err != nil {
		return err
	}
	d.SweepTxHash = hash
	if err := idx.saveDeposit(ctx, d); err != nil {
		return err
	}

	return idx.awaitSweepReceipt(ctx, d, hash, "indexer.sweepNative")
}

// sweepToken funds gas first (hot wallet -> user address), records the
// funding tx so it is never mistaken for a deposit (spec §4.4), then
// sweeps the token balance with the user's key.
func (idx *Indexer) sweepToken(ctx context.Context, d *models.Deposit) error {
	token := idx.cfg.Tokens[d.Currency]

	if err := idx.fundGasIfNeeded(ctx, d); err != nil {
		return err
	}

	userKey, err := idx.keys.KeyFor(d.Username)
	if err != nil {
		return appErrors.New(appErrors.KindConfiguration, "indexer.sweepToken", err)
	}

	amountUnits := d.Amount.ToChainUnits(token.Decimals)
	transferData, err := chainkit.PackErc20Transfer(common.HexToAddress(idx.hotWalletAddress), amountUnits)
	if err != nil {
		return err
	}

	estimated, err := idx.adapter.EstimateGas(ctx, chainkit.Call{
		From: d.Recipient, To: token.Address, Data: transferData,
	})
	if err != nil {
		return appErrors.New(appErrors.KindChainRPC, "indexer.sweepToken", err)
	}
	gasLimit := chainkit.WithGasBuffer(estimated)

	gasPrice, err := idx.adapter.GasPrice(ctx)
	if err != nil {
		return err
	}
	nonce, err := idx.adapter.PendingNonceAt(ctx, d.Recipient)
	if err != nil {
		return err
	}

	signed, err := chainkit.BuildAndSignLegacyTx(idx.adapter.ChainID(), nonce,
		common.HexToAddress(token.Address), big.NewInt(0), gasLimit, gasPrice, transferData, userKey)
	if err != nil {
		return err
	}

	hash, err := idx.adapter.SendSigned(ctx, signed)
	if err != nil {
		return err
	}
	d.SweepTxHash = hash
	if err := idx.saveDeposit(ctx, d); err != nil {
		return err
	}

	return idx.awaitSweepReceipt(ctx, d, hash, "indexer.sweepToken")
}

// fundGasIfNeeded is spec §4.3 step 5's token-sweep gas top-up: the hot
// wallet sends the user's deposit address just enough native currency
// to cover an ERC-20 transfer, and records the funding tx hash so the
// scan/transfer-log paths never re-admit it as a user deposit.
func (idx *Indexer) fundGasIfNeeded(ctx context.Context, d *models.Deposit) error {
	balance, err := idx.adapter.GetNativeBalance(ctx, d.Recipient)
	if err != nil {
		return err
	}
	gasPrice, err := idx.adapter.GasPrice(ctx)
	if err != nil {
		return err
	}
	needed := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(idx.cfg.GasLimitERC20))
	if balance.Cmp(needed) >= 0 {
		return nil
	}

	nonce, err := idx.adapter.PendingNonceAt(ctx, idx.hotWalletAddress)
	if err != nil {
		return err
	}
	signed, err := chainkit.BuildAndSignLegacyTx(idx.adapter.ChainID(), nonce,
		common.HexToAddress(d.Recipient), needed, 21000, gasPrice, nil, idx.hotWalletKey)
	if err != nil {
		return err
	}
	hash, err := idx.adapter.SendSigned(ctx, signed)
	if err != nil {
		return err
	}
	if err := idx.markGasFundingTx(ctx, hash, d.TxHash); err != nil {
		idx.log.WithError(err).Warn("failed to persist gas-funding filter entry")
	}

	receipt, err := idx.adapter.WaitForReceipt(ctx, hash, 1, tokenSweepReceiptTimeout)
	if err != nil {
		return err
	}
	if receipt.Status != chainkit.ReceiptSuccess {
		return appErrors.New(appErrors.KindChainReverted, "indexer.fundGasIfNeeded", fmt.Errorf("gas funding tx failed"))
	}
	return nil
}
