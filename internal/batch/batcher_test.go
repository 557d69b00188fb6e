package batch

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

type fakeAdapter struct {
	nativeBalance *big.Int
	tokenBalance  *big.Int
	allowance     *big.Int
	receiptStatus chainkit.ReceiptStatus
	nonce         uint64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		nativeBalance: big.NewInt(0), tokenBalance: big.NewInt(0), allowance: big.NewInt(0),
		receiptStatus: chainkit.ReceiptSuccess,
	}
}

func (f *fakeAdapter) SubscribeBlocks(ctx context.Context) (<-chan chainkit.BlockHeader, error) {
	return make(chan chainkit.BlockHeader), nil
}
func (f *fakeAdapter) GetBlockWithTxs(ctx context.Context, number uint64) (*chainkit.Block, error) {
	return &chainkit.Block{Number: number}, nil
}
func (f *fakeAdapter) SubscribeERC20Transfers(ctx context.Context, tokenAddr string) (<-chan chainkit.TransferEvent, error) {
	return make(chan chainkit.TransferEvent), nil
}
func (f *fakeAdapter) GetTransaction(ctx context.Context, hash string) (*chainkit.Transaction, error) {
	return nil, nil
}
func (f *fakeAdapter) CurrentBlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeAdapter) GetNativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	return f.nativeBalance, nil
}
func (f *fakeAdapter) GetTokenBalance(ctx context.Context, token, addr string) (*big.Int, error) {
	return f.tokenBalance, nil
}
func (f *fakeAdapter) GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return f.allowance, nil
}
func (f *fakeAdapter) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }
func (f *fakeAdapter) EstimateGas(ctx context.Context, call chainkit.Call) (uint64, error) {
	return 100000, nil
}
func (f *fakeAdapter) SendSigned(ctx context.Context, tx chainkit.SignedTx) (string, error) {
	return "0xbatchtx", nil
}
func (f *fakeAdapter) WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*chainkit.Receipt, error) {
	return &chainkit.Receipt{TxHash: hash, Status: f.receiptStatus, Block: 100}, nil
}
func (f *fakeAdapter) PendingNonceAt(ctx context.Context, addr string) (uint64, error) {
	f.nonce++
	return f.nonce, nil
}
func (f *fakeAdapter) ChainID() int64 { return 1 }

func newTestBatcher(t *testing.T, adapter *fakeAdapter, windowMs int64) (*Batcher, store.Store, *ledger.Ledger) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewMemoryStore()
	l := ledger.New(s)
	bus := notify.NewBus()
	cfg := config.ChainConfig{
		Name: "testchain", NativeCurrency: "ETH",
		MinWithdrawal: "1", MaxWithdrawal: "1000", WithdrawalFee: "0.5",
		WithdrawalProcessorContract: "0xprocessor",
	}
	b := New("testchain", cfg, windowMs, adapter, s, l, bus, "0xhotwallet", priv)
	return b, s, l
}

func creditUser(t *testing.T, l *ledger.Ledger, username, chain, currency, amount string) {
	t.Helper()
	if err := l.Credit(context.Background(), username, chain, currency, money.MustNew(amount)); err != nil {
		t.Fatal(err)
	}
}

func TestRequestFreezesReservedAmount(t *testing.T) {
	b, _, l := newTestBatcher(t, newFakeAdapter(), 60_000)
	creditUser(t, l, "alice", "testchain", "ETH", "100")

	w, err := b.Request(context.Background(), "alice", "ETH", "0xdest", money.MustNew("50"))
	if err != nil {
		t.Fatal(err)
	}
	if w.State != models.WithdrawalAddedToBucket {
		t.Fatalf("expected added_to_bucket, got %s", w.State)
	}
	if !w.Reserved.Decimal().Equal(money.MustNew("50.5").Decimal()) {
		t.Fatalf("expected reserved 50.5, got %s", w.Reserved)
	}

	bal, err := l.Get(context.Background(), "alice", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Frozen.Decimal().Equal(money.MustNew("50.5").Decimal()) {
		t.Fatalf("expected frozen 50.5, got %s", bal.Frozen)
	}
}

func TestRequestRejectsAmountOutsideLimits(t *testing.T) {
	b, _, l := newTestBatcher(t, newFakeAdapter(), 60_000)
	creditUser(t, l, "bob", "testchain", "ETH", "100")

	if _, err := b.Request(context.Background(), "bob", "ETH", "0xdest", money.MustNew("0.1")); err == nil {
		t.Fatal("expected validation error for amount below minimum")
	}
}

func TestSettleCompletesWithSufficientLiquidity(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.nativeBalance = big.NewInt(0).Mul(big.NewInt(1e18), big.NewInt(1000))
	b, _, l := newTestBatcher(t, adapter, 60_000)
	creditUser(t, l, "carol", "testchain", "ETH", "100")

	w, err := b.Request(context.Background(), "carol", "ETH", "0xdest", money.MustNew("50"))
	if err != nil {
		t.Fatal(err)
	}

	b.Settle(context.Background(), "ETH", currentWindowIndex(60_000))

	got, err := b.loadWithdrawal(context.Background(), w.ID)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.State != models.WithdrawalCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.State, got.FailureReason)
	}

	bal, err := l.Get(context.Background(), "carol", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Frozen.IsZero() {
		t.Fatalf("expected frozen to be settled to zero, got %s", bal.Frozen)
	}
}

func TestSettleFailsAndUnfreezesOnInsufficientLiquidity(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.nativeBalance = big.NewInt(0) // no liquidity
	b, _, l := newTestBatcher(t, adapter, 60_000)
	creditUser(t, l, "dave", "testchain", "ETH", "100")

	w, err := b.Request(context.Background(), "dave", "ETH", "0xdest", money.MustNew("50"))
	if err != nil {
		t.Fatal(err)
	}

	b.Settle(context.Background(), "ETH", currentWindowIndex(60_000))

	got, err := b.loadWithdrawal(context.Background(), w.ID)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.State != models.WithdrawalFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}

	bal, err := l.Get(context.Background(), "dave", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Available.Decimal().Equal(money.MustNew("100").Decimal()) {
		t.Fatalf("expected available restored to 100, got %s", bal.Available)
	}
	if !bal.Frozen.IsZero() {
		t.Fatalf("expected frozen back to zero, got %s", bal.Frozen)
	}
}

func TestSettleIsANoOpWhenBucketAlreadySettled(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.nativeBalance = big.NewInt(0).Mul(big.NewInt(1e18), big.NewInt(1000))
	b, _, l := newTestBatcher(t, adapter, 60_000)
	creditUser(t, l, "erin", "testchain", "ETH", "100")

	_, err := b.Request(context.Background(), "erin", "ETH", "0xdest", money.MustNew("50"))
	if err != nil {
		t.Fatal(err)
	}
	windowIndex := currentWindowIndex(60_000)

	b.Settle(context.Background(), "ETH", windowIndex)
	b.Settle(context.Background(), "ETH", windowIndex) // second call must not double-settle

	bal, err := l.Get(context.Background(), "erin", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	// 100 credited - (50 amount + 0.5 fee) reserved and settled once.
	if !bal.Available.Decimal().Equal(money.MustNew("49.5").Decimal()) {
		t.Fatalf("expected available 49.50 after a single settlement, got %s", bal.Available)
	}
}

// currentWindowIndex mirrors how Batcher itself computes a bucket's
// window index, for tests that need to call Settle directly against
// the bucket a just-created withdrawal landed in.
func currentWindowIndex(windowMs int64) int64 {
	return models.WindowIndex(time.Now().UnixMilli(), windowMs)
}
