package indexer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
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

// fakeAdapter is a minimal in-memory chainkit.Adapter double. Only the
// methods the indexer pipeline actually calls are meaningfully
// implemented.
type fakeAdapter struct {
	head          uint64
	nonce         uint64
	balance       *big.Int
	receiptStatus chainkit.ReceiptStatus
	blocks        map[uint64]*chainkit.Block
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{head: 100, balance: big.NewInt(0), receiptStatus: chainkit.ReceiptSuccess}
}

func (f *fakeAdapter) SubscribeBlocks(ctx context.Context) (<-chan chainkit.BlockHeader, error) {
	ch := make(chan chainkit.BlockHeader)
	return ch, nil
}
func (f *fakeAdapter) GetBlockWithTxs(ctx context.Context, number uint64) (*chainkit.Block, error) {
	if b, ok := f.blocks[number]; ok {
		return b, nil
	}
	return &chainkit.Block{Number: number}, nil
}
func (f *fakeAdapter) SubscribeERC20Transfers(ctx context.Context, tokenAddr string) (<-chan chainkit.TransferEvent, error) {
	ch := make(chan chainkit.TransferEvent)
	return ch, nil
}
func (f *fakeAdapter) GetTransaction(ctx context.Context, hash string) (*chainkit.Transaction, error) {
	return nil, nil
}
func (f *fakeAdapter) CurrentBlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeAdapter) GetNativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeAdapter) GetTokenBalance(ctx context.Context, token, addr string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeAdapter) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }
func (f *fakeAdapter) EstimateGas(ctx context.Context, call chainkit.Call) (uint64, error) {
	return 21000, nil
}
func (f *fakeAdapter) SendSigned(ctx context.Context, tx chainkit.SignedTx) (string, error) {
	return "0xdeadbeef", nil
}
func (f *fakeAdapter) WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*chainkit.Receipt, error) {
	return &chainkit.Receipt{TxHash: hash, Status: f.receiptStatus, Block: f.head}, nil
}
func (f *fakeAdapter) PendingNonceAt(ctx context.Context, addr string) (uint64, error) {
	f.nonce++
	return f.nonce, nil
}
func (f *fakeAdapter) ChainID() int64 { return 1 }

type fakeKeyResolver struct {
	key *ecdsa.PrivateKey
}

func (r *fakeKeyResolver) KeyFor(username string) (*ecdsa.PrivateKey, error) { return r.key, nil }

func newTestIndexer(t *testing.T, adapter *fakeAdapter) (*Indexer, store.Store) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewMemoryStore()
	l := ledger.New(s)
	bus := notify.NewBus()
	cfg := config.ChainConfig{
		Name: "testchain", NativeCurrency: "ETH", RequiredConfirmations: 3,
		GasLimitNative: 21000, GasLimitERC20: 60000,
		Tokens: map[string]config.TokenConfig{},
	}
	windows := config.WindowConfig{MaxRetries: 3, RecoveryIntervalMin: 5, RecoveryLookback: 500, AverageBlockSeconds: 1}
	idx := New("testchain", cfg, adapter, s, l, bus, &fakeKeyResolver{key: priv}, "0xhotwallet", priv, windows)
	return idx, s
}

func TestAdmitDepositCreatesPendingRecordAndEnqueues(t *testing.T) {
	idx, _ := newTestIndexer(t, newFakeAdapter())
	idx.RegisterActiveAddress("alice", "0xUser1")

	idx.admitDeposit(context.Background(), admitParams{
		txHash: "0xabc", username: "alice", currency: "ETH",
		amountUnits: big.NewInt(1_000_000_000_000_000_000), sender: "0xsender",
		recipient: "0xUser1", startBlock: 90,
	})

	if !idx.isPending("ETH", "0xabc") {
		t.Fatal("expected deposit to be enqueued as pending")
	}
	d, err := idx.loadDeposit(context.Background(), "0xabc")
	if err != nil || d == nil {
		t.Fatalf("expected persisted deposit, got %v, %v", d, err)
	}
	if d.State != models.DepositPending {
		t.Fatalf("expected pending state, got %s", d.State)
	}
	if !d.Amount.Decimal().Equal(money.MustNew("1").Decimal()) {
		t.Fatalf("expected amount 1, got %s", d.Amount)
	}
}

// TestScanOnceUsesItsOwnCursorNotIngestResumePoint drives ingestBlock
// and scanOnce together the way S1 describes: a plain native transfer
// mined into a cached block must still be picked up by scanCachedBlock
// once ingestion has raced far ahead of the confirmation horizon.
// Reusing lastProcessedBlock (chased to near-head by every ingested
// block) as scanOnce's cursor made "last <= horizon" false forever
// once caught up; this pins scanOnce to its own lastScannedBlock key.
func TestScanOnceUsesItsOwnCursorNotIngestResumePoint(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	adapter.head = 10
	adapter.blocks = map[uint64]*chainkit.Block{
		5: {
			Number: 5,
			Txs: []chainkit.Transaction{
				{Hash: "0xdep", From: "0xsender", To: "0xUser1", Value: big.NewInt(1_000_000_000_000_000_000)},
			},
		},
	}
	idx, _ := newTestIndexer(t, adapter)
	idx.cfg.RequiredConfirmations = 3
	idx.RegisterActiveAddress("alice", "0xUser1")

	for n := uint64(0); n <= 5; n++ {
		if err := idx.ingestBlock(ctx, n); err != nil {
			t.Fatalf("ingestBlock(%d): %v", n, err)
		}
	}

	// Ingestion has moved the resume point to lastProcessed=5; the scan
	// horizon is head=10 minus confirmations=3 => 7, and further
	// ingestion would carry the resume point past it.
	if err := idx.scanOnce(ctx); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}

	if !idx.isPending("ETH", "0xdep") {
		t.Fatal("expected the native transfer in block 5 to be admitted as a pending deposit")
	}
	d, err := idx.loadDeposit(ctx, "0xdep")
	if err != nil || d == nil {
		t.Fatalf("expected persisted deposit, got %v, %v", d, err)
	}
	if d.StartBlock != 5 {
		t.Fatalf("expected start block 5, got %d", d.StartBlock)
	}

	// Ingest the remaining blocks up to head so lastProcessedBlock
	// tracks near-head, then confirm scanOnce keeps advancing its own
	// cursor from where it left off rather than reusing that key.
	for n := uint64(6); n <= 10; n++ {
		if err := idx.ingestBlock(ctx, n); err != nil {
			t.Fatalf("ingestBlock(%d): %v", n, err)
		}
	}
	last, err := idx.loadLastScannedBlock(ctx)
	if err != nil {
		t.Fatalf("loadLastScannedBlock: %v", err)
	}
	if last == 0 {
		t.Fatal("expected scanOnce to have advanced its own cursor past block 0")
	}
	processed, err := idx.loadLastProcessedBlock(ctx)
	if err != nil {
		t.Fatalf("loadLastProcessedBlock: %v", err)
	}
	if processed != 10 {
		t.Fatalf("expected ingest resume point at 10, got %d", processed)
	}
}

func TestAdvanceDepositCreditsAfterRequiredConfirmations(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.head = 95
	adapter.balance = big.NewInt(1) // the native sweep is sized from the deposit amount, not this balance
	idx, _ := newTestIndexer(t, adapter)
	idx.RegisterActiveAddress("bob", "0xUser2")

	idx.admitDeposit(context.Background(), admitParams{
		txHash: "0xdef", username: "bob", currency: "ETH",
		amountUnits: big.NewInt(2_000_000_000_000_000_000), sender: "0xsender",
		recipient: "0xUser2", startBlock: 90, // 95-90+1 = 6 >= 3 required confirmations
	})

	idx.advanceDeposit(context.Background(), "ETH", "0xdef")

	d, err := idx.loadDeposit(context.Background(), "0xdef")
	if err != nil || d == nil {
		t.Fatalf("expected persisted deposit, got %v, %v", d, err)
	}
	if d.State != models.DepositCredited {
		t.Fatalf("expected credited state, got %s / failure=%s", d.State, d.FailureKind)
	}

	bal, err := idx.ledger.Get(context.Background(), "bob", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Available.IsZero() {
		t.Fatal("expected non-zero credited available balance")
	}
	if idx.isPending("ETH", "0xdef") {
		t.Fatal("expected deposit to be dequeued after credit")
	}
}

func TestAdvanceDepositStaysConfirmingBelowThreshold(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.head = 91
	idx, _ := newTestIndexer(t, adapter)
	idx.RegisterActiveAddress("carol", "0xUser3")

	idx.admitDeposit(context.Background(), admitParams{
		txHash: "0xghi", username: "carol", currency: "ETH",
		amountUnits: big.NewInt(1_000_000_000_000_000_000), sender: "0xsender",
		recipient: "0xUser3", startBlock: 90, // 91-90+1 = 2 < 3 required
	})

	idx.advanceDeposit(context.Background(), "ETH", "0xghi")

	d, err := idx.loadDeposit(context.Background(), "0xghi")
	if err != nil || d == nil {
		t.Fatal(err)
	}
	if d.State != models.DepositConfirming {
		t.Fatalf("expected confirming state, got %s", d.State)
	}
	if !idx.isPending("ETH", "0xghi") {
		t.Fatal("expected deposit to remain pending until confirmed")
	}
}

// TestAdmitDepositDropsBelowMinimum is spec scenario S2: a transfer
// under the configured minimum creates no Deposit record and is never
// enqueued for confirmation tracking.
func TestAdmitDepositDropsBelowMinimum(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewMemoryStore()
	l := ledger.New(s)
	bus := notify.NewBus()
	cfg := config.ChainConfig{
		Name: "testchain", NativeCurrency: "ETH", RequiredConfirmations: 3,
		MinDeposit: "0.001", GasLimitNative: 21000, GasLimitERC20: 60000,
		Tokens: map[string]config.TokenConfig{},
	}
	windows := config.WindowConfig{MaxRetries: 3, RecoveryIntervalMin: 5, RecoveryLookback: 500, AverageBlockSeconds: 1}
	idx := New("testchain", cfg, newFakeAdapter(), s, l, bus, &fakeKeyResolver{key: priv}, "0xhotwallet", priv, windows)
	idx.RegisterActiveAddress("erin", "0xUser4")

	idx.admitDeposit(context.Background(), admitParams{
		txHash: "0xbelow", username: "erin", currency: "ETH",
		amountUnits: big.NewInt(500_000_000_000_000), // 0.0005 ETH, below 0.001 minimum
		sender: "0xsender", recipient: "0xUser4", startBlock: 90,
	})

	if idx.isPending("ETH", "0xbelow") {
		t.Fatal("expected below-minimum deposit not to be enqueued")
	}
	d, err := idx.loadDeposit(context.Background(), "0xbelow")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatalf("expected no deposit record for a below-minimum transfer, got %+v", d)
	}
}

// TestSweepRevertDoesNotCreditLedgerAndAllowsRetry exercises the sweep
// idempotency fix: a reverted sweep must never be mistaken for a
// delivered one on the next attempt, and must never credit the ledger.
func TestSweepRevertDoesNotCreditLedgerAndAllowsRetry(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.receiptStatus = chainkit.ReceiptReverted
	adapter.balance = big.NewInt(1)
	idx, _ := newTestIndexer(t, adapter)
	idx.RegisterActiveAddress("frank", "0xUser5")

	d := &models.Deposit{
		TxHash: "0xrevert", Username: "frank", Chain: "testchain", Currency: "ETH",
		Amount: money.MustNew("1"), Recipient: "0xUser5", Sender: "0xsender",
		State: models.DepositConfirmed,
	}
	if err := idx.saveDeposit(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	err := idx.sweep(context.Background(), d)
	if err == nil {
		t.Fatal("expected sweep to report the reverted receipt as an error")
	}
	if d.SweepConfirmed {
		t.Fatal("a reverted sweep must never be marked confirmed")
	}
	if d.SweepTxHash != "" {
		t.Fatal("a reverted sweep's hash must be cleared so a retry resubmits")
	}

	bal, err := idx.ledger.Get(context.Background(), "frank", "testchain", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Available.IsZero() {
		t.Fatalf("ledger must not be credited for an undelivered sweep, got %s", bal.Available)
	}

	// A retry after the fix (adapter now succeeds) must not be blocked
	// by stale state from the reverted attempt.
	adapter.receiptStatus = chainkit.ReceiptSuccess
	if err := idx.sweep(context.Background(), d); err != nil {
		t.Fatalf("retry after revert should succeed once the sweep tx lands: %v", err)
	}
	if !d.SweepConfirmed {
		t.Fatal("expected sweep confirmed after a successful retry")
	}
}

func TestReconcileRestoresNonTerminalDepositsIntoPendingQueues(t *testing.T) {
	idx, s := newTestIndexer(t, newFakeAdapter())

	pending := &models.Deposit{
		TxHash: "0x1", Username: "dave", Chain: "testchain", Currency: "ETH",
		Amount: money.MustNew("1"), State: models.DepositConfirming,
	}
	credited := &models.Deposit{
		TxHash: "0x2", Username: "dave", Chain: "testchain", Currency: "ETH",
		Amount: money.MustNew("1"), State: models.DepositCredited,
	}
	mustSaveDeposit(t, s, pending)
	mustSaveDeposit(t, s, credited)

	if err := idx.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !idx.isPending("ETH", "0x1") {
		t.Fatal("expected non-terminal deposit to be restored to pending queue")
	}
	if idx.isPending("ETH", "0x2") {
		t.Fatal("terminal deposit should not be restored")
	}
}

func mustSaveDeposit(t *testing.T, s store.Store, d *models.Deposit) {
	t.Helper()
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), models.DepositKey(d.TxHash), raw); err != nil {
		t.Fatal(err)
	}
}
