package ledger

import (
	"context"
	"sync"
	"testing"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

func TestCreditAddsToAvailable(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	if err := l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("10.005")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	if bal.Available.String() != "10.01" {
		t.Fatalf("expected half-up rounded credit 10.01, got %s", bal.Available.String())
	}
}

func TestFreezeMovesAvailableToFrozen(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("100.00"))
	if err := l.Freeze(ctx, "alice", "mind", "USDT", money.MustNew("30.00")); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	if bal.Available.String() != "70.00" || bal.Frozen.String() != "30.00" {
		t.Fatalf("unexpected balances: available=%s frozen=%s", bal.Available, bal.Frozen)
	}
}

func TestFreezeInsufficientAvailable(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	err := l.Freeze(ctx, "alice", "mind", "USDT", money.MustNew("1.00"))
	if !appErrors.Is(err, appErrors.KindInsufficientAvailable) {
		t.Fatalf("expected InsufficientAvailable, got %v", err)
	}
}

func TestUnfreezeClampsRatherThanFails(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("50.00"))
	_ = l.Freeze(ctx, "alice", "mind", "USDT", money.MustNew("20.00"))

	if err := l.Unfreeze(ctx, "alice", "mind", "USDT", money.MustNew("999.00")); err != nil {
		t.Fatalf("unfreeze should never fail, got %v", err)
	}
	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	if bal.Frozen.String() != "0.00" {
		t.Fatalf("expected frozen clamped to 0, got %s", bal.Frozen)
	}
	if bal.Available.String() != "50.00" {
		t.Fatalf("expected available restored to 50.00, got %s", bal.Available)
	}
}

// TestFreezeThenSettleConservesTotal exercises property 2 from
// spec §8: for a balanced freeze followed by settle, the net effect on
// available+frozen equals -settled.
func TestFreezeThenSettleConservesTotal(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("100.00"))
	_ = l.Freeze(ctx, "alice", "mind", "USDT", money.MustNew("40.00"))
	if err := l.Settle(ctx, "alice", "mind", "USDT", money.MustNew("40.00")); err != nil {
		t.Fatalf("settle: %v", err)
	}

	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	total := bal.Available.Add(bal.Frozen)
	if total.String() != "60.00" {
		t.Fatalf("expected total 100-40=60.00, got %s", total)
	}
}

func TestSettleInsufficientFrozen(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	err := l.Settle(ctx, "alice", "mind", "USDT", money.MustNew("5.00"))
	if !appErrors.Is(err, appErrors.KindInsufficientFrozen) {
		t.Fatalf("expected InsufficientFrozen, got %v", err)
	}
}

func TestTransferIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("100.00"))
	if err := l.Transfer(ctx, "alice", "bob", "mind", "USDT", money.MustNew("25.00")); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBal, _ := l.Get(ctx, "alice", "mind", "USDT")
	bobBal, _ := l.Get(ctx, "bob", "mind", "USDT")
	if aliceBal.Available.String() != "75.00" {
		t.Fatalf("expected alice 75.00, got %s", aliceBal.Available)
	}
	if bobBal.Available.String() != "25.00" {
		t.Fatalf("expected bob 25.00, got %s", bobBal.Available)
	}
}

func TestTransferInsufficientAvailableLeavesBothUntouched(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("10.00"))
	err := l.Transfer(ctx, "alice", "bob", "mind", "USDT", money.MustNew("50.00"))
	if !appErrors.Is(err, appErrors.KindInsufficientAvailable) {
		t.Fatalf("expected InsufficientAvailable, got %v", err)
	}

	aliceBal, _ := l.Get(ctx, "alice", "mind", "USDT")
	bobBal, _ := l.Get(ctx, "bob", "mind", "USDT")
	if aliceBal.Available.String() != "10.00" {
		t.Fatalf("expected alice unchanged at 10.00, got %s", aliceBal.Available)
	}
	if !bobBal.Available.IsZero() {
		t.Fatalf("expected bob untouched at 0, got %s", bobBal.Available)
	}
}

// TestCreditAtomicAppliesExtraOpsWithTheBalance exercises spec §8's
// crash-window property: the balance write and an accompanying state
// write (e.g. marking a deposit credited) land together.
func TestCreditAtomicAppliesExtraOpsWithTheBalance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := New(s)

	extra := store.PutOp("deposit:0xabc", []byte(`{"state":"credited"}`))
	if err := l.CreditAtomic(ctx, "alice", "mind", "USDT", money.MustNew("10.00"), extra); err != nil {
		t.Fatalf("credit atomic: %v", err)
	}

	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	if bal.Available.String() != "10.00" {
		t.Fatalf("expected credited balance 10.00, got %s", bal.Available)
	}
	raw, err := s.Get(ctx, "deposit:0xabc")
	if err != nil {
		t.Fatalf("expected deposit state committed alongside the credit: %v", err)
	}
	if string(raw) != `{"state":"credited"}` {
		t.Fatalf("unexpected deposit state payload: %s", raw)
	}
}

// TestConcurrentCreditAndFreezeDoNotLoseAnUpdate is spec §5's "a deposit
// credit and a withdrawal freeze for the same balance may run
// concurrently" scenario: without per-balance-key locking, two
// concurrent load-modify-save cycles against the same key can race and
// silently drop one of the updates.
func TestConcurrentCreditAndFreezeDoNotLoseAnUpdate(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())
	_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("100.00"))

	var wg sync.WaitGroup
	const rounds = 50
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = l.Credit(ctx, "alice", "mind", "USDT", money.MustNew("1.00"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = l.Freeze(ctx, "alice", "mind", "USDT", money.MustNew("1.00"))
			_ = l.Unfreeze(ctx, "alice", "mind", "USDT", money.MustNew("1.00"))
		}
	}()
	wg.Wait()

	bal, _ := l.Get(ctx, "alice", "mind", "USDT")
	total := bal.Available.Add(bal.Frozen)
	if total.String() != "150.00" {
		t.Fatalf("expected total 100+50=150.00 with no lost updates, got %s", total)
	}
}

func TestGetReturnsZeroBalanceForUnknownAccount(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	bal, err := l.Get(ctx, "nobody", "mind", "USDT")
	if err != nil {
		t.Fatalf("get should never fail: %v", err)
	}
	if !bal.Available.IsZero() || !bal.Frozen.IsZero() {
		t.Fatalf("expected zero balance, got available=%s frozen=%s", bal.Available, bal.Frozen)
	}
}
