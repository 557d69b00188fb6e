// Package ledger holds the per-user balance state machine (spec §4.1):
// available/frozen splits with atomic credit/freeze/unfreeze/settle/
// transfer, backed by internal/store so every mutation survives a
// crash between the balance write and whatever else it accompanies.
package ledger

import (
	"context"
	"encoding/json"
	"sync"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/metrics"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ledger")

// Ledger is the sole write path to Balance records. Every mutation is a
// load-modify-save against the store, so within this process a
// per-balance-key mutex (the same keyed-lock shape internal/batch uses
// for buckets) serializes concurrent callers touching the same
// (username, chain, currency) triple — e.g. the indexer crediting a
// deposit while the batcher freezes a withdrawal for the same balance,
// which spec §5 allows to run concurrently. This only covers one
// process; see DESIGN.md for why a distributed deployment needs more.
type Ledger struct {
	store store.Store

	keyMu sync.Mutex
	locks map[string]*sync.Mutex
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lockFor(username, chain, currency string) *sync.Mutex {
	key := models.BalanceKey(username, chain, currency)
	l.keyMu.Lock()
	defer l.keyMu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Get returns the balance for (username, chain, currency), a zero
// balance if none exists yet. Never fails.
func (l *Ledger) Get(ctx context.Context, username, chain, currency string) (models.Balance, error) {
	return l.load(ctx, username, chain, currency)
}

func (l *Ledger) load(ctx context.Context, username, chain, currency string) (models.Balance, error) {
	raw, err := l.store.Get(ctx, models.BalanceKey(username, chain, currency))
	if err == store.ErrNotFound {
		return models.Balance{
			Username: username, Chain: chain, Currency: currency,
			Available: money.Zero, Frozen: money.Zero,
		}, nil
	}
	if err != nil {
		return models.Balance{}, appErrors.New(appErrors.KindConfiguration, "ledger.load", err)
	}
	var bal models.Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return models.Balance{}, appErrors.New(appErrors.KindConfiguration, "ledger.load", err)
	}
	return bal, nil
}

func (l *Ledger) save(ctx context.Context, bal models.Balance) error {
	op, err := l.balanceOp(bal)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, op.Key, op.Value); err != nil {
		return appErrors.New(appErrors.KindConfiguration, "ledger.save", err)
	}
	return nil
}

// balanceOp builds bal's persistence write without applying it, so a
// caller can fold it into a BatchWrite alongside another key (spec
// §8's "credit + mark deposit credited" / "settle + mark withdrawal
// completed" examples of why store.BatchWrite exists).
func (l *Ledger) balanceOp(bal models.Balance) (store.Op, error) {
	raw, err := json.Marshal(bal)
	if err != nil {
		return store.Op{}, appErrors.New(appErrors.KindConfiguration, "ledger.balanceOp", err)
	}
	return store.PutOp(models.BalanceKey(bal.Username, bal.Chain, bal.Currency), raw), nil
}

// Credit adds amount to available. Amount is rounded (not truncated)
// per spec §4.1: the caller's rounded value is authoritative on the
// credit path.
func (l *Ledger) Credit(ctx context.Context, username, chain, currency string, amount money.Amount) error {
	return l.CreditAtomic(ctx, username, chain, currency, amount)
}

// CreditAtomic behaves like Credit, but commits the balance write
// together with extraOps in a single store.BatchWrite so a caller's
// accompanying state transition (e.g. marking a deposit credited)
// either lands with the credit or not at all.
func (l *Ledger) CreditAtomic(ctx context.Context, username, chain, currency string, amount money.Amount, extraOps ...store.Op) error {
	mu := l.lockFor(username, chain, currency)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.load(ctx, username, chain, currency)
	if err != nil {
		return err
	}
	bal.Available = bal.Available.Add(amount.RoundCredit())
	op, err := l.balanceOp(bal)
	if err != nil {
		return err
	}
	if err := l.store.BatchWrite(ctx, append([]store.Op{op}, extraOps...)); err != nil {
		return appErrors.New(appErrors.KindConfiguration, "ledger.CreditAtomic", err)
	}
	return nil
}

// Freeze moves amount from available to frozen.
func (l *Ledger) Freeze(ctx context.Context, username, chain, currency string, amount money.Amount) error {
	mu := l.lockFor(username, chain, currency)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.load(ctx, username, chain, currency)
	if err != nil {
		return err
	}
	amount = amount.Truncate()
	if bal.Available.LessThan(amount) {
		metrics.LedgerInvariantViolations.WithLabelValues("freeze").Inc()
		return appErrors.New(appErrors.KindInsufficientAvailable, "ledger.Freeze", nil)
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Frozen = bal.Frozen.Add(amount)
	return l.save(ctx, bal)
}

// Unfreeze moves amount from frozen back to available. If amount
// exceeds what is frozen it clamps to what is frozen and logs a
// warning rather than failing (spec §4.1: "a deliberate policy so that
// compensating unfreezes after retries do not cascade into fatal
// errors").
func (l *Ledger) Unfreeze(ctx context.Context, username, chain, currency string, amount money.Amount) error {
	return l.UnfreezeAtomic(ctx, username, chain, currency, amount)
}

// UnfreezeAtomic behaves like Unfreeze, but commits the balance write
// together with extraOps in a single store.BatchWrite.
func (l *Ledger) UnfreezeAtomic(ctx context.Context, username, chain, currency string, amount money.Amount, extraOps ...store.Op) error {
	mu := l.lockFor(username, chain, currency)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.load(ctx, username, chain, currency)
	if err != nil {
		return err
	}
	amount = amount.Truncate()
	movable := money.Min(amount, bal.Frozen)
	if movable.LessThan(amount) {
		metrics.LedgerOverUnfreeze.WithLabelValues(chain, currency).Inc()
		log.WithFields(logrus.Fields{
			"username": username, "chain": chain, "currency": currency,
			"requested": amount.String(), "actual": movable.String(),
		}).Warn("unfreeze requested more than was frozen, clamping")
	}
	bal.Frozen = bal.Frozen.Sub(movable)
	bal.Available = bal.Available.Add(movable)
	op, err := l.balanceOp(bal)
	if err != nil {
		return err
	}
	if len(extraOps) == 0 {
		return l.save(ctx, bal)
	}
	if err := l.store.BatchWrite(ctx, append([]store.Op{op}, extraOps...)); err != nil {
		return appErrors.New(appErrors.KindConfiguration, "ledger.UnfreezeAtomic", err)
	}
	return nil
}

// Settle deducts amount from frozen without touching available: the
// withdrawal's funds have already left custody.
func (l *Ledger) Settle(ctx context.Context, username, chain, currency string, amount money.Amount) error {
	return l.SettleAtomic(ctx, username, chain, currency, amount)
}

// SettleAtomic behaves like Settle, but commits the balance write
// together with extraOps in a single store.BatchWrite so a bucket
// cannot be marked settled without its withdrawal's own save landing.
func (l *Ledger) SettleAtomic(ctx context.Context, username, chain, currency string, amount money.Amount, extraOps ...store.Op) error {
	mu := l.lockFor(username, chain, currency)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.load(ctx, username, chain, currency)
	if err != nil {
		return err
	}
	amount = amount.Truncate()
	if bal.Frozen.LessThan(amount) {
		metrics.LedgerInvariantViolations.WithLabelValues("settle").Inc()
		return appErrors.New(appErrors.KindInsufficientFrozen, "ledger.Settle", nil)
	}
	bal.Frozen = bal.Frozen.Sub(amount)
	op, err := l.balanceOp(bal)
	if err != nil {
		return err
	}
	if len(extraOps) == 0 {
		return l.save(ctx, bal)
	}
	if err := l.store.BatchWrite(ctx, append([]store.Op{op}, extraOps...)); err != nil {
		return appErrors.New(appErrors.KindConfiguration, "ledger.SettleAtomic", err)
	}
	return nil
}

// Transfer debits from's available and credits to's available for the
// same (chain, currency). Both balance keys are locked, in a
// deterministic order (lexicographically smaller key first) so two
// concurrent Transfers between the same pair of accounts can never
// deadlock, then applied via a single BatchWrite so either both sides
// commit or neither does.
func (l *Ledger) Transfer(ctx context.Context, from, to, chain, currency string, amount money.Amount) error {
	amount = amount.Truncate()

	fromKey := models.BalanceKey(from, chain, currency)
	toKey := models.BalanceKey(to, chain, currency)
	fromMu := l.lockFor(from, chain, currency)
	if fromKey == toKey {
		fromMu.Lock()
		defer fromMu.Unlock()
	} else {
		toMu := l.lockFor(to, chain, currency)
		first, second := fromMu, toMu
		if toKey < fromKey {
			first, second = toMu, fromMu
		}
		first.Lock()
		defer first.Unlock()
		second.Lock()
		defer second.Unlock()
	}

	fromBal, err := l.load(ctx, from, chain, currency)
	if err != nil {
		return err
	}
	if fromBal.Available.LessThan(amount) {
		metrics.LedgerInvariantViolations.WithLabelValues("transfer").Inc()
		return appErrors.New(appErrors.KindInsufficientAvailable, "ledger.Transfer", nil)
	}
	toBal, err := l.load(ctx, to, chain, currency)
	if err != nil {
		return err
	}

	fromBal.Available = fromBal.Available.Sub(amount)
	toBal.Available = toBal.Available.Add(amount)

	fromOp, err := l.balanceOp(fromBal)
	if err != nil {
		return err
	}
	toOp, err := l.balanceOp(toBal)
	if err != nil {
		return err
	}

	if err := l.store.BatchWrite(ctx, []store.Op{fromOp, toOp}); err != nil {
		return appErrors.New(appErrors.KindConfiguration, "ledger.Transfer", err)
	}
	return nil
}
