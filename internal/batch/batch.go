// Package batch implements the withdrawal request path and the
// time-windowed bucket settlement of spec §4.5. Its bucket
// lock/settle/reconcile shape is grounded on the same
// withdraw_timeout_service.go the indexer borrows its worker shape
// from: a per-key process-local lock guarding a single-shot settlement,
// plus a startup rescan for anything whose timer never fired.
package batch

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/metrics"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

// Batcher owns withdrawal batching for one chain.
type Batcher struct {
	chainName string
	cfg       config.ChainConfig
	windowMs  int64
	adapter   chainkit.Adapter
	store     store.Store
	ledger    *ledger.Ledger
	bus       *notify.Bus

	hotWalletAddress string
	hotWalletKey     *ecdsa.PrivateKey

	settleMu   sync.Mutex
	settleLock map[string]*sync.Mutex

	log    *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires one Batcher for chainName.
func New(chainName string, cfg config.ChainConfig, windowMs int64, adapter chainkit.Adapter, s store.Store, l *ledger.Ledger, bus *notify.Bus, hotWalletAddress string, hotWalletKey *ecdsa.PrivateKey) *Batcher {
	return &Batcher{
		chainName:        chainName,
		cfg:              cfg,
		windowMs:         windowMs,
		adapter:          adapter,
		store:            s,
		ledger:           l,
		bus:              bus,
		hotWalletAddress: strings.ToLower(hotWalletAddress),
		hotWalletKey:     hotWalletKey,
		settleLock:       make(map[string]*sync.Mutex),
		log:              logrus.WithFields(logrus.Fields{"component": "batch", "chain": chainName}),
		stopCh:           make(chan struct{}),
	}
}

func (b *Batcher) lockFor(bucketID string) *sync.Mutex {
	b.settleMu.Lock()
	defer b.settleMu.Unlock()
	m, ok := b.settleLock[bucketID]
	if !ok {
		m = &sync.Mutex{}
		b.settleLock[bucketID] = m
	}
	return m
}

func (b *Batcher) limits(currency string) (minW, maxW, fee money.Amount, decimals int, tokenAddr string) {
	if currency == b.cfg.NativeCurrency {
		return money.MustNew(orDefault(b.cfg.MinWithdrawal, "0")),
			money.MustNew(orDefault(b.cfg.MaxWithdrawal, "0")),
			money.MustNew(orDefault(b.cfg.WithdrawalFee, "0")), 18, ""
	}
	t := b.cfg.Tokens[currency]
	return money.MustNew(orDefault(t.MinWithdrawal, "0")),
		money.MustNew(orDefault(t.MaxWithdrawal, "0")),
		money.MustNew(orDefault(t.WithdrawalFee, "0")), t.Decimals, t.Address
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Request is spec §4.5's withdrawal request path, steps 1-4.
func (b *Batcher) Request(ctx context.Context, username, currency, destination string, amount money.Amount) (*models.Withdrawal, error) {
	minW, maxW, fee, _, tokenAddr := b.limits(currency)
	if amount.LessThan(minW) || (maxW.GreaterThan(money.MustNew("0")) && amount.GreaterThan(maxW)) {
		return nil, appErrors.New(appErrors.KindValidation, "batch.Request",
			fmt.Errorf("amount %s outside [%s, %s]", amount, minW, maxW))
	}

	reserved := amount.Add(fee)
	if err := b.ledger.Freeze(ctx, username, b.chainName, currency, reserved); err != nil {
		return nil, err
	}

	now := time.Now()
	w := &models.Withdrawal{
		ID: uuid.NewString(), Username: username, Chain: b.chainName,
		Currency: currency, TokenAddress: tokenAddr, Amount: amount, Fee: fee,
		Reserved: reserved, Destination: destination, State: models.WithdrawalCreated,
		CreatedAt: now.Unix(), UpdatedAt: now.Unix(),
	}
	if err := b.saveWithdrawal(ctx, w); err != nil {
		_ = b.ledger.Unfreeze(ctx, username, b.chainName, currency, reserved)
		return nil, err
	}

	if err := b.assignToBucket(ctx, w, now); err != nil {
		return nil, err
	}
	metrics.WithdrawalsCreated.WithLabelValues(b.chainName, currency).Inc()
	return w, nil
}

// assignToBucket is spec §4.5 step 4.
func (b *Batcher) assignToBucket(ctx context.Context, w *models.Withdrawal, now time.Time) error {
	nowMillis := now.UnixMilli()
	windowIndex := models.WindowIndex(nowMillis, b.windowMs)
	bucketID := models.BucketID(b.chainName, w.Currency, windowIndex)

	lock := b.lockFor(bucketID)
	lock.Lock()
	defer lock.Unlock()

	bucket, err := b.loadBucket(ctx, w.Currency, windowIndex)
	if err != nil {
		return err
	}
	fresh := bucket == nil || (bucket.ExpiresAt <= nowMillis)
	if fresh {
		bucket = &models.Bucket{
			Chain: b.chainName, Currency: w.Currency, WindowIndex: windowIndex,
			CreatedAt: nowMillis, ExpiresAt: nowMillis + b.windowMs,
		}
		b.wg.Add(1)
		go b.scheduleSettlement(bucketID, w.Currency, windowIndex, time.Duration(b.windowMs)*time.Millisecond)
	}
	bucket.WithdrawalIDs = append(bucket.WithdrawalIDs, w.ID)
	if err := b.saveBucket(ctx, *bucket); err != nil {
		return err
	}

	w.State = models.WithdrawalAddedToBucket
	w.BucketID = bucketID
	w.UpdatedAt = time.Now().Unix()
	if err := b.saveWithdrawal(ctx, w); err != nil {
		return err
	}
	b.publishWithdrawal(w)
	return nil
}

func (b *Batcher) scheduleSettlement(bucketID, currency string, windowIndex int64, delay time.Duration) {
	defer b.wg.Done()
	select {
	case <-time.After(delay):
	case <-b.stopCh:
		return
	}
	b.Settle(context.Background(), currency, windowIndex)
}

// Stop signals background settlement goroutines and waits for
// in-flight settlements to finish (spec §5: "graceful shutdown waits
// for all in-flight settlements to reach a terminal ledger state").
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Batcher) publishWithdrawal(w *models.Withdrawal) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(notify.Event{
		Type: notify.EventWithdrawalUpdate, Username: w.Username,
		Chain: w.Chain, Currency: w.Currency, Status: string(w.State),
		Payload: w,
	})
}

func amountToOnChainUnits(a money.Amount, decimals int) *big.Int {
	return a.ToChainUnits(decimals)
}

func sumBigInt(vals []*big.Int) *big.Int {
	total := big.NewInt(0)
	for _, v := range vals {
		total.Add(total, v)
	}
	return total
}

func toAddresses(addrs []string) []common.Address {
	out := make([]common.Address, len(addrs))
	for i, a := range addrs {
		out[i] = common.HexToAddress(a)
	}
	return out
}

func (b *Batcher) loadBucket(ctx context.Context, currency string, windowIndex int64) (*models.Bucket, error) {
	raw, err := b.store.Get(ctx, models.BucketKey(b.chainName, currency, windowIndex))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bucket models.Bucket
	if err := json.Unmarshal(raw, &bucket); err != nil {
		return nil, err
	}
	return &bucket, nil
}

func (b *Batcher) saveBucket(ctx context.Context, bucket models.Bucket) error {
	raw, err := json.Marshal(bucket)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, models.BucketKey(bucket.Chain, bucket.Currency, bucket.WindowIndex), raw)
}

func (b *Batcher) loadWithdrawal(ctx context.Context, id string) (*models.Withdrawal, error) {
	raw, err := b.store.Get(ctx, models.WithdrawalKey(id))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w models.Withdrawal
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (b *Batcher) saveWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	op, err := b.withdrawalOp(w)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, op.Key, op.Value)
}

// withdrawalOp builds w's persistence write without applying it, so
// completeAll/failAll can fold it into the same store.BatchWrite as
// the accompanying ledger settle/unfreeze (internal/ledger's
// SettleAtomic/UnfreezeAtomic).
func (b *Batcher) withdrawalOp(w *models.Withdrawal) (store.Op, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return store.Op{}, err
	}
	return store.PutOp(models.WithdrawalKey(w.ID), raw), nil
}

