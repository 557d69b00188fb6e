// Package indexer transforms chain events into ledger credits,
// preserving at-most-once credit semantics (spec §4.3). Its
// ticker/stopCh worker shape and upsert-by-key persistence pattern are
// grounded on the teacher's internal/services/withdraw_timeout_service.go
// (Start/Stop/stopCh, periodic checkTimeouts) and
// blockchain_event_processor.go (per-chain event consumption).
package indexer

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

// KeyResolver looks up an account's derived signing key by username,
// the one-way facade spec §9's "cyclic dependency" note calls for: the
// wallet/account layer registers addresses into the indexer, and the
// indexer asks the same facade for a key only when it needs to sign a
// sweep. The indexer never calls back into wallet creation logic.
type KeyResolver interface {
	KeyFor(username string) (*ecdsa.PrivateKey, error)
}

// Indexer watches one chain end to end: ingest, scan, confirm, sweep,
// credit, cleanup.
type Indexer struct {
	chainName  string
	cfg        config.ChainConfig
	adapter    chainkit.Adapter
	store      store.Store
	ledger     *ledger.Ledger
	bus        *notify.Bus
	keys       KeyResolver
	windows    config.WindowConfig
	maxRetries int

	hotWalletAddress string
	hotWalletKey     *ecdsa.PrivateKey

	activeMu        sync.RWMutex
	activeAddresses map[string]string // lowercased address -> username

	pendingMu sync.Mutex
	pending   map[string]map[string]struct{} // currency -> set of tx hashes

	log    *logrus.Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires one Indexer for chainName. hotWalletKey signs every
// gas-funding top-up; per-user sweep transactions are signed with keys
// obtained from keys. windows carries the recovery/cache/retry cadence
// spec §6's configuration table names, so a deployment can tune them
// without a rebuild.
func New(chainName string, cfg config.ChainConfig, adapter chainkit.Adapter, s store.Store, l *ledger.Ledger, bus *notify.Bus, keys KeyResolver, hotWalletAddress string, hotWalletKey *ecdsa.PrivateKey, windows config.WindowConfig) *Indexer {
	return &Indexer{
		chainName:        chainName,
		cfg:              cfg,
		adapter:          adapter,
		store:            s,
		ledger:           l,
		bus:              bus,
		keys:             keys,
		windows:          windows,
		maxRetries:       windows.MaxRetries,
		hotWalletAddress: strings.ToLower(hotWalletAddress),
		hotWalletKey:     hotWalletKey,
		activeAddresses:  make(map[string]string),
		pending:          make(map[string]map[string]struct{}),
		log:              logrus.WithFields(logrus.Fields{"component": "indexer", "chain": chainName}),
		stopCh:           make(chan struct{}),
	}
}

// RegisterActiveAddress is the one-way call the wallet/account layer
// makes at account creation time (spec §9).
func (idx *Indexer) RegisterActiveAddress(username, address string) {
	idx.activeMu.Lock()
	defer idx.activeMu.Unlock()
	idx.activeAddresses[strings.ToLower(address)] = username
}

func (idx *Indexer) lookupActiveAddress(address string) (string, bool) {
	idx.activeMu.RLock()
	defer idx.activeMu.RUnlock()
	u, ok := idx.activeAddresses[strings.ToLower(address)]
	return u, ok
}

func (idx *Indexer) enqueuePending(currency, txHash string) {
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	set, ok := idx.pending[currency]
	if !ok {
		set = make(map[string]struct{})
		idx.pending[currency] = set
	}
	set[txHash] = struct{}{}
}

func (idx *Indexer) dequeuePending(currency, txHash string) {
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	if set, ok := idx.pending[currency]; ok {
		delete(set, txHash)
	}
}

func (idx *Indexer) isPending(currency, txHash string) bool {
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	_, ok := idx.pending[currency][txHash]
	return ok
}

func (idx *Indexer) pendingSnapshot(currency string) []string {
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	out := make([]string, 0, len(idx.pending[currency]))
	for h := range idx.pending[currency] {
		out = append(out, h)
	}
	return out
}

// currencies returns every currency this chain tracks: the native
// asset plus every configured token symbol.
func (idx *Indexer) currencies() []string {
	out := []string{idx.cfg.NativeCurrency}
	for symbol := range idx.cfg.Tokens {
		out = append(out, symbol)
	}
	return out
}

// Start launches ingest, scan, per-currency confirm workers, the block
// recovery loop and the block-cache cleanup loop. Reconcile should be
// called once before Start on process startup.
func (idx *Indexer) Start(ctx context.Context) error {
	headers, err := idx.adapter.SubscribeBlocks(ctx)
	if err != nil {
		return err
	}
	idx.wg.Add(1)
	go idx.ingestLoop(ctx, headers)

	for symbol, token := range idx.cfg.Tokens {
		transfers, err := idx.adapter.SubscribeERC20Transfers(ctx, token.Address)
		if err != nil {
			idx.log.WithError(err).WithField("token", symbol).Warn("failed to subscribe to token transfers")
			continue
		}
		idx.wg.Add(1)
		go idx.tokenTransferLoop(ctx, symbol, token, transfers)
	}

	idx.wg.Add(1)
	go idx.scanLoop(ctx)

	for _, currency := range idx.currencies() {
		idx.wg.Add(1)
		go idx.confirmLoop(ctx, currency)
	}

	idx.wg.Add(1)
	go idx.recoveryLoop(ctx)

	idx.wg.Add(1)
	go idx.cacheCleanupLoop(ctx)

	return nil
}

// Stop signals every worker to exit and waits for them, matching the
// "new admissions stop accepting first" ordering spec §5 asks for at
// shutdown.
func (idx *Indexer) Stop() {
	close(idx.stopCh)
	idx.wg.Wait()
}

func (idx *Indexer) sleepOrStop(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-idx.stopCh:
		return false
	}
}
