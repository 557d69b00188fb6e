package main

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/nnlgsakib/crypto-manager-engine/internal/account"
	"github.com/nnlgsakib/crypto-manager-engine/internal/batch"
	"github.com/nnlgsakib/crypto-manager-engine/internal/chainkit"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/indexer"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

// startChain wires one chain's adapter, indexer and batcher, registers
// the indexer with the account service, reconciles durable state, and
// starts the indexer's background workers.
func startChain(ctx context.Context, name string, chainCfg config.ChainConfig, windows config.WindowConfig, st store.Store, l *ledger.Ledger, bus *notify.Bus, acctSvc *account.Service, hotWalletAddress string, hotWalletKey *ecdsa.PrivateKey) (*chainEngine, error) {
	pollEvery := time.Duration(windows.ConfirmPollSeconds) * time.Second
	adapter, err := chainkit.New(name, chainCfg.RPCURL, chainCfg.HTTPRPCURL, chainCfg.ChainID, pollEvery)
	if err != nil {
		return nil, err
	}

	idx := indexer.New(name, chainCfg, adapter, st, l, bus, acctSvc, hotWalletAddress, hotWalletKey, windows)
	acctSvc.RegisterChain(name, idx)

	if err := idx.Reconcile(ctx); err != nil {
		return nil, err
	}
	if err := idx.Start(ctx); err != nil {
		return nil, err
	}

	b := batch.New(name, chainCfg, windows.WithdrawalWindowMs, adapter, st, l, bus, hotWalletAddress, hotWalletKey)
	if err := b.ReconcileBuckets(ctx); err != nil {
		return nil, err
	}

	return &chainEngine{name: name, indexer: idx, batcher: b}, nil
}
