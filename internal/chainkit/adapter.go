// Package chainkit is the uniform per-chain abstraction the indexer
// and batch processor depend on (spec §4.2). It is grounded on the
// teacher's blockchain_transaction_service.go (gas pricing, EIP-155
// signing, chain-id re-verification) and
// linlinbupt123.../chain/eth.go (go-ethereum client wiring), reshaped
// from the teacher's request/response calls into the capability-set
// interface the spec names.
package chainkit

import (
	"context"
	"math/big"
	"time"
)

// BlockHeader is the push stream's payload.
type BlockHeader struct {
	Number uint64
	Hash   string
}

// Transaction is the narrow view the indexer needs of a mined
// transaction.
type Transaction struct {
	Hash        string
	From        string
	To          string // empty for contract creation
	Value       *big.Int
	Data        []byte
	BlockNumber uint64
}

// Block is a canonical block with its full transaction list.
type Block struct {
	Number uint64
	Hash   string
	Txs    []Transaction
}

// TransferEvent is a decoded ERC-20 Transfer(address,address,uint256)
// log.
type TransferEvent struct {
	TxHash      string
	Token       string
	From        string
	To          string
	Value       *big.Int
	BlockNumber uint64
}

// ReceiptStatus is the terminal outcome of wait_for_receipt.
type ReceiptStatus int

const (
	ReceiptSuccess ReceiptStatus = iota
	ReceiptReverted
	ReceiptTimeout
)

// Receipt is the settled outcome of a submitted transaction.
type Receipt struct {
	TxHash string
	Status ReceiptStatus
	Block  uint64
}

// SignedTx is an opaque RLP-encoded, already-signed transaction ready
// for send_signed.
type SignedTx struct {
	Raw  []byte
	Hash string
}

// Call describes a would-be contract call for estimate_gas.
type Call struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte
}

// Adapter is the capability set spec §4.2 names. The indexer and batch
// processor are coded against this interface and are oblivious to
// which transport profile (push or polling fallback) is currently
// delivering block events.
type Adapter interface {
	SubscribeBlocks(ctx context.Context) (<-chan BlockHeader, error)
	GetBlockWithTxs(ctx context.Context, number uint64) (*Block, error)
	SubscribeERC20Transfers(ctx context.Context, tokenAddr string) (<-chan TransferEvent, error)
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	GetNativeBalance(ctx context.Context, addr string) (*big.Int, error)
	GetTokenBalance(ctx context.Context, token, addr string) (*big.Int, error)
	// GetAllowance is the batch processor's ERC-20 liquidity precheck
	// read (spec §4.5 step 6).
	GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call Call) (uint64, error)
	SendSigned(ctx context.Context, tx SignedTx) (string, error)
	WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*Receipt, error)
	// PendingNonceAt is the one adapter capability spec §4.2 leaves
	// implicit: every send_signed caller needs a nonce to build the
	// transaction it is about to submit.
	PendingNonceAt(ctx context.Context, addr string) (uint64, error)
	ChainID() int64
}
