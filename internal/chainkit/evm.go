package chainkit

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/metrics"
)

var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var erc20ABI abi.ABI

func init() {
	balanceOfType, _ := abi.NewType("uint256", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	erc20ABI = abi.ABI{
		Methods: map[string]abi.Method{
			"balanceOf": abi.NewMethod("balanceOf", "balanceOf", abi.Function, "view", false, false,
				abi.Arguments{{Name: "account", Type: addressType}},
				abi.Arguments{{Name: "", Type: balanceOfType}}),
			"transfer": abi.NewMethod("transfer", "transfer", abi.Function, "nonpayable", false, false,
				abi.Arguments{{Name: "to", Type: addressType}, {Name: "amount", Type: balanceOfType}},
				abi.Arguments{}),
			"allowance": abi.NewMethod("allowance", "allowance", abi.Function, "view", false, false,
				abi.Arguments{{Name: "owner", Type: addressType}, {Name: "spender", Type: addressType}},
				abi.Arguments{{Name: "", Type: balanceOfType}}),
			"approve": abi.NewMethod("approve", "approve", abi.Function, "nonpayable", false, false,
				abi.Arguments{{Name: "spender", Type: addressType}, {Name: "amount", Type: balanceOfType}},
				abi.Arguments{}),
		},
	}
}

// reconnect policy from spec §4.2: exponential backoff starting at 3s,
// doubling, capped at five attempts, before falling back to polling.
const (
	reconnectBaseDelay = 3 * time.Second
	reconnectMaxTries  = 5
)

// EVMAdapter is the go-ethereum-backed Adapter implementation. It owns
// two clients: pushClient for the persistent block/log subscriptions,
// pullClient for request/response RPC including every signed
// submission (spec §4.2's "two transport profiles").
type EVMAdapter struct {
	name       string
	chainID    int64
	pushURL    string
	pullURL    string
	pollEvery  time.Duration

	mu         sync.Mutex
	pushClient *ethclient.Client
	pullClient *ethclient.Client

	polling atomic.Bool
	log     *logrus.Entry
}

// New dials the pull transport eagerly (every RPC call needs it) and
// leaves the push transport to be dialed lazily by SubscribeBlocks.
func New(name, pushURL, pullURL string, chainID int64, pollEvery time.Duration) (*EVMAdapter, error) {
	pull, err := ethclient.Dial(pullURL)
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.New", err)
	}
	if err := verifyChainID(pull, chainID); err != nil {
		return nil, err
	}
	if pollEvery <= 0 {
		pollEvery = 12 * time.Second
	}
	return &EVMAdapter{
		name: name, chainID: chainID, pushURL: pushURL, pullURL: pullURL,
		pullClient: pull, pollEvery: pollEvery,
		log: logrus.WithFields(logrus.Fields{"component": "chainkit", "chain": name}),
	}, nil
}

func verifyChainID(client *ethclient.Client, want int64) error {
	got, err := client.NetworkID(context.Background())
	if err != nil {
		return appErrors.New(appErrors.KindChainRPC, "chainkit.verifyChainID", err)
	}
	if got.Int64() != want {
		return appErrors.New(appErrors.KindConfiguration, "chainkit.verifyChainID",
			fmt.Errorf("chain id mismatch: configured %d, RPC reports %d", want, got.Int64()))
	}
	return nil
}

func (e *EVMAdapter) ChainID() int64 { return e.chainID }

// dialPush lazily connects the push transport, re-verifying chain id
// every time a connection is (re)established, per spec §4.2.
func (e *EVMAdapter) dialPush(ctx context.Context) (*ethclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pushClient != nil {
		return e.pushClient, nil
	}
	client, err := ethclient.DialContext(ctx, e.pushURL)
	if err != nil {
		return nil, err
	}
	if err := verifyChainID(client, e.chainID); err != nil {
		client.Close()
		return nil, err
	}
	e.pushClient = client
	return client, nil
}

func (e *EVMAdapter) invalidatePush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pushClient != nil {
		e.pushClient.Close()
		e.pushClient = nil
	}
}

// SubscribeBlocks streams new head numbers, reconnecting with
// exponential backoff before dropping to a polling fallback that
// synthesizes the same stream from current_block_number.
func (e *EVMAdapter) SubscribeBlocks(ctx context.Context) (<-chan BlockHeader, error) {
	out := make(chan BlockHeader, 64)
	go e.runBlockStream(ctx, out)
	return out, nil
}

func (e *EVMAdapter) runBlockStream(ctx context.Context, out chan<- BlockHeader) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := e.dialPush(ctx)
		if err != nil {
			e.log.WithError(err).Warn("push transport dial failed")
			if !e.reconnectWithBackoff(ctx) {
				e.pollBlocks(ctx, out)
				return
			}
			continue
		}

		headers := make(chan *types.Header, 16)
		sub, err := client.SubscribeNewHead(ctx, headers)
		if err != nil {
			e.log.WithError(err).Warn("subscribe new head failed")
			e.invalidatePush()
			if !e.reconnectWithBackoff(ctx) {
				e.pollBlocks(ctx, out)
				return
			}
			continue
		}

		e.log.Info("push transport streaming block headers")
	consume:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				e.log.WithError(err).Warn("push subscription dropped")
				e.invalidatePush()
				if !e.reconnectWithBackoff(ctx) {
					e.pollBlocks(ctx, out)
					return
				}
				break consume
			case h := <-headers:
				select {
				case out <- BlockHeader{Number: h.Number.Uint64(), Hash: h.Hash().Hex()}:
				case <-ctx.Done():
					sub.Unsubscribe()
					return
				}
			}
		}
	}
}

// reconnectWithBackoff retries up to reconnectMaxTries times, doubling
// the delay each attempt starting at reconnectBaseDelay. Returns true
// if a subsequent dial should be attempted, false once attempts are
// exhausted (caller then switches to polling).
func (e *EVMAdapter) reconnectWithBackoff(ctx context.Context) bool {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxTries; attempt++ {
		metrics.ChainReconnects.WithLabelValues(e.name).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		if _, err := e.dialPush(ctx); err == nil {
			return true
		}
		delay *= 2
	}
	e.log.Warn("exhausted reconnect attempts, switching to polling fallback")
	return false
}

func (e *EVMAdapter) pollBlocks(ctx context.Context, out chan<- BlockHeader) {
	e.polling.Store(true)
	metrics.ChainPollingFallbackActive.WithLabelValues(e.name).Set(1)
	defer func() {
		e.polling.Store(false)
		metrics.ChainPollingFallbackActive.WithLabelValues(e.name).Set(0)
	}()

	var lastSeen uint64
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.CurrentBlockNumber(ctx)
			if err != nil {
				e.log.WithError(err).Warn("polling fallback: current_block_number failed")
				continue
			}
			if n <= lastSeen {
				continue
			}
			for b := lastSeen + 1; b <= n; b++ {
				select {
				case out <- BlockHeader{Number: b}:
				case <-ctx.Done():
					return
				}
			}
			lastSeen = n
		}
	}
}

func (e *EVMAdapter) GetBlockWithTxs(ctx context.Context, number uint64) (*Block, error) {
	block, err := e.pullClient.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GetBlockWithTxs", err)
	}
	txs := make([]Transaction, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		txs = append(txs, toTransaction(tx, number))
	}
	return &Block{Number: number, Hash: block.Hash().Hex(), Txs: txs}, nil
}

func toTransaction(tx *types.Transaction, blockNumber uint64) Transaction {
	var to string
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	from, _ := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	return Transaction{
		Hash:        tx.Hash().Hex(),
		From:        from.Hex(),
		To:          to,
		Value:       tx.Value(),
		Data:        tx.Data(),
		BlockNumber: blockNumber,
	}
}

// SubscribeERC20Transfers subscribes to Transfer(address,address,uint256)
// logs for one token address, reconnecting the same way SubscribeBlocks
// does.
func (e *EVMAdapter) SubscribeERC20Transfers(ctx context.Context, tokenAddr string) (<-chan TransferEvent, error) {
	out := make(chan TransferEvent, 64)
	go e.runTransferStream(ctx, tokenAddr, out)
	return out, nil
}

func (e *EVMAdapter) runTransferStream(ctx context.Context, tokenAddr string, out chan<- TransferEvent) {
	defer close(out)

	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(tokenAddr)},
		Topics:    [][]common.Hash{{transferEventTopic}},
	}

	for {
		if ctx.Err() != nil {
			return
		}
		client, err := e.dialPush(ctx)
		if err != nil {
			if !e.reconnectWithBackoff(ctx) {
				e.pollTransfers(ctx, tokenAddr, out)
				return
			}
			continue
		}

		logs := make(chan types.Log, 32)
		sub, err := client.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			e.invalidatePush()
			if !e.reconnectWithBackoff(ctx) {
				e.pollTransfers(ctx, tokenAddr, out)
				return
			}
			continue
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				e.log.WithError(err).Warn("transfer log subscription dropped")
				e.invalidatePush()
				if !e.reconnectWithBackoff(ctx) {
					e.pollTransfers(ctx, tokenAddr, out)
					return
				}
				break consume
			case lg := <-logs:
				if ev, ok := decodeTransferLog(lg); ok {
					select {
					case out <- ev:
					case <-ctx.Done():
						sub.Unsubscribe()
						return
					}
				}
			}
		}
	}
}

// pollTransfers is runTransferStream's fallback once push reconnection
// is exhausted, mirroring pollBlocks: it re-derives Transfer logs for
// tokenAddr from the pull transport instead of permanently ending
// ERC-20 deposit detection. Token deposits are admitted exclusively via
// this log stream, and the block-cache recovery loop never re-derives
// Transfer logs from cached blocks, so without this fallback a
// sustained push-transport outage would silently and permanently stop
// all ERC-20 deposit detection.
func (e *EVMAdapter) pollTransfers(ctx context.Context, tokenAddr string, out chan<- TransferEvent) {
	e.polling.Store(true)
	metrics.ChainPollingFallbackActive.WithLabelValues(e.name).Set(1)
	defer func() {
		e.polling.Store(false)
		metrics.ChainPollingFallbackActive.WithLabelValues(e.name).Set(0)
	}()

	lastSeen, err := e.CurrentBlockNumber(ctx)
	if err != nil {
		e.log.WithError(err).Warn("transfer polling fallback: current_block_number failed")
	}

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := e.CurrentBlockNumber(ctx)
			if err != nil {
				e.log.WithError(err).Warn("transfer polling fallback: current_block_number failed")
				continue
			}
			if head <= lastSeen {
				continue
			}
			query := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(lastSeen + 1),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{common.HexToAddress(tokenAddr)},
				Topics:    [][]common.Hash{{transferEventTopic}},
			}
			logs, err := e.pullClient.FilterLogs(ctx, query)
			if err != nil {
				e.log.WithError(err).Warn("transfer polling fallback: filter_logs failed")
				continue
			}
			for _, lg := range logs {
				if ev, ok := decodeTransferLog(lg); ok {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			lastSeen = head
		}
	}
}

func decodeTransferLog(lg types.Log) (TransferEvent, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) < 32 {
		return TransferEvent{}, false
	}
	return TransferEvent{
		TxHash:      lg.TxHash.Hex(),
		Token:       lg.Address.Hex(),
		From:        common.HexToAddress(lg.Topics[1].Hex()).Hex(),
		To:          common.HexToAddress(lg.Topics[2].Hex()).Hex(),
		Value:       new(big.Int).SetBytes(lg.Data),
		BlockNumber: lg.BlockNumber,
	}, true
}

func (e *EVMAdapter) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	tx, isPending, err := e.pullClient.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GetTransaction", err)
	}
	var blockNumber uint64
	if !isPending {
		receipt, err := e.pullClient.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			blockNumber = receipt.BlockNumber.Uint64()
		}
	}
	t := toTransaction(tx, blockNumber)
	return &t, nil
}

func (e *EVMAdapter) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	n, err := e.pullClient.BlockNumber(ctx)
	if err != nil {
		return 0, appErrors.New(appErrors.KindChainRPC, "chainkit.CurrentBlockNumber", err)
	}
	return n, nil
}

func (e *EVMAdapter) GetNativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	bal, err := e.pullClient.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GetNativeBalance", err)
	}
	return bal, nil
}

func (e *EVMAdapter) GetTokenBalance(ctx context.Context, token, addr string) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.GetTokenBalance", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := e.pullClient.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GetTokenBalance", err)
	}
	var out *big.Int
	if err := erc20ABI.UnpackIntoInterface(&out, "balanceOf", result); err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.GetTokenBalance", err)
	}
	return out, nil
}

// GetAllowance is the read half of the batch processor's ERC-20
// liquidity precheck (spec §4.5 step 6): "ensure allowance(hot_wallet,
// processor) >= sum amounts".
func (e *EVMAdapter) GetAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.GetAllowance", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := e.pullClient.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GetAllowance", err)
	}
	var out *big.Int
	if err := erc20ABI.UnpackIntoInterface(&out, "allowance", result); err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.GetAllowance", err)
	}
	return out, nil
}

func (e *EVMAdapter) PendingNonceAt(ctx context.Context, addr string) (uint64, error) {
	n, err := e.pullClient.PendingNonceAt(ctx, common.HexToAddress(addr))
	if err != nil {
		return 0, appErrors.New(appErrors.KindChainRPC, "chainkit.PendingNonceAt", err)
	}
	return n, nil
}

func (e *EVMAdapter) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.pullClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.GasPrice", err)
	}
	return price, nil
}

func (e *EVMAdapter) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(call.From),
		Value: call.Value,
		Data:  call.Data,
	}
	if call.To != "" {
		to := common.HexToAddress(call.To)
		msg.To = &to
	}
	gas, err := e.pullClient.EstimateGas(ctx, msg)
	if err != nil {
		return 0, appErrors.New(appErrors.KindChainRPC, "chainkit.EstimateGas", err)
	}
	return gas, nil
}

func (e *EVMAdapter) SendSigned(ctx context.Context, tx SignedTx) (string, error) {
	var decoded types.Transaction
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return "", appErrors.New(appErrors.KindConfiguration, "chainkit.SendSigned", err)
	}
	if err := e.pullClient.SendTransaction(ctx, &decoded); err != nil {
		if isRevertError(err) {
			return "", appErrors.New(appErrors.KindChainReverted, "chainkit.SendSigned", err)
		}
		return "", appErrors.New(appErrors.KindChainRPC, "chainkit.SendSigned", err)
	}
	return decoded.Hash().Hex(), nil
}

func isRevertError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}

// WaitForReceipt polls TransactionReceipt until confirmations blocks
// have passed on top of it, or timeout elapses.
func (e *EVMAdapter) WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	txHash := common.HexToHash(hash)

	for {
		if time.Now().After(deadline) {
			return &Receipt{TxHash: hash, Status: ReceiptTimeout}, nil
		}

		receipt, err := e.pullClient.TransactionReceipt(ctx, txHash)
		if err == nil {
			head, err := e.CurrentBlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head >= receipt.BlockNumber.Uint64()+uint64(confirmations)-1 {
				status := ReceiptSuccess
				if receipt.Status == types.ReceiptStatusFailed {
					status = ReceiptReverted
				}
				return &Receipt{TxHash: hash, Status: status, Block: receipt.BlockNumber.Uint64()}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, appErrors.New(appErrors.KindChainRPC, "chainkit.WaitForReceipt", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
