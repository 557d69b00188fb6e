package models

import "fmt"

// CachedTx is the subset of a transaction the indexer's scan phase
// needs; keeping this narrow avoids pulling a full chain-adapter
// transaction type into the cache payload.
type CachedTx struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"` // empty for contract creation
	Value    string `json:"value"` // decimal wei string
	DataSize int    `json:"data_size"` // len(calldata); 0 means a plain value transfer
}

// BlockCache decouples "block arrived" from "block is old enough to
// scan" (spec §3, §4.3 step 1). ExpiresAt is a unix-seconds TTL.
type BlockCache struct {
	Chain       string     `json:"chain"`
	BlockNumber uint64     `json:"block_number"`
	Txs         []CachedTx `json:"txs"`
	CachedAt    int64      `json:"cached_at"`
	ExpiresAt   int64      `json:"expires_at"`
}

func BlockCacheKey(chain string, blockNumber uint64) string {
	return fmt.Sprintf("blockCache:%s:%d", chain, blockNumber)
}

func GasFundingTxKey(txHash string) string { return "gasFundingTx:" + txHash }

func LastProcessedBlockKey(chain string) string { return "lastProcessedBlock:" + chain }

// LastScannedBlockKey tracks scanOnce's own cursor into the block
// cache, distinct from LastProcessedBlockKey (the ingest resume point,
// which chases the chain head). Conflating the two made scanCachedBlock
// permanently dead once ingestion caught up to head.
func LastScannedBlockKey(chain string) string { return "lastScannedBlock:" + chain }
