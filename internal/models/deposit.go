package models

import "github.com/nnlgsakib/crypto-manager-engine/internal/money"

// DepositState is the deposit lifecycle. Terminal states are Credited
// and Failed; a deposit id never moves backwards (spec §3 invariant 3).
type DepositState string

const (
	DepositPending    DepositState = "pending"
	DepositConfirming DepositState = "confirming"
	DepositConfirmed  DepositState = "confirmed"
	DepositCredited   DepositState = "credited"
	DepositFailed     DepositState = "failed"
)

// depositRank orders states so callers can assert forward-only motion.
var depositRank = map[DepositState]int{
	DepositPending:    0,
	DepositConfirming: 1,
	DepositConfirmed:  2,
	DepositCredited:   3,
	DepositFailed:     3, // terminal, same rank as credited: both end the machine
}

// CanTransition reports whether moving from cur to next respects the
// forward-only invariant. Failed is reachable from any non-terminal
// state; every other move must strictly increase rank.
func CanTransition(cur, next DepositState) bool {
	if cur == DepositCredited || cur == DepositFailed {
		return false
	}
	if next == DepositFailed {
		return true
	}
	return depositRank[next] > depositRank[cur]
}

func (s DepositState) Terminal() bool {
	return s == DepositCredited || s == DepositFailed
}

// FailureKind distinguishes the two terminal-no-retry sweep failures
// from the generic terminal failure reached by exhausting retries.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureInsufficientAfterGas FailureKind = "INSUFFICIENT_AFTER_GAS"
	FailureInsufficientBalance  FailureKind = "INSUFFICIENT_BALANCE"
	FailureRetriesExhausted     FailureKind = "RETRIES_EXHAUSTED"
)

// Deposit is keyed by the originating transaction hash (spec §3).
type Deposit struct {
	TxHash                string       `json:"tx_hash"`
	Username              string       `json:"username"`
	Chain                 string       `json:"chain"`
	Currency              string       `json:"currency"`
	TokenAddress          string       `json:"token_address,omitempty"` // empty for native
	Amount                money.Amount `json:"amount"`
	Sender                string       `json:"sender"`
	Recipient             string       `json:"recipient"`
	RequiredConfirmations int          `json:"required_confirmations"`
	Confirmations         int          `json:"confirmations"`
	StartBlock            uint64       `json:"start_block"`
	State                 DepositState `json:"state"`
	FailureKind           FailureKind  `json:"failure_kind,omitempty"`
	RetryCount            int          `json:"retry_count"`
	SweepTxHash           string       `json:"sweep_tx_hash,omitempty"`
	SweepConfirmed        bool         `json:"sweep_confirmed,omitempty"`
	CreatedAt             int64        `json:"created_at"` // unix seconds
	UpdatedAt             int64        `json:"updated_at"`
}

func DepositKey(txHash string) string { return "deposit:" + txHash }

func DepositStartBlockKey(txHash string) string { return "depositStartBlock:" + txHash }
