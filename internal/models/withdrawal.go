package models

import "github.com/nnlgsakib/crypto-manager-engine/internal/money"

// WithdrawalState is the withdrawal lifecycle (spec §3).
type WithdrawalState string

const (
	WithdrawalCreated       WithdrawalState = "created"
	WithdrawalAddedToBucket WithdrawalState = "added_to_bucket"
	WithdrawalProcessing    WithdrawalState = "processing"
	WithdrawalCompleted     WithdrawalState = "completed"
	WithdrawalFailed        WithdrawalState = "failed"
)

func (s WithdrawalState) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

// Withdrawal is keyed by a generated identifier (uuid).
type Withdrawal struct {
	ID              string          `json:"id"`
	Username        string          `json:"username"`
	Chain           string          `json:"chain"`
	Currency        string          `json:"currency"`
	TokenAddress    string          `json:"token_address,omitempty"`
	Amount          money.Amount    `json:"amount"`
	Fee             money.Amount    `json:"fee"`
	Reserved        money.Amount    `json:"reserved"` // amount + fee, frozen at request time
	Destination     string          `json:"destination"`
	State           WithdrawalState `json:"state"`
	BucketID        string          `json:"bucket_id,omitempty"`
	SettlementTx    string          `json:"settlement_tx,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

func WithdrawalKey(id string) string { return "withdrawal:" + id }
