package models

import "github.com/nnlgsakib/crypto-manager-engine/internal/money"

// Balance is keyed by (username, chain, currency). Total owed to the
// user is Available + Frozen; every mutation goes through the ledger.
type Balance struct {
	Username  string      `json:"username"`
	Chain     string      `json:"chain"`
	Currency  string      `json:"currency"`
	Available money.Amount `json:"available"`
	Frozen    money.Amount `json:"frozen"`
}

// BalanceKey formats the store key for a balance record.
func BalanceKey(username, chain, currency string) string {
	return "balance:" + username + ":" + chain + ":" + currency
}
