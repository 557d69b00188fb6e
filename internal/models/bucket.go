package models

import "fmt"

// Bucket is the per-(chain,currency) time-window withdrawal batching
// slot (spec §3). WindowIndex = floor(created_at / window_ms).
type Bucket struct {
	Chain         string   `json:"chain"`
	Currency      string   `json:"currency"`
	WindowIndex   int64    `json:"window_index"`
	WithdrawalIDs []string `json:"withdrawal_ids"`
	CreatedAt     int64    `json:"created_at"` // unix millis
	ExpiresAt     int64    `json:"expires_at"` // unix millis
	Settled       bool     `json:"settled"`
}

// ID is the bucket's own identifier, distinct from its store key so
// callers can log/compare it without reformatting.
func (b Bucket) ID() string {
	return BucketID(b.Chain, b.Currency, b.WindowIndex)
}

func BucketID(chain, currency string, windowIndex int64) string {
	return fmt.Sprintf("%s:%s:%d", chain, currency, windowIndex)
}

func BucketKey(chain, currency string, windowIndex int64) string {
	return "bucket:" + BucketID(chain, currency, windowIndex)
}

// WindowIndex computes floor(nowMillis / windowMs).
func WindowIndex(nowMillis, windowMs int64) int64 {
	if windowMs <= 0 {
		return 0
	}
	return nowMillis / windowMs
}
