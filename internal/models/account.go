package models

import "time"

// Account is one custodial user. A single deposit address is reused
// across every chain in the deployment's EVM family (spec §3, §9 OQ3).
type Account struct {
	Username       string    `json:"username"`
	Address        string    `json:"address"`         // lowercased 0x-hex
	EncryptedKey   string    `json:"encrypted_key"`    // "iv:ciphertext" hex, AES-256-CBC
	DerivationSalt string    `json:"derivation_salt"` // hex salt used to derive the seed
	CreatedAt      time.Time `json:"created_at"`
}

func AccountKey(username string) string { return "account:" + username }
