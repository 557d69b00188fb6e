package main

import (
	"crypto/ecdsa"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

func ethCryptoToECDSA(raw []byte) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(raw)
}
