package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
)

// EncryptSecret AES-256-CBC encrypts plaintext under key (32 bytes) and
// returns the "iv:ciphertext" hex wire format spec §6 mandates for
// secrets at rest. Adapted from the teacher's AES-GCM
// domain/hdwallet.go encrypt/decrypt pair: this system needs the
// CBC+prefixed-IV format specifically, not authenticated encryption.
// key is used directly as the AES key; no key derivation is applied.
func EncryptSecret(plaintext []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", appErrors.New(appErrors.KindConfiguration, "wallet.EncryptSecret", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", appErrors.New(appErrors.KindConfiguration, "wallet.EncryptSecret", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(wire string, key []byte) ([]byte, error) {
	parts := strings.SplitN(wire, ":", 2)
	if len(parts) != 2 {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", fmt.Errorf("malformed secret wire format"))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", err)
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", fmt.Errorf("ciphertext is not a multiple of the block size"))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.DecryptSecret", fmt.Errorf("invalid iv length"))
	}

	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	return pkcs7Unpad(plainPadded)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.pkcs7Unpad", fmt.Errorf("empty data"))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, appErrors.New(appErrors.KindConfiguration, "wallet.pkcs7Unpad", fmt.Errorf("invalid padding"))
	}
	return data[:len(data)-padLen], nil
}
