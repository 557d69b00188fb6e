// Package account owns account creation and the KeyFor lookup the
// indexer and batch processor use to sign sweeps and (indirectly, via
// the batcher's hot wallet key) settlements. It is the one-way facade
// spec §9's cyclic-dependency note calls for: it pushes addresses into
// each chain's indexer at creation time and is never called back into.
package account

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
	"github.com/nnlgsakib/crypto-manager-engine/internal/wallet"
)

const derivationSaltLen = 32

// ActiveAddressRegistrar is the narrow slice of Indexer.RegisterActiveAddress
// account creation depends on, one per chain.
type ActiveAddressRegistrar interface {
	RegisterActiveAddress(username, address string)
}

// Service creates accounts and answers KeyFor lookups.
type Service struct {
	store         store.Store
	encryptionKey []byte
	registrars    map[string]ActiveAddressRegistrar // chain name -> indexer
	log           *logrus.Entry
}

// New builds an account Service. Register indexers with RegisterChain
// before calling Create so new addresses are pushed into every chain's
// active-address set.
func New(s store.Store, encryptionKey []byte) *Service {
	return &Service{
		store:         s,
		encryptionKey: encryptionKey,
		registrars:    make(map[string]ActiveAddressRegistrar),
		log:           logrus.WithField("component", "account"),
	}
}

// RegisterChain wires one chain's indexer as an active-address
// registrar, so every existing and future account is pushed into it.
func (s *Service) RegisterChain(chainName string, registrar ActiveAddressRegistrar) {
	s.registrars[chainName] = registrar
}

// Create derives a fresh deterministic keypair for username, encrypts
// the private key at rest, persists the account, and registers its
// address with every chain's indexer (spec §3, §9).
func (s *Service) Create(ctx context.Context, username string) (*models.Account, error) {
	if existing, err := s.Get(ctx, username); err == nil && existing != nil {
		return existing, nil
	}

	salt := make([]byte, derivationSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "account.Create", err)
	}

	kp, err := wallet.Derive(username, salt)
	if err != nil {
		return nil, err
	}

	encKey, err := wallet.EncryptSecret(crypto.FromECDSA(kp.PrivateKey), s.encryptionKey)
	if err != nil {
		return nil, err
	}

	acct := &models.Account{
		Username:       username,
		Address:        strings.ToLower(kp.Address),
		EncryptedKey:   encKey,
		DerivationSalt: hex.EncodeToString(salt),
		CreatedAt:      time.Now(),
	}
	if err := s.save(ctx, acct); err != nil {
		return nil, err
	}

	for chain, registrar := range s.registrars {
		registrar.RegisterActiveAddress(username, acct.Address)
		s.log.WithFields(logrus.Fields{"username": username, "chain": chain}).Info("registered deposit address")
	}
	return acct, nil
}

// Get loads a persisted account, or (nil, nil) if none exists.
func (s *Service) Get(ctx context.Context, username string) (*models.Account, error) {
	raw, err := s.store.Get(ctx, models.AccountKey(username))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "account.Get", err)
	}
	var acct models.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "account.Get", err)
	}
	return &acct, nil
}

func (s *Service) save(ctx context.Context, acct *models.Account) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return appErrors.New(appErrors.KindConfiguration, "account.save", err)
	}
	return s.store.Put(ctx, models.AccountKey(acct.Username), raw)
}

// KeyFor implements indexer.KeyResolver: it decrypts the account's
// signing key on demand rather than keeping it resident in memory.
func (s *Service) KeyFor(username string) (*ecdsa.PrivateKey, error) {
	ctx := context.Background()
	acct, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "account.KeyFor", fmt.Errorf("unknown account %q", username))
	}
	raw, err := wallet.DecryptSecret(acct.EncryptedKey, s.encryptionKey)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "account.KeyFor", err)
	}
	return priv, nil
}

// ReconcileActiveAddresses re-registers every persisted account's
// address on startup, since the indexer's active-address set lives
// only in process memory (spec §5's "read-mostly... copy-on-update"
// note implies it is rebuilt from durable state, not carried across
// restarts).
func (s *Service) ReconcileActiveAddresses(ctx context.Context) error {
	entries, err := s.store.ScanPrefix(ctx, "account:")
	if err != nil {
		return err
	}
	for _, raw := range entries {
		var acct models.Account
		if err := json.Unmarshal(raw, &acct); err != nil {
			continue
		}
		for _, registrar := range s.registrars {
			registrar.RegisterActiveAddress(acct.Username, acct.Address)
		}
	}
	return nil
}
