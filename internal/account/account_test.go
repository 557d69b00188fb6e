package account

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

type fakeRegistrar struct {
	registered map[string]string
}

func (f *fakeRegistrar) RegisterActiveAddress(username, address string) {
	f.registered[username] = address
}

func testEncryptionKey() []byte {
	return []byte("01234567890123456789012345678901")[:32]
}

func TestCreateIsIdempotentAndRegistersEveryChain(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, testEncryptionKey())
	reg := &fakeRegistrar{registered: map[string]string{}}
	svc.RegisterChain("mind", reg)

	acct1, err := svc.Create(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	acct2, err := svc.Create(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if acct1.Address != acct2.Address {
		t.Fatalf("expected idempotent creation to return the same address, got %s vs %s", acct1.Address, acct2.Address)
	}
	if reg.registered["alice"] != acct1.Address {
		t.Fatalf("expected address registered with indexer, got %q", reg.registered["alice"])
	}
}

func TestKeyForRecoversTheSameSigningKey(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, testEncryptionKey())

	acct, err := svc.Create(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}

	priv, err := svc.KeyFor("bob")
	if err != nil {
		t.Fatal(err)
	}
	if priv == nil {
		t.Fatal("expected a non-nil private key")
	}
	if got := crypto.PubkeyToAddress(priv.PublicKey).Hex(); !strings.EqualFold(got, acct.Address) {
		t.Fatalf("expected KeyFor to recover the key for %s, got key for %s", acct.Address, got)
	}

	acct2, err := svc.Create(context.Background(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Address == acct2.Address {
		t.Fatal("expected different usernames to derive different addresses")
	}
}
