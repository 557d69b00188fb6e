package wallet

import "testing"

func TestDeriveIsDeterministic(t *testing.T) {
	salt := []byte("fixed-test-salt")

	a, err := Derive("alice", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := Derive("alice", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a.Address != b.Address {
		t.Fatalf("expected same address for repeated derivation, got %s and %s", a.Address, b.Address)
	}
}

func TestDeriveDiffersByUsername(t *testing.T) {
	salt := []byte("fixed-test-salt")

	a, err := Derive("alice", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := Derive("bob", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a.Address == b.Address {
		t.Fatalf("expected different addresses for different usernames, both were %s", a.Address)
	}
}

func TestDeriveDiffersBySalt(t *testing.T) {
	a, err := Derive("alice", []byte("salt-one"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := Derive("alice", []byte("salt-two"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if a.Address == b.Address {
		t.Fatalf("expected different addresses for different salts, both were %s", a.Address)
	}
}

func TestEncryptDecryptSecretRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("super-secret-private-key-bytes")

	wire, err := EncryptSecret(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptSecret(wire, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptSecretRejectsMalformedWireFormat(t *testing.T) {
	key := make([]byte, 32)
	if _, err := DecryptSecret("not-a-valid-wire-format", key); err == nil {
		t.Fatalf("expected error for malformed wire format")
	}
}
