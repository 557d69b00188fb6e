package store

import (
	"context"
	"testing"
)

func TestMemoryStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("expected v1, got %q", v)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "balance:alice:mind:USDT", []byte("1"))
	_ = s.Put(ctx, "balance:alice:mind:USDC", []byte("2"))
	_ = s.Put(ctx, "deposit:0xabc", []byte("3"))

	got, err := s.ScanPrefix(ctx, "balance:alice:")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestMemoryStoreBatchWriteAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.BatchWrite(ctx, []Op{
		PutOp("a", []byte("1")),
		PutOp("b", []byte("2")),
	})
	if err != nil {
		t.Fatalf("batch write: %v", err)
	}

	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	if string(a) != "1" || string(b) != "2" {
		t.Fatalf("batch write did not apply both ops: a=%q b=%q", a, b)
	}

	if err := s.BatchWrite(ctx, []Op{DeleteOp("a"), PutOp("c", []byte("3"))}); err != nil {
		t.Fatalf("batch write 2: %v", err)
	}
	if _, err := s.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("expected a deleted")
	}
}
