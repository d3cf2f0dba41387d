package core

import "testing"

func TestEntropyProviderNoBlockYet(t *testing.T) {
	e := NewEntropyProvider()
	_, ok := e.GetCachedBlockHash()
	if ok {
		t.Fatalf("expected ok=false before any block observed")
	}
}

func TestEntropyProviderCachesLatestBlock(t *testing.T) {
	e := NewEntropyProvider()
	e.OnBlock(Block{Hash: "hash-1", DaaScore: 1})
	got, ok := e.GetCachedBlockHash()
	if !ok {
		t.Fatalf("expected ok=true after OnBlock")
	}
	if got.Hash != "hash-1" {
		t.Fatalf("got %q want %q", got.Hash, "hash-1")
	}

	e.OnBlock(Block{Hash: "hash-2", DaaScore: 2})
	got2, _ := e.GetCachedBlockHash()
	if got2.Hash != "hash-2" {
		t.Fatalf("expected cache to update to hash-2, got %q", got2.Hash)
	}
}

func TestEntropyProviderOnMatchIsNoop(t *testing.T) {
	e := NewEntropyProvider()
	e.OnBlock(Block{Hash: "hash-1"})
	e.OnMatch(Transaction{TxID: "tx-1"}, Block{Hash: "hash-1"})
	got, ok := e.GetCachedBlockHash()
	if !ok || got.Hash != "hash-1" {
		t.Fatalf("OnMatch should not affect the cached block hash")
	}
}

func TestEntropyProviderCleanupClearsCache(t *testing.T) {
	e := NewEntropyProvider()
	e.OnBlock(Block{Hash: "hash-1"})
	e.Cleanup()
	_, ok := e.GetCachedBlockHash()
	if ok {
		t.Fatalf("expected ok=false after Cleanup")
	}
}
