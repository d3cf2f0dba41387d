package core

import (
	"testing"
	"time"
)

func newTestIndexer(t *testing.T, cfg IndexerConfig) (*Indexer, *MemRecordStore) {
	t.Helper()
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = 128
	}
	store := NewMemRecordStore()
	ix, err := NewIndexer(cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("NewIndexer: %v", err)
	}
	return ix, store
}

func TestIndexerAddTransactionDedups(t *testing.T) {
	ix, _ := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	tx := Transaction{TxID: "tx-1", Timestamp: time.Now()}
	ix.AddTransaction(tx, false)
	ix.AddTransaction(tx, false)
	m := ix.GetMetrics()
	if m.PendingTx != 1 {
		t.Fatalf("expected 1 pending tx after duplicate adds, got %d", m.PendingTx)
	}
}

func TestIndexerAddTransactionMatchRouting(t *testing.T) {
	ix, _ := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	ix.AddTransaction(Transaction{TxID: "tx-match", Timestamp: time.Now()}, true)
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestIndexerFlushPersistsToStore(t *testing.T) {
	ix, store := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	ix.AddTransaction(Transaction{TxID: "tx-1", Timestamp: time.Now()}, false)
	ix.AddBlock(Block{Hash: "block-1", Timestamp: time.Now()})
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rows, err := store.List(indexerDomainTransactions)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted transaction, got %d", len(rows))
	}
	blockRows, err := store.List(indexerDomainBlocks)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blockRows) != 1 {
		t.Fatalf("expected 1 persisted block, got %d", len(blockRows))
	}
}

func TestIndexerEnforceSizeBoundEvictsOldest(t *testing.T) {
	ix, store := newTestIndexer(t, IndexerConfig{MaxSize: 2, TTL: time.Hour, BatchThresholdPct: 1})
	base := time.Now()
	ix.AddTransaction(Transaction{TxID: "tx-1", Timestamp: base}, false)
	ix.AddTransaction(Transaction{TxID: "tx-2", Timestamp: base.Add(time.Second)}, false)
	ix.AddTransaction(Transaction{TxID: "tx-3", Timestamp: base.Add(2 * time.Second)}, false)
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rows, err := store.List(indexerDomainTransactions)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected size bound to keep only 2 rows, got %d", len(rows))
	}
	if _, ok := rows["tx-1"]; ok {
		t.Fatalf("expected the oldest row (tx-1) to be evicted")
	}
}

func TestIndexerEvictExpiredRespectsThreshold(t *testing.T) {
	ix, store := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Millisecond, BatchThresholdPct: 0.9})
	ix.AddTransaction(Transaction{TxID: "tx-old", Timestamp: time.Now().Add(-time.Hour)}, false)
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := ix.Evict(); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	rows, err := store.List(indexerDomainTransactions)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected expired row to be evicted, got %d remaining", len(rows))
	}
}

func TestIndexerClosedStopsAdds(t *testing.T) {
	ix, _ := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	ix.Close()
	ix.AddTransaction(Transaction{TxID: "tx-1", Timestamp: time.Now()}, false)
	m := ix.GetMetrics()
	if m.PendingTx != 0 {
		t.Fatalf("expected no pending tx after Close, got %d", m.PendingTx)
	}
}

func TestIndexerResetEverything(t *testing.T) {
	ix, store := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	ix.AddTransaction(Transaction{TxID: "tx-1", Timestamp: time.Now()}, false)
	if err := ix.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := ix.ResetEverything(); err != nil {
		t.Fatalf("ResetEverything: %v", err)
	}
	rows, err := store.List(indexerDomainTransactions)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty store after ResetEverything, got %d rows", len(rows))
	}
	m := ix.GetMetrics()
	if m.PendingTx != 0 || m.RingSize != 0 {
		t.Fatalf("expected zeroed metrics after ResetEverything, got %+v", m)
	}
}

func TestIndexerConcurrentFlushSingleFlight(t *testing.T) {
	ix, _ := newTestIndexer(t, IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1})
	ix.AddTransaction(Transaction{TxID: "tx-1", Timestamp: time.Now()}, false)

	done := make(chan error, 2)
	go func() { done <- ix.Flush() }()
	go func() { done <- ix.Flush() }()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
}
