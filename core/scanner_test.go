package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	blocks  []Block
	matches []Transaction
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{}
}

func (r *recordingSubscriber) OnBlock(b Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
}

func (r *recordingSubscriber) OnMatch(tx Transaction, b Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, tx)
}

func (r *recordingSubscriber) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks), len(r.matches)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScannerMatchesByAddress(t *testing.T) {
	adapter := NewFakeAdapter("addr-self", nil)
	indexer, err := NewIndexer(IndexerConfig{MaxSize: 100, TTL: time.Hour, BatchThresholdPct: 1, DedupCacheSize: 64}, NewMemRecordStore(), nil, nil)
	if err != nil {
		t.Fatalf("NewIndexer: %v", err)
	}
	sub := newRecordingSubscriber()
	scanner := NewScanner(ScannerConfig{Addresses: map[string]struct{}{"addr-watch": {}}}, adapter, indexer, nil)
	scanner.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scanner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scanner.Stop()

	adapter.PushBlock(Block{
		Hash: "b1",
		Transactions: []Transaction{
			{TxID: "tx-1", Outputs: []TxOutput{{Address: "addr-watch", AmountSompi: 10}}},
		},
	})

	waitForCondition(t, time.Second, func() bool {
		_, matches := sub.snapshot()
		return matches == 1
	})
}

func TestScannerMatchesByPrefix(t *testing.T) {
	adapter := NewFakeAdapter("addr-self", nil)
	sub := newRecordingSubscriber()
	scanner := NewScanner(ScannerConfig{
		Prefixes:   []string{"4b4b5450"}, // "KKTP" in hex
		PrefixMode: PrefixStartsWith,
	}, adapter, nil, nil)
	scanner.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scanner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scanner.Stop()

	adapter.PushBlock(Block{
		Hash: "b1",
		Transactions: []Transaction{
			{TxID: "tx-1", Payload: PrefixGameStartHex},
			{TxID: "tx-2", Payload: []byte("unrelated")},
		},
	})

	waitForCondition(t, time.Second, func() bool {
		_, matches := sub.snapshot()
		return matches == 1
	})
}

func TestScannerOnBlockFiresForEveryBlock(t *testing.T) {
	adapter := NewFakeAdapter("addr-self", nil)
	sub := newRecordingSubscriber()
	scanner := NewScanner(ScannerConfig{}, adapter, nil, nil)
	scanner.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scanner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer scanner.Stop()

	adapter.PushBlock(Block{Hash: "b1"})
	adapter.PushBlock(Block{Hash: "b2"})

	waitForCondition(t, time.Second, func() bool {
		blocks, _ := sub.snapshot()
		return blocks == 2
	})
}

func TestScannerStopTerminatesRunLoop(t *testing.T) {
	adapter := NewFakeAdapter("addr-self", nil)
	scanner := NewScanner(ScannerConfig{}, adapter, nil, nil)
	ctx := context.Background()
	if err := scanner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	scanner.Stop() // must return, not hang
}
