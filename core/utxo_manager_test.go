package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSubmitter struct {
	mu             sync.Mutex
	consolidations []ConsolidationRequest
	splits         []SplitRequest
	failNextN      int
}

func (s *recordingSubmitter) SubmitConsolidation(ctx context.Context, req ConsolidationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextN > 0 {
		s.failNextN--
		return errTestSubmitFailed
	}
	s.consolidations = append(s.consolidations, req)
	return nil
}

func (s *recordingSubmitter) SubmitSplit(ctx context.Context, req SplitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits = append(s.splits, req)
	return nil
}

func (s *recordingSubmitter) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consolidations), len(s.splits)
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestSubmitFailed = testErr("submit failed")

func TestUTXOManagerEmergencyConsolidateWhenNoUsable(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.AddBatch([]UTXORecord{
		{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 10},
		{Outpoint: Outpoint{TxID: "tx2", Index: 0}, AmountSompi: 20},
	})
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{UsableThresholdSompi: 1000, MaxInputsPerTx: 10, TargetUTXOCount: 5}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	m.RunCheck(context.Background())

	consolidations, _ := sub.snapshot()
	if consolidations != 1 {
		t.Fatalf("expected 1 emergency consolidation, got %d", consolidations)
	}
}

func TestUTXOManagerEmergencyConsolidateSkipsSingleUTXO(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.Add(UTXORecord{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 10})
	sink := NewChanSink(4)
	cfg := UTXOManagerConfig{UsableThresholdSompi: 1000, MaxInputsPerTx: 10, TargetUTXOCount: 5}
	sub := &recordingSubmitter{}
	m := NewUTXOManager(cfg, pool, sub, sink, nil)

	m.RunCheck(context.Background())

	consolidations, _ := sub.snapshot()
	if consolidations != 0 {
		t.Fatalf("expected no consolidation for a lone small UTXO, got %d", consolidations)
	}
	sawLowFunds := false
	drain := true
	for drain {
		select {
		case e := <-sink.Events():
			if e.Type == EventLowFunds {
				sawLowFunds = true
			}
		default:
			drain = false
		}
	}
	if !sawLowFunds {
		t.Fatalf("expected a LOW_FUNDS event for a lone small UTXO")
	}
}

func TestUTXOManagerConsolidatesSmallWhenAutoConsolidateExceedsLimit(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.AddBatch([]UTXORecord{
		{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 5000},
		{Outpoint: Outpoint{TxID: "tx2", Index: 0}, AmountSompi: 100},
		{Outpoint: Outpoint{TxID: "tx3", Index: 0}, AmountSompi: 100},
		{Outpoint: Outpoint{TxID: "tx4", Index: 0}, AmountSompi: 100},
	})
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{
		UsableThresholdSompi: 1000,
		MaxInputsPerTx:       10,
		MaxSmallUTXOs:        1,
		AutoConsolidate:      true,
		TargetUTXOCount:      1,
	}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	m.RunCheck(context.Background())

	consolidations, _ := sub.snapshot()
	if consolidations != 1 {
		t.Fatalf("expected 1 consolidation batch for the small UTXOs, got %d", consolidations)
	}
}

func TestUTXOManagerSplitsWhenBelowTarget(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.Add(UTXORecord{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 1_000_000})
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{
		UsableThresholdSompi: 1000,
		MaxInputsPerTx:       10,
		TargetUTXOCount:      4,
		FeePerInputSompi:     10,
		FeePerOutputSompi:    10,
		FeePrioritySompi:     10,
	}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	m.RunCheck(context.Background())

	_, splits := sub.snapshot()
	if splits != 1 {
		t.Fatalf("expected 1 split request, got %d", splits)
	}
}

func TestUTXOManagerSplitSkippedWhenValueBelowFee(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.Add(UTXORecord{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 1001})
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{
		UsableThresholdSompi: 1000,
		MaxInputsPerTx:       10,
		TargetUTXOCount:      4,
		FeePerInputSompi:     1000,
		FeePerOutputSompi:    1000,
		FeePrioritySompi:     1000,
	}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	m.RunCheck(context.Background())

	_, splits := sub.snapshot()
	if splits != 0 {
		t.Fatalf("expected split to be skipped when fee exceeds available value, got %d", splits)
	}
}

func TestUTXOManagerRunCheckReleasesStaleReservationsFirst(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.Add(UTXORecord{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 1_000_000})
	pool.Reserve()
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{
		UsableThresholdSompi: 1000,
		MaxInputsPerTx:       10,
		TargetUTXOCount:      1,
		StaleReservation:      0,
	}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	m.RunCheck(context.Background())

	avail, reserved, _ := pool.Counts()
	if avail != 1 || reserved != 0 {
		t.Fatalf("expected stale reservation released before policy evaluation, got avail=%d reserved=%d", avail, reserved)
	}
}

func TestUTXOManagerStartStopDoesNotHang(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{UsableThresholdSompi: 1000, MaxInputsPerTx: 10, TargetUTXOCount: 1, Interval: 5 * time.Millisecond}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	ctx := context.Background()
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	m.Stop()
}

func TestUTXOManagerRunCheckSerializesConcurrentCalls(t *testing.T) {
	pool := NewUTXOPool(nil, 5, 1)
	pool.Add(UTXORecord{Outpoint: Outpoint{TxID: "tx1", Index: 0}, AmountSompi: 10})
	sub := &recordingSubmitter{}
	cfg := UTXOManagerConfig{UsableThresholdSompi: 1000, MaxInputsPerTx: 10, TargetUTXOCount: 5}
	m := NewUTXOManager(cfg, pool, sub, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RunCheck(context.Background())
		}()
	}
	wg.Wait()
}
