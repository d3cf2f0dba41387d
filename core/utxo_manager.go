package core

// UTXOManager implements SPEC_FULL §4.4: the heartbeat policy that keeps a
// UTXOPool healthy for zero-delay anchor sends. Grounded on the teacher's
// core/connection_pool.go health-check reaper (ticker-driven, a single
// in-flight check guarded by an atomic flag) generalised from connection
// health to UTXO consolidation/split policy.

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// UTXOManagerConfig mirrors config.Config.UTXO.
type UTXOManagerConfig struct {
	UsableThresholdSompi uint64
	MaxSmallUTXOs        int
	MaxInputsPerTx       int
	TargetUTXOCount      int
	Interval             time.Duration
	StaleReservation      time.Duration
	AutoConsolidate      bool
	FeePerInputSompi     uint64
	FeePerOutputSompi    uint64
	FeePrioritySompi     uint64
}

// ConsolidationRequest describes a consolidation the manager wants the
// facade/adapter to execute: spend `Inputs`, send the total (minus fee) to
// a single change output.
type ConsolidationRequest struct {
	Inputs []PoolEntry
	Reason string
}

// SplitRequest describes a split the manager wants executed: spend a
// single large input, create `OutputCount` outputs of `PerOutputSompi`
// each.
type SplitRequest struct {
	Input          PoolEntry
	OutputCount    int
	PerOutputSompi uint64
}

// TxSubmitter is the narrow capability the manager needs to act on its own
// policy decisions — implemented by the facade against a LedgerAdapter.
type TxSubmitter interface {
	SubmitConsolidation(ctx context.Context, req ConsolidationRequest) error
	SubmitSplit(ctx context.Context, req SplitRequest) error
}

// UTXOManager evaluates the heartbeat policy on a ticker, serialising
// concurrent checks behind inFlight.
type UTXOManager struct {
	cfg      UTXOManagerConfig
	pool     *UTXOPool
	submit   TxSubmitter
	sink     EventSink
	log      *logrus.Logger

	inFlight atomic.Bool
	cancel   context.CancelFunc
}

func NewUTXOManager(cfg UTXOManagerConfig, pool *UTXOPool, submit TxSubmitter, sink EventSink, log *logrus.Logger) *UTXOManager {
	if sink == nil {
		sink = NopSink{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &UTXOManager{cfg: cfg, pool: pool, submit: submit, sink: sink, log: log}
}

// Start runs RunCheck every cfg.Interval until ctx is cancelled.
func (m *UTXOManager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				m.RunCheck(runCtx)
			}
		}
	}()
}

func (m *UTXOManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// RunCheck evaluates the three-tier policy once. Concurrent checks are
// serialised: a check already in flight causes this call to return
// immediately.
func (m *UTXOManager) RunCheck(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.inFlight.Store(false)

	m.pool.ReleaseStaleReservations(m.cfg.StaleReservation)

	avail := m.pool.GetAvailable()
	usable := 0
	var small []PoolEntry
	for _, e := range avail {
		if e.Record.AmountSompi >= m.cfg.UsableThresholdSompi {
			usable++
		} else {
			small = append(small, e)
		}
	}

	switch {
	case usable == 0 && len(avail) > 0:
		m.emergencyConsolidate(ctx, avail)
	case m.cfg.AutoConsolidate && len(small) > m.cfg.MaxSmallUTXOs:
		m.consolidateSmall(ctx, small)
	case usable < m.cfg.TargetUTXOCount:
		m.maybeSplit(ctx, avail, usable)
	}
}

func (m *UTXOManager) emergencyConsolidate(ctx context.Context, avail []PoolEntry) {
	if len(avail) == 1 {
		m.sink.Emit(Event{Type: EventLowFunds, At: time.Now(), Payload: "insufficient funds: single small UTXO"})
		return
	}
	inputs := avail
	if len(inputs) > m.cfg.MaxInputsPerTx {
		inputs = inputs[:m.cfg.MaxInputsPerTx]
	}
	if err := m.submit.SubmitConsolidation(ctx, ConsolidationRequest{Inputs: inputs, Reason: "emergency"}); err != nil {
		m.log.WithError(err).Warn("utxo manager: emergency consolidation failed")
	}
}

func (m *UTXOManager) consolidateSmall(ctx context.Context, small []PoolEntry) {
	sort.Slice(small, func(i, j int) bool { return small[i].Record.AmountSompi < small[j].Record.AmountSompi })
	batch := small
	limit := m.cfg.MaxInputsPerTx
	for {
		if limit <= 0 {
			return
		}
		if len(batch) > limit {
			batch = batch[:limit]
		}
		err := m.submit.SubmitConsolidation(ctx, ConsolidationRequest{Inputs: batch, Reason: "auto-consolidate"})
		if err == nil {
			return
		}
		m.log.WithError(err).Warn("utxo manager: consolidation batch failed, shrinking")
		limit /= 2
	}
}

func (m *UTXOManager) maybeSplit(ctx context.Context, avail []PoolEntry, usable int) {
	var biggest *PoolEntry
	for i, e := range avail {
		if biggest == nil || e.Record.AmountSompi > biggest.Record.AmountSompi {
			biggest = &avail[i]
		}
	}
	if biggest == nil {
		return
	}
	wanted := m.cfg.TargetUTXOCount - usable
	if wanted <= 0 {
		return
	}
	fee := uint64(wanted+1)*m.cfg.FeePerOutputSompi + m.cfg.FeePerInputSompi + m.cfg.FeePrioritySompi
	if biggest.Record.AmountSompi <= fee {
		m.log.Debug("utxo manager: split skipped, insufficient value to cover fee")
		return
	}
	perOutput := (biggest.Record.AmountSompi - fee) / uint64(wanted)
	if perOutput < m.cfg.UsableThresholdSompi {
		m.log.Debug("utxo manager: split skipped, per-output amount would fall below usable threshold")
		return
	}
	if err := m.submit.SubmitSplit(ctx, SplitRequest{Input: *biggest, OutputCount: wanted, PerOutputSompi: perOutput}); err != nil {
		m.log.WithError(err).Warn("utxo manager: split failed")
	}
}
