package core

// Indexer is the bounded, TTL/size-evicting cache described in SPEC_FULL
// §4.1. Grounded on the teacher's core/system_health_logging.go (ring
// buffer + persistent sub-store + batched flush) and
// core/connection_pool.go (single-flight reaper via an in-progress flag and
// a mutex-guarded "join the in-flight operation" channel), generalised here
// from health-log rows to transactions/blocks/matching-transactions.

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	indexerDomainTransactions = "transactions"
	indexerDomainMatching     = "matching_transactions"
	indexerDomainBlocks       = "blocks"
)

type txRow struct {
	TxID      string
	Tx        Transaction
	Timestamp time.Time
}

type blockRow struct {
	Hash      string
	Block     Block
	Timestamp time.Time
}

// IndexerConfig mirrors the config.Config.Indexer block (kept as plain
// fields here so this package has no dependency on pkg/config).
type IndexerConfig struct {
	MaxSize           int
	TTL               time.Duration
	PriorityTTL       bool
	BatchThresholdPct float64
	DedupCacheSize    int
}

// Indexer implements SPEC_FULL §4.1.
type Indexer struct {
	cfg   IndexerConfig
	store RecordStore
	log   *logrus.Logger
	sink  EventSink

	mu       sync.Mutex
	pendTx   map[string]txRow
	pendMatch map[string]txRow
	pendBlocks map[string]blockRow
	ring       []txRow // recent, for live-UI style reads
	blockRing  []blockRow

	dedup *lru.Cache[string, struct{}]

	flushing   bool
	flushWaiters []chan struct{}
	evicting   bool
	evictWaiters []chan struct{}

	closed bool
}

// NewIndexer constructs an Indexer backed by store. Fails fast if the
// dedup LRU cannot be allocated (equivalent to the spec's "open-blocked
// condition fails initialization").
func NewIndexer(cfg IndexerConfig, store RecordStore, sink EventSink, log *logrus.Logger) (*Indexer, error) {
	if log == nil {
		log = logrus.New()
	}
	if sink == nil {
		sink = NopSink{}
	}
	dedup, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		cfg:        cfg,
		store:      store,
		log:        log,
		sink:       sink,
		pendTx:     make(map[string]txRow),
		pendMatch:  make(map[string]txRow),
		pendBlocks: make(map[string]blockRow),
		dedup:      dedup,
	}, nil
}

// AddTransaction inserts tx into the ring and marks it for batch
// persistence, deduplicating by txid. isMatch routes it additionally into
// the matching-transactions sub-store.
func (ix *Indexer) AddTransaction(tx Transaction, isMatch bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return
	}
	if _, seen := ix.dedup.Get(tx.TxID); seen {
		return
	}
	ix.dedup.Add(tx.TxID, struct{}{})
	row := txRow{TxID: tx.TxID, Tx: tx, Timestamp: tx.Timestamp}
	ix.pendTx[tx.TxID] = row
	ix.ring = append(ix.ring, row)
	if isMatch {
		ix.pendMatch[tx.TxID] = row
	}
}

// AddBlock inserts block into the block ring and marks it for batch
// persistence.
func (ix *Indexer) AddBlock(b Block) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return
	}
	row := blockRow{Hash: b.Hash, Block: b, Timestamp: b.Timestamp}
	ix.pendBlocks[b.Hash] = row
	ix.blockRing = append(ix.blockRing, row)
}

// Flush atomically writes all pending rows to the persistent sub-stores,
// then emits CACHED events, then enforces the size bound. A second
// concurrent Flush joins the in-progress one instead of re-running it.
func (ix *Indexer) Flush() error {
	ix.mu.Lock()
	if ix.flushing {
		done := make(chan struct{})
		ix.flushWaiters = append(ix.flushWaiters, done)
		ix.mu.Unlock()
		<-done
		return nil
	}
	ix.flushing = true
	pendTx := ix.pendTx
	pendMatch := ix.pendMatch
	pendBlocks := ix.pendBlocks
	ix.pendTx = make(map[string]txRow)
	ix.pendMatch = make(map[string]txRow)
	ix.pendBlocks = make(map[string]blockRow)
	ix.mu.Unlock()

	cached := 0
	for id, row := range pendTx {
		if err := ix.writeRow(indexerDomainTransactions, id, row.Tx); err != nil {
			ix.log.WithError(err).WithField("txid", id).Warn("indexer: write failed, skipping")
			continue
		}
		cached++
	}
	for id, row := range pendMatch {
		if err := ix.writeRow(indexerDomainMatching, id, row.Tx); err != nil {
			ix.log.WithError(err).WithField("txid", id).Warn("indexer: write failed, skipping")
		}
	}
	for hash, row := range pendBlocks {
		if err := ix.writeRow(indexerDomainBlocks, hash, row.Block); err != nil {
			ix.log.WithError(err).WithField("hash", hash).Warn("indexer: write failed, skipping")
			continue
		}
		cached++
	}
	if cached > 0 {
		ix.sink.Emit(Event{Type: EventCached, At: time.Now(), Payload: cached})
	}

	ix.enforceSizeBound(indexerDomainTransactions)
	ix.enforceSizeBound(indexerDomainMatching)
	ix.enforceSizeBound(indexerDomainBlocks)

	ix.mu.Lock()
	ix.flushing = false
	waiters := ix.flushWaiters
	ix.flushWaiters = nil
	ix.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (ix *Indexer) writeRow(domain, key string, v any) error {
	raw, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	return ix.store.Set(domain, key, raw)
}

// Evict runs TTL-expiry followed by (or preceded by, per PriorityTTL) size
// enforcement, single-flight like Flush.
func (ix *Indexer) Evict() error {
	ix.mu.Lock()
	if ix.evicting {
		done := make(chan struct{})
		ix.evictWaiters = append(ix.evictWaiters, done)
		ix.mu.Unlock()
		<-done
		return nil
	}
	ix.evicting = true
	ix.mu.Unlock()

	domains := []string{indexerDomainTransactions, indexerDomainMatching, indexerDomainBlocks}
	for _, d := range domains {
		if ix.cfg.PriorityTTL {
			ix.evictExpired(d)
			ix.enforceSizeBound(d)
		} else {
			ix.enforceSizeBound(d)
			ix.evictExpired(d)
		}
	}

	ix.mu.Lock()
	ix.evicting = false
	waiters := ix.evictWaiters
	ix.evictWaiters = nil
	ix.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

// evictExpired removes rows older than the configured TTL, but only runs
// if the expired fraction meets BatchThresholdPct (spec: "TTL eviction
// runs only if expired-fraction >= batchThresholdRatio").
func (ix *Indexer) evictExpired(domain string) {
	rows, err := ix.store.List(domain)
	if err != nil || len(rows) == 0 {
		return
	}
	now := time.Now()
	var all []stampedRow
	expired := 0
	for k, raw := range rows {
		ts := rowTimestamp(raw)
		all = append(all, stampedRow{k, ts})
		if now.Sub(ts) > ix.cfg.TTL {
			expired++
		}
	}
	if len(all) == 0 {
		return
	}
	if float64(expired)/float64(len(all)) < ix.cfg.BatchThresholdPct {
		return
	}
	for _, s := range all {
		if now.Sub(s.ts) > ix.cfg.TTL {
			if err := ix.store.Delete(domain, s.key); err != nil {
				ix.log.WithError(err).WithField("key", s.key).Warn("indexer: evict delete failed")
			}
		}
	}
}

// enforceSizeBound removes oldest-by-timestamp rows until the domain's row
// count is <= MaxSize.
func (ix *Indexer) enforceSizeBound(domain string) {
	if ix.cfg.MaxSize <= 0 {
		return
	}
	rows, err := ix.store.List(domain)
	if err != nil || len(rows) <= ix.cfg.MaxSize {
		return
	}
	all := make([]stampedRow, 0, len(rows))
	for k, raw := range rows {
		all = append(all, stampedRow{k, rowTimestamp(raw)})
	}
	sortStampedByTime(all)
	excess := len(all) - ix.cfg.MaxSize
	for i := 0; i < excess; i++ {
		if err := ix.store.Delete(domain, all[i].key); err != nil {
			ix.log.WithError(err).WithField("key", all[i].key).Warn("indexer: size-bound delete failed")
		}
	}
}

// stampedRow pairs a store key with its resolved timestamp for eviction
// ordering.
type stampedRow struct {
	key string
	ts  time.Time
}

func sortStampedByTime(s []stampedRow) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].ts.Before(s[j-1].ts); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// rowTimestamp best-effort extracts a timestamp from a stored JSON row; a
// row that fails to parse is treated as "now" so it is never evicted ahead
// of schedule.
func rowTimestamp(raw []byte) time.Time {
	var probe struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Timestamp.IsZero() {
		return time.Now()
	}
	return probe.Timestamp
}

// ClearStore removes every row in the named domain.
func (ix *Indexer) ClearStore(domain string) error {
	rows, err := ix.store.List(domain)
	if err != nil {
		return err
	}
	for k := range rows {
		if err := ix.store.Delete(domain, k); err != nil {
			return err
		}
	}
	return nil
}

// ResetEverything clears all three sub-stores and in-memory rings/dedup.
func (ix *Indexer) ResetEverything() error {
	ix.mu.Lock()
	ix.ring = nil
	ix.blockRing = nil
	ix.pendTx = make(map[string]txRow)
	ix.pendMatch = make(map[string]txRow)
	ix.pendBlocks = make(map[string]blockRow)
	ix.dedup.Purge()
	ix.mu.Unlock()
	for _, d := range []string{indexerDomainTransactions, indexerDomainMatching, indexerDomainBlocks} {
		if err := ix.ClearStore(d); err != nil {
			return err
		}
	}
	return nil
}

// FreshStart resets everything and marks the indexer ready for a new
// session's worth of observations.
func (ix *Indexer) FreshStart() error { return ix.ResetEverything() }

// Close marks the indexer closed; subsequent Add* calls are no-ops.
func (ix *Indexer) Close() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.closed = true
}

// IndexerMetrics is the snapshot returned by GetMetrics.
type IndexerMetrics struct {
	PendingTx     int
	PendingBlocks int
	DedupSize     int
	RingSize      int
}

func (ix *Indexer) GetMetrics() IndexerMetrics {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return IndexerMetrics{
		PendingTx:     len(ix.pendTx),
		PendingBlocks: len(ix.pendBlocks),
		DedupSize:     ix.dedup.Len(),
		RingSize:      len(ix.ring),
	}
}
