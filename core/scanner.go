package core

// Scanner implements SPEC_FULL §4.2: subscribes to a BlockSource, matches
// each block's transactions against configured prefix/address filters, and
// feeds matches (and, optionally, the full non-match stream) to an
// Indexer. Grounded on the teacher's core/network.go subscription loop and
// core/connection_pool.go reconnect handling.

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ScannerConfig configures the filter set and indexer feed policy.
type ScannerConfig struct {
	Prefixes       []string // lower-case hex prefixes to match against tx payload
	PrefixMode     PrefixMatchMode
	Addresses      map[string]struct{} // addresses of interest
	IndexerWantsAll bool               // if true, non-matching txs are indexed too
}

// BlockSubscriber receives dehydrated blocks and per-tx matches as the
// Scanner observes them.
type BlockSubscriber interface {
	OnBlock(b Block)
	OnMatch(tx Transaction, b Block)
}

// Scanner drives a BlockSource into an Indexer plus any registered
// BlockSubscribers.
type Scanner struct {
	cfg     ScannerConfig
	adapter LedgerAdapter
	indexer *Indexer
	log     *logrus.Logger

	mu   sync.Mutex
	subs []BlockSubscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner constructs a Scanner. The indexer may be nil if no caching is
// desired (filters still run and subscribers still fire).
func NewScanner(cfg ScannerConfig, adapter LedgerAdapter, indexer *Indexer, log *logrus.Logger) *Scanner {
	if log == nil {
		log = logrus.New()
	}
	return &Scanner{cfg: cfg, adapter: adapter, indexer: indexer, log: log}
}

// Subscribe registers a BlockSubscriber for future blocks.
func (s *Scanner) Subscribe(sub BlockSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Start begins consuming blocks from the adapter's BlockSource,
// reconnecting on disconnect until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.runLoop(runCtx)
	return nil
}

// Stop cancels the run loop and waits for it to exit.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scanner) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		src, err := s.adapter.SubscribeBlocks(ctx)
		if err != nil {
			s.log.WithError(err).Warn("scanner: subscribe failed, retrying")
			if !sleepOrDone(ctx, reconnectBackoff) {
				return
			}
			continue
		}
		s.drain(ctx, src)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("scanner: block source disconnected, resubscribing")
	}
}

func (s *Scanner) drain(ctx context.Context, src BlockSource) {
	defer src.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-src.Blocks():
			if !ok {
				return
			}
			s.handleBlock(b)
		}
	}
}

func (s *Scanner) handleBlock(b Block) {
	shouldScan := len(s.cfg.Prefixes) > 0 || len(s.cfg.Addresses) > 0 || s.indexer != nil
	if shouldScan {
		for _, tx := range b.Transactions {
			addrHit := s.addressMatch(tx)
			prefixHit := s.prefixMatch(tx)
			isMatch := addrHit || prefixHit
			if isMatch {
				if s.indexer != nil {
					s.indexer.AddTransaction(tx, true)
				}
				s.mu.Lock()
				subs := append([]BlockSubscriber(nil), s.subs...)
				s.mu.Unlock()
				for _, sub := range subs {
					sub.OnMatch(tx, b)
				}
			} else if s.cfg.IndexerWantsAll && s.indexer != nil {
				s.indexer.AddTransaction(tx, false)
			}
		}
	}
	if s.indexer != nil {
		s.indexer.AddBlock(b)
	}
	s.mu.Lock()
	subs := append([]BlockSubscriber(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.OnBlock(b)
	}
}

func (s *Scanner) addressMatch(tx Transaction) bool {
	if len(s.cfg.Addresses) == 0 {
		return false
	}
	for _, o := range tx.Outputs {
		if _, ok := s.cfg.Addresses[o.Address]; ok {
			return true
		}
	}
	for _, in := range tx.Inputs {
		if _, ok := s.cfg.Addresses[in.PreviousAddress]; ok {
			return true
		}
	}
	return false
}

func (s *Scanner) prefixMatch(tx Transaction) bool {
	if len(s.cfg.Prefixes) == 0 || len(tx.Payload) == 0 {
		return false
	}
	payloadHex := strings.ToLower(hex.EncodeToString(tx.Payload))
	for _, p := range s.cfg.Prefixes {
		p = strings.ToLower(p)
		switch s.cfg.PrefixMode {
		case PrefixStartsWith:
			if strings.HasPrefix(payloadHex, p) {
				return true
			}
		case PrefixExact:
			if payloadHex == p {
				return true
			}
		case PrefixEndsWith:
			if strings.HasSuffix(payloadHex, p) {
				return true
			}
		default: // PrefixIncludes
			if strings.Contains(payloadHex, p) {
				return true
			}
		}
	}
	return false
}
