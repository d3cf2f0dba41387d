package core

// FakeAdapter is an in-memory LedgerAdapter + BlockSource used across this
// package's tests and by the CLI's `demo run` command, grounded on the
// teacher's internal/testutil package (small, dependency-free stand-ins
// kept alongside the code they exercise rather than under a separate
// top-level tests/ tree).

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeAdapter implements LedgerAdapter entirely in memory. Blocks pushed via
// PushBlock are delivered to every BlockSource obtained from
// SubscribeBlocks that is still open.
type FakeAdapter struct {
	mu      sync.Mutex
	address string
	utxos   []UTXORecord
	signCtr int
	subs    []*fakeBlockSource
	nextTx  int
}

// NewFakeAdapter returns a FakeAdapter seeded with the given address and
// starting UTXO set.
func NewFakeAdapter(address string, seed []UTXORecord) *FakeAdapter {
	return &FakeAdapter{address: address, utxos: append([]UTXORecord(nil), seed...)}
}

func (f *FakeAdapter) Address(ctx context.Context) (string, error) {
	return f.address, nil
}

func (f *FakeAdapter) ListUTXOs(ctx context.Context) ([]UTXORecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UTXORecord, len(f.utxos))
	copy(out, f.utxos)
	return out, nil
}

// SetUTXOs replaces the simulated UTXO set, e.g. after a test mines a
// block that spends or creates outputs.
func (f *FakeAdapter) SetUTXOs(utxos []UTXORecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos = append([]UTXORecord(nil), utxos...)
}

func (f *FakeAdapter) Sign(ctx context.Context, unsignedTx []byte) ([]byte, error) {
	f.mu.Lock()
	f.signCtr++
	n := f.signCtr
	f.mu.Unlock()
	sig := blake2b256(fmt.Sprintf("KKTP:FAKESIGN:%d:", n), unsignedTx)
	return append(append([]byte{}, unsignedTx...), sig[:]...), nil
}

func (f *FakeAdapter) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	f.mu.Lock()
	f.nextTx++
	n := f.nextTx
	f.mu.Unlock()
	h := blake2b256(fmt.Sprintf("KKTP:FAKETX:%d:", n), signedTx)
	return hex.EncodeToString(h[:16]), nil
}

func (f *FakeAdapter) SubscribeBlocks(ctx context.Context) (BlockSource, error) {
	src := &fakeBlockSource{ch: make(chan Block, 64), done: make(chan struct{})}
	f.mu.Lock()
	f.subs = append(f.subs, src)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		src.closeOnce(ctx.Err())
	}()
	return src, nil
}

func (f *FakeAdapter) GetBlock(ctx context.Context, hash string) (Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if b, ok := s.history[hash]; ok {
			return b, nil
		}
	}
	return Block{}, fmt.Errorf("testadapter: block %q not found", hash)
}

// PushBlock delivers a block to every currently-open subscriber, the way a
// test drives the Scanner/Indexer without a live ledger connection.
func (f *FakeAdapter) PushBlock(b Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.push(b)
	}
}

type fakeBlockSource struct {
	mu      sync.Mutex
	ch      chan Block
	done    chan struct{}
	closed  bool
	err     error
	history map[string]Block
}

func (s *fakeBlockSource) push(b Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.history == nil {
		s.history = make(map[string]Block)
	}
	s.history[b.Hash] = b
	select {
	case s.ch <- b:
	default:
	}
}

func (s *fakeBlockSource) Blocks() <-chan Block { return s.ch }

func (s *fakeBlockSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeBlockSource) Close() error {
	s.closeOnce(nil)
	return nil
}

func (s *fakeBlockSource) closeOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}
