package core

// EntropyProvider implements SPEC_FULL §4.5: caches the latest observed
// block hash for the VRF manager to fold against. Grounded on the
// teacher's core/system_health_logging.go subscription-and-cache pattern,
// narrowed to a single cached value.

import "sync"

// BlockHash is the cached beacon value exposed by GetCachedBlockHash.
type BlockHash struct {
	Hash string
	Hex  string
}

// EntropyProvider subscribes to on-block events (via Scanner's
// BlockSubscriber interface) and caches the latest block hash.
type EntropyProvider struct {
	mu     sync.RWMutex
	latest BlockHash
	have   bool
}

func NewEntropyProvider() *EntropyProvider {
	return &EntropyProvider{}
}

// OnBlock implements BlockSubscriber, updating the cached hash.
func (e *EntropyProvider) OnBlock(b Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = BlockHash{Hash: b.Hash, Hex: b.Hash}
	e.have = true
}

// OnMatch is a no-op; EntropyProvider only cares about block arrival.
func (e *EntropyProvider) OnMatch(tx Transaction, b Block) {}

// GetCachedBlockHash returns the latest observed block hash, or
// (BlockHash{}, false) if no block has been observed yet.
func (e *EntropyProvider) GetCachedBlockHash() (BlockHash, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.have
}

// Cleanup tears down any held state. Provided for symmetry with the
// teacher's subscription-owning components, even though this provider
// holds no external handle beyond what the Scanner already owns.
func (e *EntropyProvider) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = BlockHash{}
	e.have = false
}
