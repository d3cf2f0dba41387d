package core

// LedgerAdapter and BlockSource are the L0 boundary interfaces named in
// SPEC_FULL §4.16 "Wallet/Ledger Adapter contract". Grounded on the
// teacher's core/network.go (Broadcast/Subscribe-style interfaces kept
// narrow and behaviour-focused rather than mirroring a concrete RPC client)
// and the pack's certenIO anchor_adapter.go (normalise-at-the-boundary
// pattern). Nothing above this boundary ever imports an RPC/wallet SDK
// package directly; everything talks to these two interfaces so the
// in-memory fake (testadapter.go) and the websocket reference
// implementation (wsblocksource.go) are interchangeable with a real wallet
// daemon client.

import "context"

// LedgerAdapter is the full read/write surface the Game Engine Facade and
// UTXO pool/manager need from a wallet/ledger connection.
type LedgerAdapter interface {
	// Address returns this wallet's receive address.
	Address(ctx context.Context) (string, error)

	// ListUTXOs returns every UTXO currently owned by this wallet, already
	// normalised to UTXORecord.
	ListUTXOs(ctx context.Context) ([]UTXORecord, error)

	// Sign signs a raw transaction template and returns the submittable
	// transaction bytes. The adapter owns whatever wallet-specific signing
	// flow (local key, hardware signer, remote signer) backs this call.
	Sign(ctx context.Context, unsignedTx []byte) ([]byte, error)

	// SubmitTransaction broadcasts a signed transaction and returns its
	// TxID once accepted into the mempool.
	SubmitTransaction(ctx context.Context, signedTx []byte) (txID string, err error)

	// SubscribeBlocks starts a BlockSource the Indexer/Scanner can drain
	// until ctx is cancelled or the adapter closes the feed.
	SubscribeBlocks(ctx context.Context) (BlockSource, error)

	// GetBlock fetches a single block by hash, for gap-fill after a
	// reconnect.
	GetBlock(ctx context.Context, hash string) (Block, error)
}

// BlockSource is the narrower streaming interface the Scanner consumes.
// Separated from LedgerAdapter so a test or a replay tool can hand the
// Scanner a BlockSource without implementing the write-side methods.
type BlockSource interface {
	// Blocks returns a channel of dehydrated blocks. The channel is closed
	// when the source is exhausted or the adapter disconnects; callers
	// must check Err() after the channel closes to distinguish a clean
	// shutdown from a connection failure.
	Blocks() <-chan Block

	// Err returns the terminal error, if any, once Blocks() has closed.
	Err() error

	// Close releases the underlying connection.
	Close() error
}
