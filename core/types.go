package core

import "time"

// Outpoint and UTXORecord are the canonical, adapter-agnostic UTXO shape
// every component above the wallet/ledger boundary consumes. Per the
// "runtime reflection on various UTXO shapes" design note, the adapter is
// solely responsible for normalising whatever the wallet/RPC layer returns
// into this record; nothing downstream ever branches on adapter-specific
// payload shapes again.
type Outpoint struct {
	TxID  string `json:"txId"`
	Index uint32 `json:"index"`
}

// UTXORecord is a pre-split, spendable output observed from the ledger.
type UTXORecord struct {
	Outpoint    Outpoint `json:"outpoint"`
	AmountSompi uint64   `json:"amountSompi"`
}

// Block is the dehydrated, plain-value block shape the Scanner and Indexer
// operate on. Any foreign-runtime handle the real adapter hands back must be
// converted to this shape (and released) at the adapter boundary before it
// is passed upward — see the "foreign-runtime object handles" design note.
type Block struct {
	Hash         string        `json:"hash"`
	DaaScore     uint64        `json:"daaScore"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction is the dehydrated transaction shape the Scanner matches
// against prefix/address filters and the Indexer stores.
type Transaction struct {
	TxID      string        `json:"txId"`
	Outputs   []TxOutput    `json:"outputs"`
	Inputs    []TxInput     `json:"inputs"`
	Payload   []byte        `json:"payload,omitempty"`
	BlockHash string        `json:"blockHash"`
	Timestamp time.Time     `json:"timestamp"`
}

// TxOutput carries just enough of a ledger output for address matching and
// UTXO pool bookkeeping.
type TxOutput struct {
	Address     string `json:"address"`
	AmountSompi uint64 `json:"amountSompi"`
}

// TxInput references the outpoint it spends; the Scanner resolves the
// spent output's address against the address filter set.
type TxInput struct {
	PreviousOutpoint Outpoint `json:"previousOutpoint"`
	PreviousAddress  string   `json:"previousAddress,omitempty"`
}

// PrefixMatchMode enumerates how a configured hex prefix is compared
// against a lower-cased transaction payload, per SPEC_FULL §4.2.
type PrefixMatchMode int

const (
	PrefixIncludes PrefixMatchMode = iota
	PrefixStartsWith
	PrefixExact
	PrefixEndsWith
)

// Direction identifies which side of a 1:1 session a message travelled.
type Direction string

const (
	DirectionAtoB Direction = "AtoB"
	DirectionBtoA Direction = "BtoA"
)

// directionState is the strongly-typed per-direction record called for by
// the "per-direction counters and nonce caches as loose maps" design note:
// one struct per direction instead of several parallel maps keyed by
// direction string.
type directionState struct {
	seq            uint64
	pendingNonces  map[string]struct{}
	gapStart       time.Time
	reassembly     map[uint64]sealedMessage
}

// sealedMessage is a Message Anchor awaiting in-order delivery.
type sealedMessage struct {
	Seq        uint64
	Nonce      [24]byte
	Ciphertext []byte
}
