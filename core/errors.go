package core

import "errors"

// Sentinel errors, one per component, in the teacher's style of declaring
// package-level errors.New(...) values rather than ad-hoc fmt.Errorf calls
// at every call site.
var (
	// Indexer
	ErrIndexerClosed   = errors.New("indexer: store closed")
	ErrIndexerNotFound = errors.New("indexer: row not found")

	// UTXO pool / manager
	ErrPoolEmpty         = errors.New("utxo: pool empty")
	ErrReservationNotHeld = errors.New("utxo: outpoint not reserved")
	ErrInsufficientFunds = errors.New("utxo: insufficient funds")

	// Entropy / VRF
	ErrNoLiveBeacon = errors.New("vrf: no live block hash available")

	// Merkle
	ErrMerkleEmpty      = errors.New("merkle: no leaves")
	ErrMerkleIndexRange = errors.New("merkle: index out of range")

	// Binary packer
	ErrPackerMalformed = errors.New("packer: malformed payload")
	ErrPackerPrefix    = errors.New("packer: unrecognised prefix")

	// Move vault / processor
	ErrDuplicateMove    = errors.New("vault: move already processed")
	ErrVRFSyncWait      = errors.New("processor: VRF sync wait")
	ErrWrongOpponent    = errors.New("processor: unexpected opponent identity")
	ErrInvalidMoveShape = errors.New("processor: malformed move data")

	// Anchor strategy
	ErrAnchorNotActive  = errors.New("anchor: strategy not ACTIVE")
	ErrAnchorInFlight   = errors.New("anchor: submission already in flight")

	// Session protocol
	ErrSessionFaulted     = errors.New("session: FAULTED")
	ErrSessionClosed      = errors.New("session: CLOSED")
	ErrSessionNotActive   = errors.New("session: not ACTIVE")
	ErrSeqReplay          = errors.New("session: sequence replay")
	ErrNonceReplay        = errors.New("session: nonce replay")
	ErrSidMismatch        = errors.New("session: sid mismatch")
	ErrReassemblyOverflow = errors.New("session: reassembly buffer overflow")
	ErrGapTimeout         = errors.New("session: gap timeout exceeded")
	ErrBadSignature       = errors.New("session: signature verification failed")
	ErrBranchExhausted    = errors.New("identity: branch index already used")

	// Lobby / group layer
	ErrLobbyFull        = errors.New("lobby: at max members")
	ErrLobbyClosed      = errors.New("lobby: closed")
	ErrKeyVersionStale  = errors.New("lobby: key version older than previous")
	ErrRotationAborted  = errors.New("lobby: rotation aborted, no reachable member")
	ErrJoinQueueTimeout = errors.New("lobby: join queue timeout")

	// Facade
	ErrEngineNotReady  = errors.New("engine: not READY")
	ErrEngineShutdown  = errors.New("engine: shutting down")
	ErrOperationTimeout = errors.New("engine: operation timed out")
)
