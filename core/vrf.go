package core

// VRFManager implements SPEC_FULL §4.6 and the VRF Chain data model in
// §3. Grounded on the teacher's core/wallet.go signing discipline
// (Ed25519 proof of authorship) combined with the chain-fold pattern from
// the pack's SAGE-X ratchet files, per the pinned Open Question decision
// (SPEC_FULL §9 #3): the fold itself is a domain-separated BLAKE2b-256
// hash of (prev ∥ beacon ∥ canonical(moveDescriptor)); portability and
// non-repudiation are carried by a *separate* Ed25519 signature over the
// fold output, rather than trying to express a true verifiable-random-
// function via a signature scheme never designed for one.

import (
	"sync"
	"time"
)

// MoveDescriptor is the per-move input folded into the VRF chain, per
// SPEC_FULL §3. Exactly one of (X,Y,Z) or Lane is populated depending on
// whether Action is a MOVE or a non-MOVE action.
type MoveDescriptor struct {
	Action    string  `json:"action"`
	X         *uint16 `json:"x,omitempty"`
	Y         *uint16 `json:"y,omitempty"`
	Z         *uint16 `json:"z,omitempty"`
	Lane      *uint8  `json:"lane,omitempty"`
	TimeDelta uint8   `json:"timeDelta"`
	Sequence  uint64  `json:"sequence"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

func canonicalMoveDescriptor(d MoveDescriptor) ([]byte, error) {
	return CanonicalJSON(d)
}

// VRFResult is returned by UpdateStateForMove on success.
type VRFResult struct {
	VRFOutput       [32]byte
	VRFOutputBytes  []byte
	BlockHash       string
	BlockHashHex    string
	EntropySnapshot BlockHash
	Proof           []byte
}

// VRFManager maintains one player's VRF chain for the lifetime of a game.
type VRFManager struct {
	mu sync.Mutex

	entropy *EntropyProvider
	signer  BranchKeys
	sink    EventSink

	prev         [32]byte
	haveGenesis  bool
	genesisTxID  string
	lastBeacon   string
	waitingSync  bool
}

// NewVRFManager constructs a VRFManager bound to an EntropyProvider
// (beacon source) and a signing branch (proof authorship).
func NewVRFManager(entropy *EntropyProvider, signer BranchKeys, sink EventSink) *VRFManager {
	if sink == nil {
		sink = NopSink{}
	}
	return &VRFManager{entropy: entropy, signer: signer, sink: sink}
}

// Genesis seeds V0 from captured genesis entropy: the beacon hash at game
// start, an externally-sourced pulse index (e.g. a QRNG tick), and the
// game-id tag.
func (v *VRFManager) Genesis(beaconHash string, pulseIndex uint64, gameIDTag string) [32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prev = blake2b256("KKTP:VRF:GENESIS:", []byte(beaconHash), uint64BE(pulseIndex), []byte(gameIDTag))
	v.haveGenesis = true
	v.lastBeacon = beaconHash
	return v.prev
}

// SetGenesisTxID records the confirmed genesis anchor's txid so subsequent
// folds can reinforce the chain with it, per SPEC_FULL §4.6.
func (v *VRFManager) SetGenesisTxID(txid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.genesisTxID = txid
}

// UpdateStateForMove folds the next VRF output for the given move
// descriptor. Fails with ErrNoLiveBeacon (and emits VRF_SYNC_WAIT exactly
// once per outage) if no live beacon block hash is cached.
func (v *VRFManager) UpdateStateForMove(d MoveDescriptor) (VRFResult, error) {
	snap, ok := v.entropy.GetCachedBlockHash()
	v.mu.Lock()
	defer v.mu.Unlock()
	if !ok {
		if !v.waitingSync {
			v.waitingSync = true
			v.sink.Emit(Event{Type: EventVRFSyncWait, At: time.Now()})
		}
		return VRFResult{}, ErrNoLiveBeacon
	}
	if v.waitingSync {
		v.waitingSync = false
		v.sink.Emit(Event{Type: EventVRFSyncResolved, At: time.Now()})
	}
	if v.lastBeacon != "" && v.lastBeacon != snap.Hash {
		v.sink.Emit(Event{Type: EventDeltaEntropy, At: time.Now(), Payload: snap})
	}
	v.lastBeacon = snap.Hash

	canon, err := canonicalMoveDescriptor(d)
	if err != nil {
		return VRFResult{}, err
	}

	parts := [][]byte{v.prev[:], []byte(snap.Hash), canon}
	if v.genesisTxID != "" {
		parts = append(parts, []byte(v.genesisTxID))
	}
	next := blake2b256("KKTP:VRF:FOLD:", parts...)
	v.prev = next

	proof := v.signer.Sign(next[:])

	return VRFResult{
		VRFOutput:       next,
		VRFOutputBytes:  append([]byte(nil), next[:]...),
		BlockHash:       snap.Hash,
		BlockHashHex:    snap.Hex,
		EntropySnapshot: snap,
		Proof:           proof,
	}, nil
}

// Current returns the current chain tip without folding.
func (v *VRFManager) Current() [32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prev
}

func uint64BE(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// VerifyVRFFold independently recomputes a single fold step, the
// operation an auditor runs to check Vₙ = H(Vₙ₋₁ ∥ beacon ∥ canonical(Mₙ)).
func VerifyVRFFold(prev [32]byte, beaconHash string, d MoveDescriptor, genesisTxID string, want [32]byte) (bool, error) {
	canon, err := canonicalMoveDescriptor(d)
	if err != nil {
		return false, err
	}
	parts := [][]byte{prev[:], []byte(beaconHash), canon}
	if genesisTxID != "" {
		parts = append(parts, []byte(genesisTxID))
	}
	got := blake2b256("KKTP:VRF:FOLD:", parts...)
	return got == want, nil
}
