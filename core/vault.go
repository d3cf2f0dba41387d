package core

// MoveVault implements SPEC_FULL §4.9: the append log of processed moves,
// game events, and VRF proofs for one game. Grounded on the teacher's
// core/gaming.go move-log structures, replacing its ad-hoc slices with an
// explicit dedup set per the "processedMoveId" contract.

import (
	"sync"
	"time"
)

// ProcessedMove is one accepted local or opponent move.
type ProcessedMove struct {
	MoveID    string
	Action    string
	Data      map[string]any
	Sequence  uint64
	Timestamp time.Time
	VRFOutput [32]byte
	Anchored  bool
}

// GameEvent is a non-anchored, ordered event (e.g. a score update).
type GameEvent struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
}

// VRFProofEntry records one VRF proof alongside the move it authenticates.
type VRFProofEntry struct {
	MoveID    string
	VRFOutput [32]byte
	Proof     []byte
}

// MoveVault is the per-game append log described in SPEC_FULL §4.9 and
// §3 "Move Vault".
type MoveVault struct {
	mu sync.Mutex

	moves      []ProcessedMove
	events     []GameEvent
	proofs     []VRFProofEntry
	processed  map[string]struct{}
}

func NewMoveVault() *MoveVault {
	return &MoveVault{processed: make(map[string]struct{})}
}

// HasProcessedMove reports whether id has already been accepted.
func (v *MoveVault) HasProcessedMove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.processed[id]
	return ok
}

// AddProcessedMove records a move as accepted. Returns ErrDuplicateMove if
// id was already processed.
func (v *MoveVault) AddProcessedMove(id string, move ProcessedMove) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.processed[id]; ok {
		return ErrDuplicateMove
	}
	v.processed[id] = struct{}{}
	move.MoveID = id
	v.moves = append(v.moves, move)
	return nil
}

// AddMove is an alias for AddProcessedMove kept for contract-name parity
// with SPEC_FULL §4.9's `addMove(entry)`.
func (v *MoveVault) AddMove(entry ProcessedMove) error {
	return v.AddProcessedMove(entry.MoveID, entry)
}

// MarkOpponentMove dedups an opponent move id without appending it to the
// local move log. Opponent moves only advance the opponent's own Merkle
// accumulator (kept in MoveProcessor) — they must never surface from
// UnanchoredMoves, or the local player's heartbeats would re-anchor the
// opponent's moves as their own. Returns ErrDuplicateMove on replay.
func (v *MoveVault) MarkOpponentMove(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.processed[id]; ok {
		return ErrDuplicateMove
	}
	v.processed[id] = struct{}{}
	return nil
}

// AddGameEvent appends a non-anchored event, preserving insertion order.
func (v *MoveVault) AddGameEvent(event GameEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, event)
}

// AddVRFProof appends a VRF proof entry.
func (v *MoveVault) AddVRFProof(entry VRFProofEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.proofs = append(v.proofs, entry)
}

// GetMoveHistory returns a snapshot of moves in insertion order.
func (v *MoveVault) GetMoveHistory() []ProcessedMove {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ProcessedMove, len(v.moves))
	copy(out, v.moves)
	return out
}

// UnanchoredMoves returns moves not yet marked Anchored, in insertion
// order — the set a heartbeat round packs.
func (v *MoveVault) UnanchoredMoves() []ProcessedMove {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []ProcessedMove
	for _, m := range v.moves {
		if !m.Anchored {
			out = append(out, m)
		}
	}
	return out
}

// MarkAnchored flags the given moveIds as anchored, e.g. after a heartbeat
// confirms.
func (v *MoveVault) MarkAnchored(moveIDs map[string]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.moves {
		if _, ok := moveIDs[v.moves[i].MoveID]; ok {
			v.moves[i].Anchored = true
		}
	}
}

// Snapshot is the read-through capture taken before ClearForStop, for
// post-session audit.
type Snapshot struct {
	Moves  []ProcessedMove
	Events []GameEvent
	Proofs []VRFProofEntry
}

// snapshotLocked must be called with v.mu held.
func (v *MoveVault) snapshotLocked() Snapshot {
	return Snapshot{
		Moves:  append([]ProcessedMove(nil), v.moves...),
		Events: append([]GameEvent(nil), v.events...),
		Proofs: append([]VRFProofEntry(nil), v.proofs...),
	}
}

// ResetForNewGame clears all state, ready for a fresh game in the same
// process.
func (v *MoveVault) ResetForNewGame() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.moves = nil
	v.events = nil
	v.proofs = nil
	v.processed = make(map[string]struct{})
}

// ClearForStop captures a final snapshot and then clears the vault, per
// the "read-through snapshot captured before stop" contract.
func (v *MoveVault) ClearForStop() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap := v.snapshotLocked()
	v.moves = nil
	v.events = nil
	v.proofs = nil
	v.processed = make(map[string]struct{})
	return snap
}
