package core

// MoveProcessor implements SPEC_FULL §4.11: the per-game orchestrator that
// owns VRF state, two independent Merkle accumulators (own/opponent), and
// the move vault for a single game. Grounded on the teacher's
// core/gaming.go move-dispatch loop, adapted per the "cyclic references
// between processor, strategy, vault" design note: the Processor holds the
// VRF manager, both Merkle accumulators and the MoveVault (owner, downward
// calls only); the AnchorStrategy is a separate collaborator wired by the
// facade. Nothing here calls back up into the Processor from those
// collaborators.

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MoveAction is a local caller's intent before VRF/Merkle processing.
type MoveAction struct {
	Action string
	Lane   *uint8
	X, Y, Z *uint16
	Data   map[string]any
}

// ProcessMoveResult is returned to the facade from ProcessLocalMove.
type ProcessMoveResult struct {
	MoveID     string
	Sequence   uint64
	RandomValue [32]byte
	RandomNumber uint64
	MerkleRoot [32]byte
}

// ReceiveResult is returned from ReceiveOpponentMove.
type ReceiveResult struct {
	Valid  bool
	Reason string
	MoveID string
}

// MoveProcessor is grounded on SPEC_FULL §3 "Move Processor exclusively
// owns VRF state, Merkle trees, and vault for one game".
type MoveProcessor struct {
	mu sync.Mutex

	vrf          *VRFManager
	ownMerkle    *MerkleAccumulator
	opponentMerkle *MerkleAccumulator
	vault        *MoveVault
	sink         EventSink

	sequence        uint64
	lastMoveTime    time.Time
	timeDeltaScale  time.Duration
	opponentPubSig  string
	gameStarted     bool
}

// MoveProcessorConfig bundles construction-time collaborators.
type MoveProcessorConfig struct {
	VRF            *VRFManager
	OwnMerkle      *MerkleAccumulator
	OpponentMerkle *MerkleAccumulator
	Vault          *MoveVault
	Sink           EventSink
	TimeDeltaScale time.Duration
	OpponentPubSig string
}

func NewMoveProcessor(cfg MoveProcessorConfig) *MoveProcessor {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.TimeDeltaScale <= 0 {
		cfg.TimeDeltaScale = 50 * time.Millisecond
	}
	return &MoveProcessor{
		vrf:            cfg.VRF,
		ownMerkle:      cfg.OwnMerkle,
		opponentMerkle: cfg.OpponentMerkle,
		vault:          cfg.Vault,
		sink:           cfg.Sink,
		timeDeltaScale: cfg.TimeDeltaScale,
		opponentPubSig: cfg.OpponentPubSig,
	}
}

// Start marks the processor ready to accept moves, resetting per-game
// counters.
func (p *MoveProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence = 0
	p.lastMoveTime = time.Time{}
	p.gameStarted = true
}

// Stop captures a final vault snapshot for post-session audit and marks
// the processor no longer accepting moves.
func (p *MoveProcessor) Stop() Snapshot {
	p.mu.Lock()
	p.gameStarted = false
	p.mu.Unlock()
	return p.vault.ClearForStop()
}

// ProcessLocalMove computes timestamp/sequence/timeDelta, folds the VRF
// chain, appends a Merkle leaf, and records the move in the vault.
func (p *MoveProcessor) ProcessLocalMove(action MoveAction) (ProcessMoveResult, error) {
	p.mu.Lock()
	if !p.gameStarted {
		p.mu.Unlock()
		return ProcessMoveResult{}, ErrEngineNotReady
	}
	now := time.Now()
	p.sequence++
	seq := p.sequence
	var timeDelta uint8
	if !p.lastMoveTime.IsZero() {
		elapsed := now.Sub(p.lastMoveTime)
		timeDelta = clamp8(int64(elapsed / p.timeDeltaScale))
	}
	p.lastMoveTime = now
	p.mu.Unlock()

	desc := MoveDescriptor{
		Action:    action.Action,
		TimeDelta: timeDelta,
		Sequence:  seq,
		Timestamp: now.UnixMilli(),
	}
	isMove := action.X != nil && action.Y != nil && action.Z != nil
	if isMove {
		desc.X, desc.Y, desc.Z = action.X, action.Y, action.Z
	} else if action.Lane != nil {
		desc.Lane = action.Lane
	} else {
		return ProcessMoveResult{}, ErrInvalidMoveShape
	}

	vrfRes, err := p.vrf.UpdateStateForMove(desc)
	if err != nil {
		return ProcessMoveResult{}, err
	}

	leaf, _ := buildMoveLeaf(desc, vrfRes.VRFOutput, isMove)
	idx, _, moveID := p.ownMerkle.AddMove(leaf)

	data := map[string]any{}
	for k, v := range action.Data {
		data[k] = v
	}
	if isMove {
		data["x"], data["y"], data["z"] = *action.X, *action.Y, *action.Z
	} else {
		data["lane"] = *action.Lane
	}
	data["timeDelta"] = timeDelta

	if err := p.vault.AddProcessedMove(moveID, ProcessedMove{
		Action:    action.Action,
		Data:      data,
		Sequence:  seq,
		Timestamp: now,
		VRFOutput: vrfRes.VRFOutput,
	}); err != nil {
		return ProcessMoveResult{}, err
	}
	p.vault.AddVRFProof(VRFProofEntry{MoveID: moveID, VRFOutput: vrfRes.VRFOutput, Proof: vrfRes.Proof})

	root := p.ownMerkle.GetRoot()
	p.sink.Emit(Event{Type: EventMoveProcessed, At: now, Payload: moveID})

	randNum := fragmentToUint64(vrfRes.VRFOutput)
	_ = idx
	return ProcessMoveResult{
		MoveID:       moveID,
		Sequence:     seq,
		RandomValue:  vrfRes.VRFOutput,
		RandomNumber: randNum,
		MerkleRoot:   root,
	}, nil
}

// ProcessGameEvent records a non-anchored, ordered event.
func (p *MoveProcessor) ProcessGameEvent(eventType string, data map[string]any) {
	p.vault.AddGameEvent(GameEvent{Type: eventType, Data: data, Timestamp: time.Now()})
}

// OpponentMoveData is the wire shape an opponent's move arrives in.
type OpponentMoveData struct {
	MoveID         string
	SenderPubSig   string
	Action         string
	Lane           *uint8
	X, Y, Z        *uint16
	TimeDelta      uint8
	VRFOutputHex   string
}

// ReceiveOpponentMove validates and, on success, advances the opponent's
// independent Merkle accumulator using the same canonical leaf form.
func (p *MoveProcessor) ReceiveOpponentMove(data OpponentMoveData) ReceiveResult {
	if data.SenderPubSig != "" && p.opponentPubSig != "" && data.SenderPubSig != p.opponentPubSig {
		return ReceiveResult{Valid: false, Reason: "wrong opponent identity"}
	}
	if p.vault.HasProcessedMove(data.MoveID) {
		return ReceiveResult{Valid: false, Reason: "duplicate moveId"}
	}
	isMove := data.X != nil && data.Y != nil && data.Z != nil
	if !isMove && data.Lane == nil {
		return ReceiveResult{Valid: false, Reason: "malformed move data"}
	}
	vrfOut, err := hex.DecodeString(data.VRFOutputHex)
	if err != nil || len(vrfOut) != 32 {
		return ReceiveResult{Valid: false, Reason: "malformed move data"}
	}
	var vrfArr [32]byte
	copy(vrfArr[:], vrfOut)

	desc := MoveDescriptor{Action: data.Action, TimeDelta: data.TimeDelta}
	if isMove {
		desc.X, desc.Y, desc.Z = data.X, data.Y, data.Z
	} else {
		desc.Lane = data.Lane
	}
	leaf, _ := buildMoveLeaf(desc, vrfArr, isMove)
	_, _, moveID := p.opponentMerkle.AddMove(leaf)

	if err := p.vault.MarkOpponentMove(data.MoveID); err != nil {
		return ReceiveResult{Valid: false, Reason: "duplicate moveId"}
	}

	p.sink.Emit(Event{Type: EventOpponentMoveAnchored, At: time.Now(), Payload: data.MoveID})
	return ReceiveResult{Valid: true, MoveID: moveID}
}

// GetMerkleProof returns the inclusion proof for the own-player leaf at
// index.
func (p *MoveProcessor) GetMerkleProof(index int) ([]ProofStep, error) {
	return p.ownMerkle.GetProof(index)
}

// GetAuditData returns the move history and both Merkle roots for
// post-session audit.
func (p *MoveProcessor) GetAuditData() (ownRoot, opponentRoot [32]byte, history []ProcessedMove) {
	return p.ownMerkle.GetRoot(), p.opponentMerkle.GetRoot(), p.vault.GetMoveHistory()
}

// buildMoveLeaf encodes the canonical leaf form from SPEC_FULL §3:
// {action, [x,y,z|lane], timeDelta, vrfFragment} where vrfFragment is the
// first 4 bytes of the VRF output as hex.
func buildMoveLeaf(d MoveDescriptor, vrfOutput [32]byte, isMove bool) ([]byte, string) {
	fragHex := hex.EncodeToString(vrfOutput[:4])
	type leafShape struct {
		Action      string  `json:"action"`
		X           *uint16 `json:"x,omitempty"`
		Y           *uint16 `json:"y,omitempty"`
		Z           *uint16 `json:"z,omitempty"`
		Lane        *uint8  `json:"lane,omitempty"`
		TimeDelta   uint8   `json:"timeDelta"`
		VRFFragment string  `json:"vrfFragment"`
	}
	shape := leafShape{Action: d.Action, TimeDelta: d.TimeDelta, VRFFragment: fragHex}
	if isMove {
		shape.X, shape.Y, shape.Z = d.X, d.Y, d.Z
	} else {
		shape.Lane = d.Lane
	}
	raw, err := CanonicalJSON(shape)
	if err != nil {
		return []byte(fmt.Sprintf("%v", shape)), fragHex
	}
	return raw, fragHex
}

func fragmentToUint64(out [32]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(out[i])
	}
	return v
}
