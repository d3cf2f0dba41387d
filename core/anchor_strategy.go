package core

// AnchorStrategy implements the state machine in SPEC_FULL §4.10.
// Grounded on the teacher's core/gaming.go game-state machine (named
// states, explicit transition methods, event emission on each transition)
// adapted from game lifecycle states to the genesis/heartbeat/final anchor
// submission lifecycle.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// AnchorState enumerates the anchor submission lifecycle.
type AnchorState string

const (
	AnchorIdle           AnchorState = "IDLE"
	AnchorGenesisPending AnchorState = "GENESIS_PENDING"
	AnchorActive         AnchorState = "ACTIVE"
	AnchorFinalPending   AnchorState = "FINAL_PENDING"
	AnchorDone           AnchorState = "DONE"
	AnchorGenesisFailed  AnchorState = "GENESIS_FAILED"
	AnchorFailedState    AnchorState = "ANCHOR_FAILED"
)

// FinalState carries the end-of-game summary packed into the Final anchor.
type FinalState struct {
	FinalScore     int64
	CoinsCollected uint64
}

// AnchorStrategy owns one player's genesis → heartbeats → final anchor
// chain for a single game.
type AnchorStrategy struct {
	mu sync.Mutex

	state       AnchorState
	gameIDTag   string
	playerTag   string
	genesisTxID string
	lastTxID    string
	anchorChain []string

	pool    *UTXOPool
	adapter LedgerAdapter
	vault   *MoveVault
	vrf     *VRFManager
	merkle  *MerkleAccumulator
	signer  BranchKeys
	sink    EventSink
	log     *logrus.Logger

	heartbeatInterval time.Duration
	submitting        atomic.Bool
	cancel            context.CancelFunc
}

// AnchorStrategyConfig bundles the collaborators an AnchorStrategy needs.
type AnchorStrategyConfig struct {
	GameIDTag         string
	PlayerTag         string
	Pool              *UTXOPool
	Adapter           LedgerAdapter
	Vault             *MoveVault
	VRF               *VRFManager
	Merkle            *MerkleAccumulator
	Signer            BranchKeys
	Sink              EventSink
	Log               *logrus.Logger
	HeartbeatInterval time.Duration
}

func NewAnchorStrategy(cfg AnchorStrategyConfig) *AnchorStrategy {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &AnchorStrategy{
		state:             AnchorIdle,
		gameIDTag:         cfg.GameIDTag,
		playerTag:         cfg.PlayerTag,
		pool:              cfg.Pool,
		adapter:           cfg.Adapter,
		vault:             cfg.Vault,
		vrf:               cfg.VRF,
		merkle:            cfg.Merkle,
		signer:            cfg.Signer,
		sink:              cfg.Sink,
		log:               cfg.Log,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// State returns the current state.
func (a *AnchorStrategy) State() AnchorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// GenesisTxID returns the confirmed genesis txid, or "" if not yet
// confirmed.
func (a *AnchorStrategy) GenesisTxID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.genesisTxID
}

// AnchorChain returns a snapshot of this player's anchor chain so far.
func (a *AnchorStrategy) AnchorChain() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.anchorChain...)
}

// Start arms the heartbeat timer; no transaction is submitted yet
// (IDLE -> IDLE).
func (a *AnchorStrategy) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		t := time.NewTicker(a.heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if a.State() == AnchorActive {
					if err := a.sendHeartbeatAnchor(runCtx); err != nil {
						a.log.WithError(err).Debug("anchor strategy: heartbeat round skipped")
					}
				}
			}
		}
	}()
}

func (a *AnchorStrategy) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// AnchorGenesisSeedParams bundles genesis anchor inputs.
type AnchorGenesisSeedParams struct {
	StartDaaScore uint64
	EndDaaScore   uint64
	BeaconHash    string
	PulseIndex    uint64
}

// AnchorGenesisSeed reserves a UTXO, packs and submits the genesis
// payload, and on confirmation transitions IDLE -> GENESIS_PENDING ->
// ACTIVE.
func (a *AnchorStrategy) AnchorGenesisSeed(ctx context.Context, p AnchorGenesisSeedParams) error {
	if !a.submitting.CompareAndSwap(false, true) {
		return ErrAnchorInFlight
	}
	defer a.submitting.Store(false)

	a.mu.Lock()
	a.state = AnchorGenesisPending
	a.mu.Unlock()

	entry, ok := a.pool.Reserve()
	if !ok {
		a.setFailed(AnchorGenesisFailed)
		return ErrPoolEmpty
	}

	genesisOutput := a.vrf.Genesis(p.BeaconHash, p.PulseIndex, a.gameIDTag)
	base := GenesisPayload{
		GameIDTagHex:     a.gameIDTag,
		PlayerTag:        a.playerTag,
		StartDaaScore:    p.StartDaaScore,
		EndDaaScore:      p.EndDaaScore,
		QRNGPulseIndex:   p.PulseIndex,
		BeaconHash:       p.BeaconHash,
		InitialVRFOutput: genesisOutput,
	}
	unsigned := EncodeGenesis(base)
	base.Signature = a.signer.Sign(unsigned[:len(unsigned)-2]) // strip the zero-length sig tail before signing
	payload := EncodeGenesis(base)

	txID, err := a.submitPayload(ctx, entry, payload)
	if err != nil {
		_ = a.pool.Release(entry.Outpoint)
		a.setFailed(AnchorGenesisFailed)
		return err
	}
	if err := a.pool.MarkSpent(entry.Outpoint); err != nil {
		a.log.WithError(err).Warn("anchor strategy: mark spent failed after genesis submit")
	}

	a.mu.Lock()
	a.genesisTxID = txID
	a.lastTxID = txID
	a.anchorChain = append(a.anchorChain, txID)
	a.state = AnchorActive
	a.mu.Unlock()

	a.vrf.SetGenesisTxID(txID)
	a.sink.Emit(Event{Type: EventGenesisAnchored, At: time.Now(), Payload: txID})
	return nil
}

// sendHeartbeatAnchor packs every un-anchored move since lastTxID and
// submits a heartbeat, appending to the anchor chain on confirmation.
func (a *AnchorStrategy) sendHeartbeatAnchor(ctx context.Context) error {
	if !a.submitting.CompareAndSwap(false, true) {
		return ErrAnchorInFlight
	}
	defer a.submitting.Store(false)

	unanchored := a.vault.UnanchoredMoves()
	if len(unanchored) == 0 {
		return nil
	}

	entry, ok := a.pool.Reserve()
	if !ok {
		a.sink.Emit(Event{Type: EventAnchorFailed, At: time.Now(), Payload: "pool empty"})
		return ErrPoolEmpty
	}

	moves := make([]MoveEntry, 0, len(unanchored))
	isMove := make([]bool, 0, len(unanchored))
	for _, m := range unanchored {
		var frag uint32
		if len(m.VRFOutput) >= 4 {
			frag = uint32(m.VRFOutput[0])<<24 | uint32(m.VRFOutput[1])<<16 | uint32(m.VRFOutput[2])<<8 | uint32(m.VRFOutput[3])
		}
		lane, lok := m.Data["lane"].(uint8)
		x, _ := m.Data["x"].(uint16)
		y, _ := m.Data["y"].(uint16)
		z, _ := m.Data["z"].(uint16)
		td, _ := m.Data["timeDelta"].(uint8)
		me := MoveEntry{VRFFragment: frag, TimeDelta: td}
		if lok {
			me.Lane = lane
			isMove = append(isMove, false)
		} else {
			me.IsMove = true
			me.X, me.Y, me.Z = x, y, z
			isMove = append(isMove, true)
		}
		moves = append(moves, me)
	}

	a.mu.Lock()
	prevTxID := a.lastTxID
	a.mu.Unlock()

	base := HeartbeatPayload{
		GameIDTagHex: a.gameIDTag,
		PrevTxID:     prevTxID,
		Moves:        moves,
		MoveIsMove:   isMove,
	}
	unsigned := EncodeHeartbeat(base)
	base.Signature = a.signer.Sign(unsigned[:len(unsigned)-2])
	payload := EncodeHeartbeat(base)

	txID, err := a.submitPayload(ctx, entry, payload)
	if err != nil {
		_ = a.pool.Release(entry.Outpoint)
		a.sink.Emit(Event{Type: EventAnchorFailed, At: time.Now(), Payload: err.Error()})
		return err
	}
	if err := a.pool.MarkSpent(entry.Outpoint); err != nil {
		a.log.WithError(err).Warn("anchor strategy: mark spent failed after heartbeat submit")
	}

	moveIDs := make(map[string]struct{}, len(unanchored))
	for _, m := range unanchored {
		moveIDs[m.MoveID] = struct{}{}
	}
	a.vault.MarkAnchored(moveIDs)

	a.mu.Lock()
	a.lastTxID = txID
	a.anchorChain = append(a.anchorChain, txID)
	a.mu.Unlock()

	a.sink.Emit(Event{Type: EventHeartbeatAnchored, At: time.Now(), Payload: txID})
	return nil
}

// AnchorFinalState packs and submits the final (GAMEEND) anchor, moving
// ACTIVE -> FINAL_PENDING -> DONE on confirmation.
func (a *AnchorStrategy) AnchorFinalState(ctx context.Context, end FinalState) error {
	if !a.submitting.CompareAndSwap(false, true) {
		return ErrAnchorInFlight
	}
	defer a.submitting.Store(false)

	a.mu.Lock()
	a.state = AnchorFinalPending
	prevTxID := a.lastTxID
	a.mu.Unlock()

	entry, ok := a.pool.Reserve()
	if !ok {
		a.setFailed(AnchorFailedState)
		return ErrPoolEmpty
	}

	root := a.merkle.GetRoot()
	base := FinalPayload{
		GameIDTagHex:   a.gameIDTag,
		PrevTxID:       prevTxID,
		MerkleRoot:     root,
		FinalScore:     end.FinalScore,
		CoinsCollected: end.CoinsCollected,
		TotalMoves:     uint32(a.merkle.Size()),
	}
	unsigned := EncodeFinal(base)
	base.Signature = a.signer.Sign(unsigned[:len(unsigned)-2])
	payload := EncodeFinal(base)

	txID, err := a.submitPayload(ctx, entry, payload)
	if err != nil {
		_ = a.pool.Release(entry.Outpoint)
		a.setFailed(AnchorFailedState)
		return err
	}
	if err := a.pool.MarkSpent(entry.Outpoint); err != nil {
		a.log.WithError(err).Warn("anchor strategy: mark spent failed after final submit")
	}

	a.mu.Lock()
	a.lastTxID = txID
	a.anchorChain = append(a.anchorChain, txID)
	a.state = AnchorDone
	a.mu.Unlock()

	a.sink.Emit(Event{Type: EventAnchorComplete, At: time.Now(), Payload: txID})
	return nil
}

// RetryFinalAnchor re-attempts AnchorFinalState after a prior failure.
func (a *AnchorStrategy) RetryFinalAnchor(ctx context.Context, end FinalState) error {
	a.mu.Lock()
	if a.state != AnchorFailedState {
		a.mu.Unlock()
		return ErrAnchorNotActive
	}
	a.state = AnchorActive
	a.mu.Unlock()
	return a.AnchorFinalState(ctx, end)
}

func (a *AnchorStrategy) setFailed(s AnchorState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// submitPayload signs and submits an anchor-carrying transaction template
// against a reserved UTXO. Building the actual transaction wire format is
// the adapter's concern; this strategy only hands it the payload and the
// outpoint to spend.
func (a *AnchorStrategy) submitPayload(ctx context.Context, entry PoolEntry, payload []byte) (string, error) {
	unsigned := buildAnchorTxTemplate(entry, payload)
	signed, err := a.adapter.Sign(ctx, unsigned)
	if err != nil {
		return "", err
	}
	return a.adapter.SubmitTransaction(ctx, signed)
}

// buildAnchorTxTemplate produces the minimal unsigned-transaction template
// the adapter needs: the outpoint being spent plus the anchor payload to
// carry. Real fee/change-output construction is the adapter's
// responsibility, since it alone knows the ledger's transaction format.
func buildAnchorTxTemplate(entry PoolEntry, payload []byte) []byte {
	raw, _ := CanonicalJSON(struct {
		Outpoint Outpoint `json:"outpoint"`
		Payload  []byte   `json:"payload"`
	}{Outpoint: entry.Outpoint, Payload: payload})
	return raw
}
