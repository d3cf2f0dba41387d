package core

// Engine is the Game Engine Facade from SPEC_FULL §4.14: the single
// entry point wiring the anchor stack (MoveProcessor/AnchorStrategy) and
// the session/lobby stack behind one lifecycle. Grounded on the teacher's
// core/gaming.go named-state game lifecycle (UNINITIALIZED -> ... ->
// ERROR) and core/connection_pool.go's shutdown-drain pattern (tracked
// in-flight set + reject-new-work toggle).

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EngineState is the facade's public lifecycle state from SPEC_FULL §4.14.
type EngineState string

const (
	EngineUninitialized EngineState = "UNINITIALIZED"
	EngineInitializing  EngineState = "INITIALIZING"
	EngineReady         EngineState = "READY"
	EngineInGame        EngineState = "IN_GAME"
	EngineEnding        EngineState = "ENDING"
	EngineError         EngineState = "ERROR"
)

// Named timeouts applied to every network-facing call, per SPEC_FULL §5
// (cancellation/timeout model).
type EngineTimeouts struct {
	Init        time.Duration
	Connect     time.Duration
	Wallet      time.Duration
	Balance     time.Duration
	VRF         time.Duration
	BlockFetch  time.Duration
	QRNG        time.Duration
	LobbyCreate time.Duration
	LobbyJoin   time.Duration
	Disconnect  time.Duration
}

// DefaultEngineTimeouts mirrors the teacher's conservative connection-pool
// defaults, tuned for each named operation.
func DefaultEngineTimeouts() EngineTimeouts {
	return EngineTimeouts{
		Init:        10 * time.Second,
		Connect:     10 * time.Second,
		Wallet:      5 * time.Second,
		Balance:     5 * time.Second,
		VRF:         3 * time.Second,
		BlockFetch:  5 * time.Second,
		QRNG:        3 * time.Second,
		LobbyCreate: 10 * time.Second,
		LobbyJoin:   10 * time.Second,
		Disconnect:  5 * time.Second,
	}
}

// InitResult is returned from Init.
type InitResult struct {
	Address string
	Balance uint64
}

// StartGameParams configures a new game session.
type StartGameParams struct {
	GameID      string
	PlayerID    string
	OpponentID  string
	Delay       time.Duration
	GameLength  time.Duration
	StartDaaScore uint64
	EndDaaScore   uint64
	BeaconHash    string
	PulseIndex    uint64
}

// StartGameResult is returned from StartGame.
type StartGameResult struct {
	GameID             string
	GameIDTagHex       string
	GenesisBlockHashHex string
	PlayerID           string
	GenesisAnchorTxID  string
}

// RandomResult is returned from GetRandom.
type RandomResult struct {
	Value  [32]byte
	Number uint64
	Proof  []byte
}

// EndGameResult is returned from EndGame.
type EndGameResult struct {
	Success  bool
	TxID     string
	AuditData AuditSnapshot
}

// AuditSnapshot is the audit-facing bundle returned by EndGame/GetAuditData.
type AuditSnapshot struct {
	OwnMerkleRoot      [32]byte
	OpponentMerkleRoot [32]byte
	History            []ProcessedMove
	AnchorChain        []string
}

// Engine wires the full stack behind the public lifecycle.
type Engine struct {
	mu    sync.Mutex
	state EngineState

	adapter   LedgerAdapter
	processor *MoveProcessor
	strategy  *AnchorStrategy
	lobby     *Lobby
	vrf       *VRFManager
	entropy   *EntropyProvider
	pool      *UTXOPool
	manager   *UTXOManager
	branch    BranchKeys

	sink    EventSink
	timeouts EngineTimeouts

	inFlight   sync.WaitGroup
	shutdown   atomic.Bool
	gameIDTag  string
	playerID   string
}

// EngineConfig bundles every collaborator the facade wires together. Only
// Sink and Timeouts have defaults inside NewEngine (NopSink and
// DefaultEngineTimeouts); the other collaborators are built by NewEngine's
// caller (normally the cmd/kktp wiring code) and passed in fully formed,
// matching the teacher's explicit-dependency construction style. Adapter,
// Processor and Strategy are used without nil checks.
type EngineConfig struct {
	Adapter   LedgerAdapter
	Processor *MoveProcessor
	Strategy  *AnchorStrategy
	Lobby     *Lobby
	VRF       *VRFManager
	Entropy   *EntropyProvider
	Pool      *UTXOPool
	Manager   *UTXOManager
	Branch    BranchKeys
	Sink      EventSink
	Timeouts  *EngineTimeouts
}

// NewEngine constructs an Engine in the UNINITIALIZED state.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	timeouts := DefaultEngineTimeouts()
	if cfg.Timeouts != nil {
		timeouts = *cfg.Timeouts
	}
	return &Engine{
		state:     EngineUninitialized,
		adapter:   cfg.Adapter,
		processor: cfg.Processor,
		strategy:  cfg.Strategy,
		lobby:     cfg.Lobby,
		vrf:       cfg.VRF,
		entropy:   cfg.Entropy,
		pool:      cfg.Pool,
		manager:   cfg.Manager,
		branch:    cfg.Branch,
		sink:      cfg.Sink,
		timeouts:  timeouts,
	}
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// withOp tracks an in-flight operation for graceful shutdown draining and
// rejects new work once shutdown has been requested.
func (e *Engine) withOp(ctx context.Context, timeout time.Duration, label string, fn func(ctx context.Context) error) error {
	if e.shutdown.Load() {
		return ErrEngineShutdown
	}
	e.inFlight.Add(1)
	defer e.inFlight.Done()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(opCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-opCtx.Done():
		return fmt.Errorf("engine: %s timed out: %w", label, ErrOperationTimeout)
	}
}

// Init establishes the wallet/adapter connection and transitions
// UNINITIALIZED -> INITIALIZING -> READY (or ERROR).
func (e *Engine) Init(ctx context.Context) (InitResult, error) {
	if e.State() != EngineUninitialized {
		return InitResult{}, ErrEngineNotReady
	}
	e.setState(EngineInitializing)

	var result InitResult
	err := e.withOp(ctx, e.timeouts.Init, "init", func(opCtx context.Context) error {
		addr, err := e.adapter.Address(opCtx)
		if err != nil {
			return err
		}
		result.Address = addr
		utxos, err := e.adapter.ListUTXOs(opCtx)
		if err != nil {
			return err
		}
		var total uint64
		for _, u := range utxos {
			total += u.AmountSompi
		}
		result.Balance = total
		return nil
	})
	if err != nil {
		e.setState(EngineError)
		return InitResult{}, err
	}
	e.setState(EngineReady)
	e.sink.Emit(Event{Type: EventGameReady, At: time.Now(), Payload: "engine ready"})
	return result, nil
}

// StartGame anchors the genesis seed and transitions READY -> IN_GAME.
func (e *Engine) StartGame(ctx context.Context, p StartGameParams) (StartGameResult, error) {
	if e.State() != EngineReady {
		return StartGameResult{}, ErrEngineNotReady
	}
	if p.GameID == "" {
		p.GameID = uuid.NewString()
	}
	e.gameIDTag = GameIDTagHex(p.GameID)
	e.playerID = p.PlayerID

	var result StartGameResult
	err := e.withOp(ctx, e.timeouts.Connect, "startGame", func(opCtx context.Context) error {
		e.processor.Start()
		if err := e.strategy.AnchorGenesisSeed(opCtx, AnchorGenesisSeedParams{
			StartDaaScore: p.StartDaaScore,
			EndDaaScore:   p.EndDaaScore,
			BeaconHash:    p.BeaconHash,
			PulseIndex:    p.PulseIndex,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		e.setState(EngineError)
		return StartGameResult{}, err
	}
	e.setState(EngineInGame)
	result = StartGameResult{
		GameID:              p.GameID,
		GameIDTagHex:        e.gameIDTag,
		GenesisBlockHashHex: p.BeaconHash,
		PlayerID:            p.PlayerID,
		GenesisAnchorTxID:   e.strategy.GenesisTxID(),
	}
	return result, nil
}

// RecordMove processes a local move, surfacing VRF_SYNC_WAIT as a typed
// error per SPEC_FULL §4.11.
func (e *Engine) RecordMove(action MoveAction) (ProcessMoveResult, error) {
	if e.State() != EngineInGame {
		return ProcessMoveResult{}, ErrEngineNotReady
	}
	return e.processor.ProcessLocalMove(action)
}

// RecordEvent appends a non-anchored game event.
func (e *Engine) RecordEvent(eventType string, data map[string]any) error {
	if e.State() != EngineInGame {
		return ErrEngineNotReady
	}
	e.processor.ProcessGameEvent(eventType, data)
	return nil
}

// ReceiveOpponentMove validates and applies an opponent's move.
func (e *Engine) ReceiveOpponentMove(data OpponentMoveData) ReceiveResult {
	return e.processor.ReceiveOpponentMove(data)
}

// GetRandom derives a fresh VRF-backed random value by processing seedAction
// as a non-MOVE local move on lane 0, so each draw is recorded through the
// move processor like any other local move.
func (e *Engine) GetRandom(seedAction string) (RandomResult, error) {
	if e.State() != EngineInGame {
		return RandomResult{}, ErrEngineNotReady
	}
	lane := uint8(0)
	res, err := e.processor.ProcessLocalMove(MoveAction{Action: seedAction, Lane: &lane})
	if err != nil {
		return RandomResult{}, err
	}
	return RandomResult{Value: res.RandomValue, Number: res.RandomNumber}, nil
}

// Shuffle performs a Fisher-Yates shuffle of n elements driven by a single
// VRF draw, returning the resulting permutation of indices.
func (e *Engine) Shuffle(n int) ([]int, error) {
	rnd, err := e.GetRandom("shuffle")
	if err != nil {
		return nil, err
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	seed := new(big.Int).SetBytes(rnd.Value[:])
	for i := n - 1; i > 0; i-- {
		mod := big.NewInt(int64(i + 1))
		idx := new(big.Int).Mod(seed, mod).Int64()
		perm[i], perm[idx] = perm[idx], perm[i]
		seed.Rsh(seed, 1)
	}
	return perm, nil
}

// EndGame anchors the final state and transitions IN_GAME -> ENDING ->
// READY.
func (e *Engine) EndGame(ctx context.Context, final FinalState) (EndGameResult, error) {
	if e.State() != EngineInGame {
		return EndGameResult{}, ErrEngineNotReady
	}
	e.setState(EngineEnding)

	var result EndGameResult
	err := e.withOp(ctx, e.timeouts.Disconnect, "endGame", func(opCtx context.Context) error {
		return e.strategy.AnchorFinalState(opCtx, final)
	})
	ownRoot, oppRoot, history := e.processor.GetAuditData()
	e.processor.Stop()
	if err != nil {
		e.setState(EngineError)
		return EndGameResult{}, err
	}
	e.setState(EngineReady)
	chain := e.strategy.AnchorChain()
	var lastTxID string
	if len(chain) > 0 {
		lastTxID = chain[len(chain)-1]
	}
	result = EndGameResult{
		Success: true,
		TxID:    lastTxID,
		AuditData: AuditSnapshot{
			OwnMerkleRoot:      ownRoot,
			OpponentMerkleRoot: oppRoot,
			History:            history,
			AnchorChain:        chain,
		},
	}
	return result, nil
}

// GetAuditData returns the current session's audit bundle without ending
// the game.
func (e *Engine) GetAuditData() AuditSnapshot {
	ownRoot, oppRoot, history := e.processor.GetAuditData()
	return AuditSnapshot{OwnMerkleRoot: ownRoot, OpponentMerkleRoot: oppRoot, History: history, AnchorChain: e.strategy.AnchorChain()}
}

// GetMerkleProof proxies to the processor's own-player Merkle accumulator.
func (e *Engine) GetMerkleProof(index int) ([]ProofStep, error) {
	return e.processor.GetMerkleProof(index)
}

// CreateLobby (host) wraps NewHostLobby behind the facade's named timeout
// and wires it onto this engine.
func (e *Engine) CreateLobby(ctx context.Context, cfg LobbyConfig) error {
	return e.withOp(ctx, e.timeouts.LobbyCreate, "createLobby", func(opCtx context.Context) error {
		e.lobby = NewHostLobby(cfg)
		return nil
	})
}

// JoinLobby (member) wires a member-role Lobby onto this engine, seeded
// with the key received over the join response.
func (e *Engine) JoinLobby(ctx context.Context, selfPubSig string, branch BranchKeys, initialKey [32]byte) error {
	return e.withOp(ctx, e.timeouts.LobbyJoin, "joinLobby", func(opCtx context.Context) error {
		e.lobby = NewMemberLobby(selfPubSig, branch, initialKey, e.sink)
		return nil
	})
}

// LeaveLobby (member) marks local lobby state as kicked/left.
func (e *Engine) LeaveLobby() {
	if e.lobby != nil {
		e.lobby.OnKicked()
	}
}

// CloseLobby (host) closes the lobby via Lobby.Close, creating an end
// anchor on every member session.
func (e *Engine) CloseLobby() {
	if e.lobby != nil {
		e.lobby.Close()
	}
}

// SendLobbyMessage (host or member) is a thin placeholder for transport
// wiring; the actual group-mailbox send is owned by the caller's network
// layer, which already holds the GroupKeyVault via Lobby.
func (e *Engine) SendLobbyMessage(nonce [24]byte, plaintext []byte, senderPubSig string) (GroupMessage, error) {
	if e.lobby == nil {
		return GroupMessage{}, ErrLobbyClosed
	}
	v := e.lobby.vault
	v.mu.Lock()
	key := v.current
	v.mu.Unlock()
	ct, err := sealAEAD(key.Key, nonce, []byte("group_message|"+senderPubSig), plaintext)
	if err != nil {
		return GroupMessage{}, err
	}
	return GroupMessage{
		Type:         "group_message",
		KeyVersion:   key.Version,
		NonceHex:     fmt.Sprintf("%x", nonce),
		Ciphertext:   ct,
		SenderPubSig: senderPubSig,
		Timestamp:    time.Now(),
	}, nil
}

// Shutdown rejects new operations, drains every in-flight operation,
// zeroises key material, and returns the engine to UNINITIALIZED. Matches
// SPEC_FULL §4.14 "Graceful shutdown".
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if e.manager != nil {
		e.manager.Stop()
	}
	if e.strategy != nil {
		e.strategy.Stop()
	}
	if e.lobby != nil {
		e.lobby.Close()
	}
	e.branch.Zero()
	e.setState(EngineUninitialized)
	return nil
}
