package core

import (
	"context"
	"testing"
)

type auditFixture struct {
	gameIDTag  string
	beaconHash string
	genesisTx  string
	heartbeatTx string
	finalTx    string
	moveEntry  MoveEntry
	merkleRoot [32]byte
}

func buildAuditFixture(t *testing.T) auditFixture {
	t.Helper()
	gameIDTag := GameIDTagHex("game-1")
	beaconHash := "beacon-1"

	vrf := NewVRFManager(NewEntropyProvider(), BranchKeys{}, nil)
	v0 := vrf.Genesis(beaconHash, 0, gameIDTag)

	lane := uint8(2)
	timeDelta := uint8(5)
	desc := MoveDescriptor{TimeDelta: timeDelta, Lane: &lane}
	canon, err := canonicalMoveDescriptor(desc)
	if err != nil {
		t.Fatalf("canonicalMoveDescriptor: %v", err)
	}
	fold := blake2b256("KKTP:VRF:FOLD:", v0[:], []byte(beaconHash), canon)
	frag := uint32(fold[0])<<24 | uint32(fold[1])<<16 | uint32(fold[2])<<8 | uint32(fold[3])

	me := MoveEntry{IsMove: false, Lane: lane, TimeDelta: timeDelta, VRFFragment: frag}

	acc := NewMerkleAccumulator()
	acc.AddMove(EncodeMoveEntry(me))
	root := acc.GetRoot()

	return auditFixture{
		gameIDTag:   gameIDTag,
		beaconHash:  beaconHash,
		genesisTx:   "genesis-tx",
		heartbeatTx: "heartbeat-tx",
		finalTx:     "final-tx",
		moveEntry:   me,
		merkleRoot:  root,
	}
}

func (f auditFixture) block() Block {
	genesis := GenesisPayload{GameIDTagHex: f.gameIDTag, BeaconHash: f.beaconHash}
	// InitialVRFOutput must match the fixture's V0, recompute identically.
	vrf := NewVRFManager(NewEntropyProvider(), BranchKeys{}, nil)
	genesis.InitialVRFOutput = vrf.Genesis(f.beaconHash, 0, f.gameIDTag)

	hb := HeartbeatPayload{
		GameIDTagHex: f.gameIDTag,
		PrevTxID:     f.genesisTx,
		Moves:        []MoveEntry{f.moveEntry},
		MoveIsMove:   []bool{false},
	}
	final := FinalPayload{
		GameIDTagHex: f.gameIDTag,
		PrevTxID:     f.heartbeatTx,
		MerkleRoot:   f.merkleRoot,
		FinalScore:   1,
		TotalMoves:   1,
	}

	return Block{
		Hash:     "b1",
		DaaScore: 1,
		Transactions: []Transaction{
			{TxID: f.genesisTx, Payload: EncodeGenesis(genesis)},
			{TxID: f.heartbeatTx, Payload: EncodeHeartbeat(hb)},
			{TxID: f.finalTx, Payload: EncodeFinal(final)},
		},
	}
}

func TestReconstructChainPassesForConsistentAnchors(t *testing.T) {
	f := buildAuditFixture(t)
	adapter := NewFakeAdapter("addr", nil)
	ctx := context.Background()
	src, err := adapter.SubscribeBlocks(ctx)
	if err != nil {
		t.Fatalf("SubscribeBlocks: %v", err)
	}
	adapter.PushBlock(f.block())
	src.Close()

	report, err := ReconstructChain(ctx, src, f.gameIDTag, "")
	if err != nil {
		t.Fatalf("ReconstructChain: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected a passing audit, got %+v", report)
	}
	if report.VRFMismatchAt != nil {
		t.Fatalf("expected no VRF mismatch, got index %d", *report.VRFMismatchAt)
	}
	if !report.MerkleRootMatches {
		t.Fatalf("expected the merkle root to verify")
	}
	want := []string{f.genesisTx, f.heartbeatTx, f.finalTx}
	if len(report.ReconstructedChain) != len(want) {
		t.Fatalf("expected chain %v, got %v", want, report.ReconstructedChain)
	}
	for i := range want {
		if report.ReconstructedChain[i] != want[i] {
			t.Fatalf("expected chain %v, got %v", want, report.ReconstructedChain)
		}
	}
}

func TestReconstructChainDetectsVRFMismatch(t *testing.T) {
	f := buildAuditFixture(t)
	f.moveEntry.VRFFragment ^= 0xFFFFFFFF // corrupt the embedded fragment

	adapter := NewFakeAdapter("addr", nil)
	ctx := context.Background()
	src, err := adapter.SubscribeBlocks(ctx)
	if err != nil {
		t.Fatalf("SubscribeBlocks: %v", err)
	}
	adapter.PushBlock(f.block())
	src.Close()

	report, err := ReconstructChain(ctx, src, f.gameIDTag, "")
	if err != nil {
		t.Fatalf("ReconstructChain: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected the audit to fail for a tampered VRF fragment")
	}
	if report.VRFMismatchAt == nil || *report.VRFMismatchAt != 0 {
		t.Fatalf("expected a VRF mismatch at move 0, got %+v", report.VRFMismatchAt)
	}
}

func TestReconstructChainIncompleteWithoutGenesis(t *testing.T) {
	f := buildAuditFixture(t)
	adapter := NewFakeAdapter("addr", nil)
	ctx := context.Background()
	src, err := adapter.SubscribeBlocks(ctx)
	if err != nil {
		t.Fatalf("SubscribeBlocks: %v", err)
	}
	b := f.block()
	b.Transactions = b.Transactions[1:] // drop the genesis anchor
	adapter.PushBlock(b)
	src.Close()

	report, err := ReconstructChain(ctx, src, f.gameIDTag, "")
	if err != nil {
		t.Fatalf("ReconstructChain: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected an incomplete audit without a genesis anchor")
	}
}

func TestReconstructChainIgnoresOtherGameIDTags(t *testing.T) {
	f := buildAuditFixture(t)
	adapter := NewFakeAdapter("addr", nil)
	ctx := context.Background()
	src, err := adapter.SubscribeBlocks(ctx)
	if err != nil {
		t.Fatalf("SubscribeBlocks: %v", err)
	}
	adapter.PushBlock(f.block())
	src.Close()

	report, err := ReconstructChain(ctx, src, GameIDTagHex("a-different-game"), "")
	if err != nil {
		t.Fatalf("ReconstructChain: %v", err)
	}
	if len(report.ReconstructedChain) != 0 {
		t.Fatalf("expected no anchors matched for an unrelated game tag, got %v", report.ReconstructedChain)
	}
}

func TestAuditReportVerdictString(t *testing.T) {
	pass := AuditReport{Passed: true, ReconstructedChain: []string{"a", "b", "c"}}
	if got := pass.VerdictString(); got == "" {
		t.Fatalf("expected a non-empty verdict string for a pass")
	}

	idx := 2
	fail := AuditReport{Passed: false, Verdict: "fail", VRFMismatchAt: &idx}
	got := fail.VerdictString()
	if got == "" {
		t.Fatalf("expected a non-empty verdict string for a failure")
	}
}
