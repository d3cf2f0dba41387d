package core

import "testing"

func TestMoveVaultAddProcessedMoveDedup(t *testing.T) {
	v := NewMoveVault()
	if err := v.AddProcessedMove("move-1", ProcessedMove{Action: "MOVE"}); err != nil {
		t.Fatalf("AddProcessedMove: %v", err)
	}
	if !v.HasProcessedMove("move-1") {
		t.Fatalf("expected move-1 to be recorded as processed")
	}
	if err := v.AddProcessedMove("move-1", ProcessedMove{Action: "MOVE"}); err != ErrDuplicateMove {
		t.Fatalf("expected ErrDuplicateMove, got %v", err)
	}
}

func TestMoveVaultAddMoveAlias(t *testing.T) {
	v := NewMoveVault()
	if err := v.AddMove(ProcessedMove{MoveID: "m1", Action: "PASS"}); err != nil {
		t.Fatalf("AddMove: %v", err)
	}
	if !v.HasProcessedMove("m1") {
		t.Fatalf("expected AddMove to register the move as processed")
	}
}

func TestMoveVaultGetMoveHistoryOrderPreserved(t *testing.T) {
	v := NewMoveVault()
	v.AddProcessedMove("m1", ProcessedMove{Action: "A"})
	v.AddProcessedMove("m2", ProcessedMove{Action: "B"})
	v.AddProcessedMove("m3", ProcessedMove{Action: "C"})
	hist := v.GetMoveHistory()
	if len(hist) != 3 {
		t.Fatalf("expected 3 moves, got %d", len(hist))
	}
	if hist[0].Action != "A" || hist[1].Action != "B" || hist[2].Action != "C" {
		t.Fatalf("move history order not preserved: %+v", hist)
	}
}

func TestMoveVaultUnanchoredMovesAndMarkAnchored(t *testing.T) {
	v := NewMoveVault()
	v.AddProcessedMove("m1", ProcessedMove{Action: "A"})
	v.AddProcessedMove("m2", ProcessedMove{Action: "B"})
	unanchored := v.UnanchoredMoves()
	if len(unanchored) != 2 {
		t.Fatalf("expected 2 unanchored moves, got %d", len(unanchored))
	}

	v.MarkAnchored(map[string]struct{}{"m1": {}})
	unanchored = v.UnanchoredMoves()
	if len(unanchored) != 1 || unanchored[0].MoveID != "m2" {
		t.Fatalf("expected only m2 unanchored, got %+v", unanchored)
	}
}

func TestMoveVaultAddGameEventAndVRFProof(t *testing.T) {
	v := NewMoveVault()
	v.AddGameEvent(GameEvent{Type: "score_update"})
	v.AddVRFProof(VRFProofEntry{MoveID: "m1", VRFOutput: [32]byte{1}})
	snap := v.ClearForStop()
	if len(snap.Events) != 1 || snap.Events[0].Type != "score_update" {
		t.Fatalf("expected 1 game event in snapshot, got %+v", snap.Events)
	}
	if len(snap.Proofs) != 1 || snap.Proofs[0].MoveID != "m1" {
		t.Fatalf("expected 1 VRF proof in snapshot, got %+v", snap.Proofs)
	}
}

func TestMoveVaultClearForStopResetsState(t *testing.T) {
	v := NewMoveVault()
	v.AddProcessedMove("m1", ProcessedMove{Action: "A"})
	snap := v.ClearForStop()
	if len(snap.Moves) != 1 {
		t.Fatalf("expected snapshot to capture the move before clearing")
	}
	if v.HasProcessedMove("m1") {
		t.Fatalf("expected dedup set cleared after ClearForStop")
	}
	if len(v.GetMoveHistory()) != 0 {
		t.Fatalf("expected empty history after ClearForStop")
	}
}

func TestMoveVaultResetForNewGame(t *testing.T) {
	v := NewMoveVault()
	v.AddProcessedMove("m1", ProcessedMove{Action: "A"})
	v.AddGameEvent(GameEvent{Type: "x"})
	v.ResetForNewGame()
	if len(v.GetMoveHistory()) != 0 {
		t.Fatalf("expected empty history after ResetForNewGame")
	}
	if v.HasProcessedMove("m1") {
		t.Fatalf("expected dedup set cleared after ResetForNewGame")
	}
	if err := v.AddProcessedMove("m1", ProcessedMove{Action: "A2"}); err != nil {
		t.Fatalf("expected m1 to be re-usable after reset: %v", err)
	}
}
