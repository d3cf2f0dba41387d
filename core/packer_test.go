package core

import (
	"bytes"
	"reflect"
	"testing"
)

func TestGameIDTagHexDeterministicAndSized(t *testing.T) {
	tag1 := GameIDTagHex("match-123")
	tag2 := GameIDTagHex("match-123")
	if tag1 != tag2 {
		t.Fatalf("GameIDTagHex not deterministic")
	}
	if len(tag1) != 8 {
		t.Fatalf("expected 8 hex chars, got %d (%s)", len(tag1), tag1)
	}
	if GameIDTagHex("match-124") == tag1 {
		t.Fatalf("different gameIDs produced the same tag")
	}
}

func TestEncodeDecodeGenesisRoundTrip(t *testing.T) {
	p := GenesisPayload{
		GameIDTagHex:     GameIDTagHex("game-a"),
		PlayerTag:        "playerA",
		StartDaaScore:    100,
		EndDaaScore:      9999,
		QRNGPulseIndex:   42,
		BeaconHash:       "beacon-xyz",
		InitialVRFOutput: [32]byte{1, 2, 3},
		Signature:        []byte{0xde, 0xad, 0xbe, 0xef},
	}
	raw := EncodeGenesis(p)
	if !hasPrefix(raw, PrefixGameStartHex) {
		t.Fatalf("encoded genesis missing KKTP1 prefix")
	}
	got, err := DecodeGenesis(raw)
	if err != nil {
		t.Fatalf("DecodeGenesis: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, p)
	}
}

func TestDecodeGenesisRejectsWrongPrefix(t *testing.T) {
	raw := EncodeGenesis(GenesisPayload{GameIDTagHex: GameIDTagHex("x")})
	raw[0] = 'Z'
	if _, err := DecodeGenesis(raw); err != ErrPackerPrefix {
		t.Fatalf("expected ErrPackerPrefix, got %v", err)
	}
}

func TestDecodeGenesisRejectsTruncated(t *testing.T) {
	raw := EncodeGenesis(GenesisPayload{GameIDTagHex: GameIDTagHex("x"), PlayerTag: "p"})
	if _, err := DecodeGenesis(raw[:len(raw)-5]); err == nil {
		t.Fatalf("expected error decoding truncated genesis payload")
	}
}

func TestEncodeDecodeMoveEntryRoundTripMove(t *testing.T) {
	m := MoveEntry{ActionCode: 1, IsMove: true, X: 1000, Y: 2000, Z: 3000, TimeDelta: 7, VRFFragment: 0xAABBCCDD}
	raw := EncodeMoveEntry(m)
	got, err := DecodeMoveEntry(raw, true)
	if err != nil {
		t.Fatalf("DecodeMoveEntry: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, m)
	}
}

func TestEncodeDecodeMoveEntryRoundTripNonMove(t *testing.T) {
	m := MoveEntry{ActionCode: 0, IsMove: false, Lane: 5, TimeDelta: 12, VRFFragment: 0x01020304}
	raw := EncodeMoveEntry(m)
	got, err := DecodeMoveEntry(raw, false)
	if err != nil {
		t.Fatalf("DecodeMoveEntry: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, m)
	}
}

func TestEncodeMoveEntryByteAligned(t *testing.T) {
	m := MoveEntry{IsMove: true, X: 1, Y: 1, Z: 1, TimeDelta: 1, VRFFragment: 1}
	raw := EncodeMoveEntry(m)
	// 1 + 14 + 14 + 14 + 8 + 32 = 83 bits -> 11 bytes (ceil to byte boundary)
	if len(raw)*8 < 83 {
		t.Fatalf("encoded move entry too short: %d bytes", len(raw))
	}
	if len(raw) != 11 {
		t.Fatalf("expected 11 bytes for an 83-bit move entry, got %d", len(raw))
	}
}

func TestEncodeDecodeHeartbeatRoundTrip(t *testing.T) {
	moves := []MoveEntry{
		{IsMove: true, X: 10, Y: 20, Z: 30, TimeDelta: 1, VRFFragment: 111},
		{IsMove: false, Lane: 2, TimeDelta: 2, VRFFragment: 222},
	}
	p := HeartbeatPayload{
		GameIDTagHex:    GameIDTagHex("game-b"),
		PrevTxID:        "tx-prev-1",
		Moves:           moves,
		MoveIsMove:      []bool{true, false},
		VRFFragmentTail: 999,
		Signature:       []byte{1, 2, 3, 4},
	}
	raw := EncodeHeartbeat(p)
	if !hasPrefix(raw, PrefixHeartbeatHex) {
		t.Fatalf("encoded heartbeat missing KKTP2 prefix")
	}
	got, err := DecodeHeartbeat(raw)
	if err != nil {
		t.Fatalf("DecodeHeartbeat: %v", err)
	}
	if got.GameIDTagHex != p.GameIDTagHex || got.PrevTxID != p.PrevTxID || got.VRFFragmentTail != p.VRFFragmentTail {
		t.Fatalf("heartbeat header mismatch: %+v", got)
	}
	if len(got.Moves) != len(p.Moves) {
		t.Fatalf("expected %d moves, got %d", len(p.Moves), len(got.Moves))
	}
	for i := range p.Moves {
		if got.Moves[i] != p.Moves[i] {
			t.Fatalf("move %d mismatch: got %+v want %+v", i, got.Moves[i], p.Moves[i])
		}
	}
}

func TestEncodeDecodeFinalRoundTrip(t *testing.T) {
	p := FinalPayload{
		GameIDTagHex:   GameIDTagHex("game-c"),
		PrevTxID:       "tx-last-heartbeat",
		MerkleRoot:     [32]byte{9, 9, 9},
		FinalScore:     -42,
		CoinsCollected: 500000,
		TotalMoves:     17,
		Signature:      []byte{0xaa, 0xbb},
	}
	raw := EncodeFinal(p)
	if !hasPrefix(raw, PrefixGameEndHex) {
		t.Fatalf("encoded final missing KKTP3 prefix")
	}
	got, err := DecodeFinal(raw)
	if err != nil {
		t.Fatalf("DecodeFinal: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, p)
	}
}

func TestDetectPayloadKind(t *testing.T) {
	gen := EncodeGenesis(GenesisPayload{GameIDTagHex: GameIDTagHex("x")})
	hb := EncodeHeartbeat(HeartbeatPayload{GameIDTagHex: GameIDTagHex("x")})
	fin := EncodeFinal(FinalPayload{GameIDTagHex: GameIDTagHex("x")})

	if kind, ok := DetectPayloadKind(gen); !ok || kind != "genesis" {
		t.Fatalf("expected genesis, got %s ok=%v", kind, ok)
	}
	if kind, ok := DetectPayloadKind(hb); !ok || kind != "heartbeat" {
		t.Fatalf("expected heartbeat, got %s ok=%v", kind, ok)
	}
	if kind, ok := DetectPayloadKind(fin); !ok || kind != "final" {
		t.Fatalf("expected final, got %s ok=%v", kind, ok)
	}
	if _, ok := DetectPayloadKind([]byte("garbage")); ok {
		t.Fatalf("expected no match for unrecognised payload")
	}
}

func TestBitWriterReaderRoundTripVariousWidths(t *testing.T) {
	var bw bitWriter
	bw.writeBits(0x1, 1)
	bw.writeBits(0x2AAA, 14)
	bw.writeBits(0xAB, 8)
	bw.writeBits(0xDEADBEEF, 32)
	raw := bw.bytesPadded()

	br := newBitReader(raw)
	if v, err := br.readBits(1); err != nil || v != 0x1 {
		t.Fatalf("bit 1: got %d err %v", v, err)
	}
	if v, err := br.readBits(14); err != nil || v != 0x2AAA {
		t.Fatalf("bits 14: got %x err %v", v, err)
	}
	if v, err := br.readBits(8); err != nil || v != 0xAB {
		t.Fatalf("bits 8: got %x err %v", v, err)
	}
	if v, err := br.readBits(32); err != nil || v != 0xDEADBEEF {
		t.Fatalf("bits 32: got %x err %v", v, err)
	}
}

func TestMoveEntriesDistinctInputsProduceDistinctBytes(t *testing.T) {
	a := EncodeMoveEntry(MoveEntry{IsMove: true, X: 1, Y: 2, Z: 3, TimeDelta: 4, VRFFragment: 5})
	b := EncodeMoveEntry(MoveEntry{IsMove: true, X: 1, Y: 2, Z: 4, TimeDelta: 4, VRFFragment: 5})
	if bytes.Equal(a, b) {
		t.Fatalf("distinct move entries encoded identically")
	}
}
