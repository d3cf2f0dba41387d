package core

// Audit implements SPEC_FULL §4.15 (added): the auditor program's library
// half. It walks a DAG range observed through a BlockSource, groups
// anchors into a genesis->heartbeats->final chain by prevTxId, re-derives
// a best-effort VRF fold from the wire-visible move fields, and recomputes
// a Merkle root over the moves extracted from heartbeat payloads. Grounded
// on the teacher's core/merkle_tree_operations.go verification helpers and
// the pack's certenIO anchor verification CLI shape (walk -> group ->
// recompute -> verdict). The VRF/Merkle recomputation here is
// best-effort by construction: the wire carries MoveEntry (X/Y/Z/Lane/
// TimeDelta/VRFFragment), not the full in-process MoveDescriptor
// (Action/Sequence/Timestamp), so an auditor working only from anchored
// payloads cannot reproduce the live session's bit-exact fold inputs --
// only the chain linkage and the embedded Merkle root are independently
// checkable from the ledger alone.

import (
	"context"
	"fmt"
)

// AuditReport is the `auditCheating` result shape from SPEC_FULL §4.15/§8
// scenario 6.
type AuditReport struct {
	Passed             bool
	Verdict            string
	ReconstructedChain []string
	VRFMismatchAt      *int
	MerkleRootMatches  bool
}

// anchorRecord is one decoded anchor observed on the ledger, in arrival
// order, before chain-linking.
type anchorRecord struct {
	txID     string
	kind     string // "genesis" | "heartbeat" | "final"
	genesis  GenesisPayload
	heartbeat HeartbeatPayload
	final    FinalPayload
}

// ReconstructChain drains src starting from the block named by startHash,
// collecting anchors tagged with gameIDTag, and returns the audit verdict.
// The VRFMismatchAt leg only checks internal consistency of the wire-visible
// fold (see the package comment above) — it is advisory for ledger-derived
// input, not a cryptographic re-verification of the live session's VRF
// chain. A Passed report still means the chain links and the final Merkle
// root matches; it does not mean the VRF fold was proven against the
// original move descriptors.
func ReconstructChain(ctx context.Context, src BlockSource, gameIDTag string, startHash string) (*AuditReport, error) {
	records, err := collectAnchors(ctx, src, gameIDTag, startHash)
	if err != nil {
		return nil, err
	}

	chain, genesis, final, ok := linkChain(records)
	if !ok {
		return &AuditReport{Verdict: "incomplete: no continuous prevTxId chain from a genesis to a final anchor", ReconstructedChain: chain}, nil
	}

	vrfMismatchAt := reVerifyVRFChain(genesis, chain, records)
	merkleOK := reVerifyMerkleRoot(chain, records, final.MerkleRoot)

	passed := vrfMismatchAt == nil && merkleOK
	verdict := "pass"
	if !passed {
		verdict = "fail"
	}
	return &AuditReport{
		Passed:             passed,
		Verdict:            verdict,
		ReconstructedChain: chain,
		VRFMismatchAt:      vrfMismatchAt,
		MerkleRootMatches:  merkleOK,
	}, nil
}

// collectAnchors drains the block source, decoding any transaction payload
// tagged with the three anchor prefixes and matching gameIDTag, starting
// once a block with Hash==startHash has been observed (by DaaScore floor).
func collectAnchors(ctx context.Context, src BlockSource, gameIDTag string, startHash string) (map[string]anchorRecord, error) {
	records := make(map[string]anchorRecord)
	var startDaaScore uint64
	haveStart := startHash == ""
	if haveStart {
		startDaaScore = 0
	}

	for {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case b, open := <-src.Blocks():
			if !open {
				if err := src.Err(); err != nil {
					return records, err
				}
				return records, nil
			}
			if !haveStart {
				if b.Hash == startHash {
					haveStart = true
					startDaaScore = b.DaaScore
				} else {
					continue
				}
			}
			if b.DaaScore < startDaaScore {
				continue
			}
			for _, tx := range b.Transactions {
				rec, ok := decodeAnchorTx(tx, gameIDTag)
				if ok {
					records[rec.txID] = rec
				}
			}
		}
	}
}

func decodeAnchorTx(tx Transaction, gameIDTag string) (anchorRecord, bool) {
	kind, ok := DetectPayloadKind(tx.Payload)
	if !ok {
		return anchorRecord{}, false
	}
	switch kind {
	case "genesis":
		p, err := DecodeGenesis(tx.Payload)
		if err != nil || p.GameIDTagHex != gameIDTag {
			return anchorRecord{}, false
		}
		return anchorRecord{txID: tx.TxID, kind: kind, genesis: p}, true
	case "heartbeat":
		p, err := DecodeHeartbeat(tx.Payload)
		if err != nil || p.GameIDTagHex != gameIDTag {
			return anchorRecord{}, false
		}
		return anchorRecord{txID: tx.TxID, kind: kind, heartbeat: p}, true
	case "final":
		p, err := DecodeFinal(tx.Payload)
		if err != nil || p.GameIDTagHex != gameIDTag {
			return anchorRecord{}, false
		}
		return anchorRecord{txID: tx.TxID, kind: kind, final: p}, true
	default:
		return anchorRecord{}, false
	}
}

// linkChain orders records into [genesis, h1, ..., hk, final] by prevTxId
// chain-walking. Each genesis candidate is walked in turn and the first
// whose walk reaches a final is returned; when none does, the first
// candidate's partial walk is returned with ok=false. Candidates are not
// attributed to lobby members.
func linkChain(records map[string]anchorRecord) (chain []string, genesis anchorRecord, final anchorRecord, ok bool) {
	var genesisCandidates []anchorRecord
	prevTxIDOf := make(map[string]string, len(records))
	for txID, rec := range records {
		switch rec.kind {
		case "genesis":
			genesisCandidates = append(genesisCandidates, rec)
		case "heartbeat":
			prevTxIDOf[txID] = rec.heartbeat.PrevTxID
		case "final":
			prevTxIDOf[txID] = rec.final.PrevTxID
		}
	}
	if len(genesisCandidates) == 0 {
		return nil, anchorRecord{}, anchorRecord{}, false
	}

	for _, g := range genesisCandidates {
		built, fin, complete := walkFrom(g.txID, records, prevTxIDOf)
		if complete {
			return built, g, fin, true
		}
	}
	// Best-effort fallback: no candidate produced a complete chain; report
	// whatever the first genesis' partial walk reached.
	built, _, _ := walkFrom(genesisCandidates[0].txID, records, prevTxIDOf)
	return built, genesisCandidates[0], anchorRecord{}, false
}

// walkFrom follows prevTxId links forward from genesisTxID by building the
// reverse index (child by parent) implicitly via linear scan, since the
// record set is anchor-count sized, not ledger sized.
func walkFrom(genesisTxID string, records map[string]anchorRecord, prevTxIDOf map[string]string) ([]string, anchorRecord, bool) {
	childOf := make(map[string]string, len(prevTxIDOf))
	for txID, prev := range prevTxIDOf {
		childOf[prev] = txID
	}

	chain := []string{genesisTxID}
	cursor := genesisTxID
	for {
		next, hasNext := childOf[cursor]
		if !hasNext {
			break
		}
		chain = append(chain, next)
		cursor = next
	}
	last := records[chain[len(chain)-1]]
	if last.kind == "final" {
		return chain, last, true
	}
	return chain, anchorRecord{}, false
}

// reVerifyVRFChain re-derives the fold across every heartbeat move in
// chain order using only wire-visible fields, comparing the recomputed
// fragment's leading bytes against each move's embedded VRFFragment.
// Returns the index of the first mismatch, or nil if every move's
// fragment is internally consistent with the fold.
func reVerifyVRFChain(genesis anchorRecord, chain []string, records map[string]anchorRecord) *int {
	prev := genesis.genesis.InitialVRFOutput
	beacon := genesis.genesis.BeaconHash
	idx := 0
	for _, txID := range chain {
		rec, ok := records[txID]
		if !ok || rec.kind != "heartbeat" {
			continue
		}
		for _, m := range rec.heartbeat.Moves {
			desc := MoveDescriptor{TimeDelta: m.TimeDelta}
			if m.IsMove {
				x, y, z := m.X, m.Y, m.Z
				desc.X, desc.Y, desc.Z = &x, &y, &z
			} else {
				lane := m.Lane
				desc.Lane = &lane
			}
			fold := blake2b256("KKTP:VRF:FOLD:", prev[:], []byte(beacon), canonicalOrEmpty(desc))
			frag := uint32(fold[0])<<24 | uint32(fold[1])<<16 | uint32(fold[2])<<8 | uint32(fold[3])
			if frag != m.VRFFragment {
				mismatch := idx
				return &mismatch
			}
			prev = fold
			idx++
		}
	}
	return nil
}

func canonicalOrEmpty(d MoveDescriptor) []byte {
	raw, err := canonicalMoveDescriptor(d)
	if err != nil {
		return nil
	}
	return raw
}

// reVerifyMerkleRoot rebuilds a Merkle accumulator over every heartbeat
// move (encoded the same bit-exact way they were packed on the wire) and
// compares its root against the final anchor's embedded MerkleRoot.
func reVerifyMerkleRoot(chain []string, records map[string]anchorRecord, wantRoot [32]byte) bool {
	acc := NewMerkleAccumulator()
	for _, txID := range chain {
		rec, ok := records[txID]
		if !ok || rec.kind != "heartbeat" {
			continue
		}
		for _, m := range rec.heartbeat.Moves {
			acc.AddMove(EncodeMoveEntry(m))
		}
	}
	if acc.Size() == 0 {
		return false
	}
	return acc.GetRoot() == wantRoot
}

// VerdictString renders a short human-readable summary, used by
// cmd/auditor's CLI output.
func (r AuditReport) VerdictString() string {
	if r.Passed {
		return fmt.Sprintf("pass: chain length %d, merkle root verified", len(r.ReconstructedChain))
	}
	if r.VRFMismatchAt != nil {
		return fmt.Sprintf("fail: %s (vrf mismatch at move %d)", r.Verdict, *r.VRFMismatchAt)
	}
	return fmt.Sprintf("fail: %s", r.Verdict)
}
