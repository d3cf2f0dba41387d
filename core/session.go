package core

// Session implements SPEC_FULL §4.12 and the Session/Message Anchor data
// model in §3: a forward-secret X25519 handshake producing an AEAD
// transport with per-direction sequence counters, replay/gap/reassembly
// discipline, and snapshot-based resume. Grounded on the pack's SAGE-X
// session/handshake files (DH handshake -> HKDF -> per-direction AEAD
// counters) adapted onto this module's identity/crypto primitives, and on
// the teacher's core/network.go connection state machine for the
// INIT/ACTIVE/FAULTED/CLOSED lifecycle shape.

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SessionState is the lifecycle state from SPEC_FULL §3.
type SessionState string

const (
	SessionInit    SessionState = "INIT"
	SessionActive  SessionState = "ACTIVE"
	SessionFaulted SessionState = "FAULTED"
	SessionClosed  SessionState = "CLOSED"
)

// DiscoveryAnchor is the public session-offer record from SPEC_FULL §3.
type DiscoveryAnchor struct {
	SID             string            `json:"sid"`
	InitiatorPubSig string            `json:"initiatorPubSig"`
	EphemeralDHPub  string            `json:"ephemeralDhPub"`
	GameName        string            `json:"gameName,omitempty"`
	Version         string            `json:"version,omitempty"`
	ExpectedUptimeS int               `json:"expectedUptimeSeconds,omitempty"`
	Lobby           bool              `json:"lobby,omitempty"`
	LobbyName       string            `json:"lobbyName,omitempty"`
	MaxMembers      int               `json:"maxMembers,omitempty"`
	Signature       string            `json:"sig,omitempty"`
}

// ResponseAnchor is a peer's reply to a DiscoveryAnchor.
type ResponseAnchor struct {
	SID             string `json:"sid"`
	ResponderPubSig string `json:"responderPubSig"`
	ResponderDHPub  string `json:"responderDhPub"`
	SignatureResp   string `json:"sigResp,omitempty"`
}

// SessionEndAnchor terminates a session.
type SessionEndAnchor struct {
	SID    string `json:"sid"`
	PubSig string `json:"pubSig"`
	Reason string `json:"reason"`
	Sig    string `json:"sig,omitempty"`
}

// SignDiscovery signs d (with sig omitted) under branch and fills d.Signature.
func SignDiscovery(branch BranchKeys, d DiscoveryAnchor) (DiscoveryAnchor, error) {
	canon, err := CanonicalJSONWithout(d, "sig")
	if err != nil {
		return d, err
	}
	d.Signature = hex.EncodeToString(branch.Sign(canon))
	return d, nil
}

// VerifyDiscovery verifies d's signature against pubSig.
func VerifyDiscovery(pubSig ed25519.PublicKey, d DiscoveryAnchor) (bool, error) {
	canon, err := CanonicalJSONWithout(d, "sig")
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(d.Signature)
	if err != nil {
		return false, nil
	}
	return verifyCanonical(pubSig, canon, sig), nil
}

// Message is a sealed transport packet, the wire shape of a Message
// Anchor.
type Message struct {
	SID        string    `json:"sid"`
	Direction  Direction `json:"direction"`
	Seq        uint64    `json:"seq"`
	Nonce      [24]byte  `json:"-"`
	NonceHex   string    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// Session is one established 1:1 protocol session.
type Session struct {
	mu sync.Mutex

	sid          string
	mailboxID    string
	isInitiator  bool
	myBranch     BranchKeys
	peerPubSig   ed25519.PublicKey
	peerDHPub    [32]byte
	kSession     [32]byte
	state        SessionState

	out *directionState
	in  *directionState

	replayCacheSize int
	replayOut       *lru.Cache[string, struct{}]
	replayIn        *lru.Cache[string, struct{}]
	outDirection    Direction
	inDirection     Direction

	reassemblyMax int
	gapTimeout    time.Duration

	sink EventSink
}

// NewSession constructs a Session after a handshake has produced
// kSession. isInitiator determines which direction is outbound (AtoB for
// the initiator, BtoA for the responder, matching the data model).
func NewSession(sid string, isInitiator bool, myBranch BranchKeys, peerPubSig ed25519.PublicKey, peerDHPub [32]byte, kSession [32]byte, replayCacheSize, reassemblyMax int, gapTimeout time.Duration, sink EventSink) (*Session, error) {
	if sink == nil {
		sink = NopSink{}
	}
	replayOut, err := lru.New[string, struct{}](replayCacheSize)
	if err != nil {
		return nil, err
	}
	replayIn, err := lru.New[string, struct{}](replayCacheSize)
	if err != nil {
		return nil, err
	}
	outDir, inDir := DirectionAtoB, DirectionBtoA
	if !isInitiator {
		outDir, inDir = DirectionBtoA, DirectionAtoB
	}
	mailboxID := DeriveMailboxID(sid, myBranch.SignPub, peerPubSig)
	return &Session{
		sid:             sid,
		mailboxID:       mailboxID,
		isInitiator:     isInitiator,
		myBranch:        myBranch,
		peerPubSig:      peerPubSig,
		peerDHPub:       peerDHPub,
		kSession:        kSession,
		state:           SessionActive,
		out:             &directionState{pendingNonces: make(map[string]struct{}), reassembly: make(map[uint64]sealedMessage)},
		in:              &directionState{pendingNonces: make(map[string]struct{}), reassembly: make(map[uint64]sealedMessage)},
		replayCacheSize: replayCacheSize,
		replayOut:       replayOut,
		replayIn:        replayIn,
		outDirection:    outDir,
		inDirection:     inDir,
		reassemblyMax:   reassemblyMax,
		gapTimeout:      gapTimeout,
		sink:            sink,
	}, nil
}

// DeriveMailboxID computes the deterministic 32 B hash of sid and both
// identities used to address this session's transport mailbox.
func DeriveMailboxID(sid string, a, b ed25519.PublicKey) string {
	ha, hb := hex.EncodeToString(a), hex.EncodeToString(b)
	if ha > hb {
		ha, hb = hb, ha
	}
	h := blake2b256("KKTP:SESSION:MAILBOX:", []byte(sid), []byte(ha), []byte(hb))
	return hex.EncodeToString(h[:])
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) MailboxID() string { return s.mailboxID }

// SendMessage seals plaintext for transport, incrementing the outbound
// sequence counter.
func (s *Session) SendMessage(plaintext []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return Message{}, ErrSessionNotActive
	}
	nonce, err := randomNonce24()
	if err != nil {
		return Message{}, err
	}
	seq := s.out.seq
	aad := s.aad(s.outDirection, seq)
	ct, err := sealAEAD(s.kSession, nonce, aad, plaintext)
	if err != nil {
		return Message{}, err
	}
	s.out.seq++
	return Message{SID: s.sid, Direction: s.outDirection, Seq: seq, Nonce: nonce, NonceHex: hex.EncodeToString(nonce[:]), Ciphertext: ct}, nil
}

func (s *Session) aad(dir Direction, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", s.sid, dir, seq))
}

// ReceiveMessageResult is the outcome of ReceiveMessage.
type ReceiveMessageResult struct {
	Delivered [][]byte // contiguous plaintexts released by this call, in order
}

// ReceiveMessage applies the receive discipline from SPEC_FULL §4.12/§7:
// sid check, seq<expected rejection, replay rejection, gap buffering with
// timeout, contiguous in-order AEAD decrypt and delivery.
func (s *Session) ReceiveMessage(m Message) (ReceiveMessageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return ReceiveMessageResult{}, ErrSessionNotActive
	}
	if m.SID != s.sid {
		return ReceiveMessageResult{}, ErrSidMismatch
	}
	if m.Seq < s.in.seq {
		return ReceiveMessageResult{}, nil // already-delivered retransmit, drop silently
	}
	nonceKey := hex.EncodeToString(m.Nonce[:])
	if _, ok := s.replayIn.Get(nonceKey); ok {
		return ReceiveMessageResult{}, ErrNonceReplay
	}
	if _, pending := s.in.pendingNonces[nonceKey]; pending {
		return ReceiveMessageResult{}, ErrNonceReplay
	}

	if m.Seq > s.in.seq {
		if len(s.in.reassembly) >= s.reassemblyMax {
			s.fault()
			return ReceiveMessageResult{}, ErrReassemblyOverflow
		}
		if s.in.gapStart.IsZero() {
			s.in.gapStart = time.Now()
		} else if time.Since(s.in.gapStart) > s.gapTimeout {
			s.fault()
			return ReceiveMessageResult{}, ErrGapTimeout
		}
		s.in.pendingNonces[nonceKey] = struct{}{}
		s.in.reassembly[m.Seq] = sealedMessage{Seq: m.Seq, Nonce: m.Nonce, Ciphertext: m.Ciphertext}
		return ReceiveMessageResult{}, nil
	}

	pt, err := openAEAD(s.kSession, m.Nonce, s.aad(s.inDirection, m.Seq), m.Ciphertext)
	if err != nil {
		s.fault()
		return ReceiveMessageResult{}, ErrBadSignature
	}
	s.replayIn.Add(nonceKey, struct{}{})
	s.in.seq++
	delivered := [][]byte{pt}

	for {
		sealed, ok := s.in.reassembly[s.in.seq]
		if !ok {
			break
		}
		delete(s.in.reassembly, s.in.seq)
		delete(s.in.pendingNonces, hex.EncodeToString(sealed.Nonce[:]))
		pt2, err := openAEAD(s.kSession, sealed.Nonce, s.aad(s.inDirection, sealed.Seq), sealed.Ciphertext)
		if err != nil {
			s.fault()
			return ReceiveMessageResult{Delivered: delivered}, ErrBadSignature
		}
		s.replayIn.Add(hex.EncodeToString(sealed.Nonce[:]), struct{}{})
		s.in.seq++
		delivered = append(delivered, pt2)
	}
	s.in.gapStart = time.Time{}
	return ReceiveMessageResult{Delivered: delivered}, nil
}

func (s *Session) fault() {
	s.state = SessionFaulted
	s.sink.Emit(Event{Type: EventValidationFailed, SessionID: s.sid, At: time.Now(), Payload: "session faulted"})
}

// CreateEndAnchor signs a session-end and transitions the session to
// CLOSED, zeroising key material. Must not be called from FAULTED.
func (s *Session) CreateEndAnchor(reason string) (SessionEndAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionFaulted {
		return SessionEndAnchor{}, ErrSessionFaulted
	}
	end := SessionEndAnchor{SID: s.sid, PubSig: hex.EncodeToString(s.myBranch.SignPub), Reason: reason}
	canon, err := CanonicalJSONWithout(end, "sig")
	if err != nil {
		return SessionEndAnchor{}, err
	}
	end.Sig = hex.EncodeToString(s.myBranch.Sign(canon))
	s.closeLocked()
	return end, nil
}

// AcceptEndAnchor verifies and applies a received session-end anchor.
func (s *Session) AcceptEndAnchor(end SessionEndAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	signer := end.PubSig
	me := hex.EncodeToString(s.myBranch.SignPub)
	peer := hex.EncodeToString(s.peerPubSig)
	if signer != me && signer != peer {
		return ErrBadSignature
	}
	var pub ed25519.PublicKey
	if signer == me {
		pub = s.myBranch.SignPub
	} else {
		pub = s.peerPubSig
	}
	canon, err := CanonicalJSONWithout(end, "sig")
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(end.Sig)
	if err != nil || !verifyCanonical(pub, canon, sig) {
		return ErrBadSignature
	}
	s.closeLocked()
	return nil
}

// closeLocked must be called with s.mu held.
func (s *Session) closeLocked() {
	s.state = SessionClosed
	zero32(&s.kSession)
	s.myBranch.Zero()
	s.out.reassembly = nil
	s.in.reassembly = nil
	s.out.pendingNonces = nil
	s.in.pendingNonces = nil
}

// SessionSnapshot is the resumable session record from SPEC_FULL §4.12.
type SessionSnapshot struct {
	MailboxID      string    `json:"mailboxId"`
	SID            string    `json:"sid"`
	IsInitiator    bool      `json:"isInitiator"`
	PeerPubSig     string    `json:"peerPubSig"`
	KSessionHex    string    `json:"kSession,omitempty"`
	InboundSeqAtoB uint64    `json:"inboundSeqAtoB"`
	InboundSeqBtoA uint64    `json:"inboundSeqBtoA"`
	OutboundSeq    uint64    `json:"outboundSeq"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ExportSnapshot captures the state needed to resume this session later.
func (s *Session) ExportSnapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		MailboxID:   s.mailboxID,
		SID:         s.sid,
		IsInitiator: s.isInitiator,
		PeerPubSig:  hex.EncodeToString(s.peerPubSig),
		OutboundSeq: s.out.seq,
	}
	if s.outDirection == DirectionAtoB {
		snap.InboundSeqBtoA = s.in.seq
	} else {
		snap.InboundSeqAtoB = s.in.seq
	}
	if s.state == SessionActive {
		snap.KSessionHex = hex.EncodeToString(s.kSession[:])
	}
	return snap
}

// MarshalSnapshot serialises a SessionSnapshot to JSON for the "sessions"
// persisted domain.
func MarshalSnapshot(snap SessionSnapshot) ([]byte, error) { return json.Marshal(snap) }

// PendingHandshake is an initiator's state between sending a
// DiscoveryAnchor and receiving the matching ResponseAnchor.
type PendingHandshake struct {
	SID       string
	Branch    BranchKeys
	Discovery DiscoveryAnchor
}

// InitiateHandshake builds and signs a DiscoveryAnchor, returning both the
// anchor to broadcast and the pending state needed to complete the
// handshake on response.
func InitiateHandshake(sid string, branch BranchKeys, opts DiscoveryAnchor) (PendingHandshake, DiscoveryAnchor, error) {
	opts.SID = sid
	opts.InitiatorPubSig = hex.EncodeToString(branch.SignPub)
	opts.EphemeralDHPub = hex.EncodeToString(branch.DHPub[:])
	signed, err := SignDiscovery(branch, opts)
	if err != nil {
		return PendingHandshake{}, DiscoveryAnchor{}, err
	}
	return PendingHandshake{SID: sid, Branch: branch, Discovery: signed}, signed, nil
}

// RespondToHandshake is run by the responder: it verifies the discovery
// signature, performs the DH exchange, derives K_session, and returns both
// the signed ResponseAnchor to send back and the live, ACTIVE Session.
func RespondToHandshake(branch BranchKeys, d DiscoveryAnchor, replayCacheSize, reassemblyMax int, gapTimeout time.Duration, sink EventSink) (ResponseAnchor, *Session, error) {
	initiatorPub, err := hex.DecodeString(d.InitiatorPubSig)
	if err != nil || len(initiatorPub) != ed25519.PublicKeySize {
		return ResponseAnchor{}, nil, ErrBadSignature
	}
	ok, err := VerifyDiscovery(ed25519.PublicKey(initiatorPub), d)
	if err != nil {
		return ResponseAnchor{}, nil, err
	}
	if !ok {
		return ResponseAnchor{}, nil, ErrBadSignature
	}
	ephPub, err := hex.DecodeString(d.EphemeralDHPub)
	if err != nil || len(ephPub) != 32 {
		return ResponseAnchor{}, nil, ErrBadSignature
	}
	var peerDH [32]byte
	copy(peerDH[:], ephPub)

	shared, err := branch.DH(peerDH)
	if err != nil {
		return ResponseAnchor{}, nil, err
	}
	kSession, err := deriveSessionKey(d.SID, initiatorPub, branch.SignPub, shared)
	if err != nil {
		return ResponseAnchor{}, nil, err
	}

	resp := ResponseAnchor{SID: d.SID, ResponderPubSig: hex.EncodeToString(branch.SignPub), ResponderDHPub: hex.EncodeToString(branch.DHPub[:])}
	canon, err := CanonicalJSONWithout(resp, "sigResp")
	if err != nil {
		return ResponseAnchor{}, nil, err
	}
	resp.SignatureResp = hex.EncodeToString(branch.Sign(canon))

	sess, err := NewSession(d.SID, false, branch, ed25519.PublicKey(initiatorPub), peerDH, kSession, replayCacheSize, reassemblyMax, gapTimeout, sink)
	if err != nil {
		return ResponseAnchor{}, nil, err
	}
	return resp, sess, nil
}

// CompleteHandshake is run by the initiator on receipt of a ResponseAnchor
// matching a PendingHandshake: it re-derives K_session symmetrically and
// returns the live, ACTIVE Session.
func CompleteHandshake(pending PendingHandshake, resp ResponseAnchor, replayCacheSize, reassemblyMax int, gapTimeout time.Duration, sink EventSink) (*Session, error) {
	if resp.SID != pending.SID {
		return nil, ErrSidMismatch
	}
	responderPub, err := hex.DecodeString(resp.ResponderPubSig)
	if err != nil || len(responderPub) != ed25519.PublicKeySize {
		return nil, ErrBadSignature
	}
	canon, err := CanonicalJSONWithout(resp, "sigResp")
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(resp.SignatureResp)
	if err != nil || !verifyCanonical(ed25519.PublicKey(responderPub), canon, sig) {
		return nil, ErrBadSignature
	}
	respDH, err := hex.DecodeString(resp.ResponderDHPub)
	if err != nil || len(respDH) != 32 {
		return nil, ErrBadSignature
	}
	var peerDH [32]byte
	copy(peerDH[:], respDH)

	shared, err := pending.Branch.DH(peerDH)
	if err != nil {
		return nil, err
	}
	initiatorPub, _ := hex.DecodeString(pending.Discovery.InitiatorPubSig)
	kSession, err := deriveSessionKey(pending.SID, initiatorPub, responderPub, shared)
	if err != nil {
		return nil, err
	}
	return NewSession(pending.SID, true, pending.Branch, ed25519.PublicKey(responderPub), peerDH, kSession, replayCacheSize, reassemblyMax, gapTimeout, sink)
}

// RestoreSession rebuilds a Session from a previously exported SessionSnapshot.
// Per SPEC_FULL §4.12 "Resume", if KSessionHex is present the session is
// restored directly to ACTIVE with no new handshake; otherwise the caller
// must re-run the handshake via RespondToHandshake/CompleteHandshake.
func RestoreSession(snap SessionSnapshot, branch BranchKeys, replayCacheSize, reassemblyMax int, gapTimeout time.Duration, sink EventSink) (*Session, error) {
	if snap.KSessionHex == "" {
		return nil, ErrSessionNotActive
	}
	peerPub, err := hex.DecodeString(snap.PeerPubSig)
	if err != nil || len(peerPub) != ed25519.PublicKeySize {
		return nil, ErrBadSignature
	}
	kRaw, err := hex.DecodeString(snap.KSessionHex)
	if err != nil || len(kRaw) != 32 {
		return nil, ErrBadSignature
	}
	var kSession [32]byte
	copy(kSession[:], kRaw)

	sess, err := NewSession(snap.SID, snap.IsInitiator, branch, ed25519.PublicKey(peerPub), [32]byte{}, kSession, replayCacheSize, reassemblyMax, gapTimeout, sink)
	if err != nil {
		return nil, err
	}
	sess.out.seq = snap.OutboundSeq
	if snap.IsInitiator {
		sess.in.seq = snap.InboundSeqBtoA
	} else {
		sess.in.seq = snap.InboundSeqAtoB
	}
	return sess, nil
}
