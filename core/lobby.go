package core

// Lobby implements SPEC_FULL §4.13: the group layer built on top of
// per-member Sessions. Grounded on the teacher's core/access_control.go
// (mutex-guarded roster + monotonic allocation) for membership bookkeeping,
// and on core/gaming.go's typed event dispatch for lobby_member_event /
// lobby_kick / lobby_close. The group key vault's buffered-future-message
// discipline is grounded on the pack's SAGE-X epoch-tolerant group
// decryption pattern.

import (
	"encoding/hex"
	"sync"
	"time"
)

const (
	groupFutureBufferMax = 20
	groupFutureBufferTTL = 60 * time.Second
)

// GroupKey is one versioned 32 B symmetric key held by the vault.
type GroupKey struct {
	Version uint64
	Key     [32]byte
}

// bufferedGroupMessage is a group message whose keyVersion is ahead of
// current, held until a rotation catches up to it.
type bufferedGroupMessage struct {
	msg       GroupMessage
	bufferedAt time.Time
}

// GroupMessage is the wire shape of a lobby group transport packet.
type GroupMessage struct {
	Type         string    `json:"type"`
	KeyVersion   uint64    `json:"keyVersion"`
	NonceHex     string    `json:"nonce"`
	Ciphertext   []byte    `json:"ciphertext"`
	SenderPubSig string    `json:"senderPubSig"`
	Timestamp    time.Time `json:"timestamp"`
}

// GroupKeyVault holds the current and previous group keys plus a bounded,
// TTL'd buffer of messages encrypted under a not-yet-adopted future key
// version, per SPEC_FULL §4.13 "Group transport".
type GroupKeyVault struct {
	mu sync.Mutex

	current     GroupKey
	previous    GroupKey
	hasPrevious bool

	future map[uint64][]bufferedGroupMessage
	dedup  map[string]time.Time // "senderPubSig|nonce" -> last seen
}

// NewGroupKeyVault seeds the vault with the lobby's initial key at
// version 1.
func NewGroupKeyVault(initialKey [32]byte) *GroupKeyVault {
	return &GroupKeyVault{
		current: GroupKey{Version: 1, Key: initialKey},
		future:  make(map[uint64][]bufferedGroupMessage),
		dedup:   make(map[string]time.Time),
	}
}

// CurrentVersion returns the vault's active key version.
func (v *GroupKeyVault) CurrentVersion() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current.Version
}

// GroupDecryptOutcome classifies what Decrypt did with a message.
type GroupDecryptOutcome int

const (
	GroupDecrypted GroupDecryptOutcome = iota
	GroupBuffered
	GroupDroppedStale
	GroupDroppedDuplicate
)

// Decrypt applies the version-dispatch rule from SPEC_FULL §4.13: current
// or previous version decrypts immediately; strictly-greater buffers
// (bounded, TTL'd); anything else (stale version) is dropped.
func (v *GroupKeyVault) Decrypt(msg GroupMessage) ([]byte, GroupDecryptOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dedupKey := msg.SenderPubSig + "|" + msg.NonceHex
	if _, seen := v.dedup[dedupKey]; seen {
		return nil, GroupDroppedDuplicate, nil
	}

	switch {
	case msg.KeyVersion == v.current.Version:
		pt, err := v.openWith(v.current.Key, msg)
		if err != nil {
			return nil, GroupDroppedStale, err
		}
		v.dedup[dedupKey] = time.Now()
		return pt, GroupDecrypted, nil
	case v.hasPrevious && msg.KeyVersion == v.previous.Version:
		pt, err := v.openWith(v.previous.Key, msg)
		if err != nil {
			return nil, GroupDroppedStale, err
		}
		v.dedup[dedupKey] = time.Now()
		return pt, GroupDecrypted, nil
	case msg.KeyVersion > v.current.Version:
		v.sweepExpiredLocked()
		total := 0
		for _, bucket := range v.future {
			total += len(bucket)
		}
		if total >= groupFutureBufferMax {
			return nil, GroupDroppedStale, nil
		}
		v.future[msg.KeyVersion] = append(v.future[msg.KeyVersion], bufferedGroupMessage{msg: msg, bufferedAt: time.Now()})
		return nil, GroupBuffered, nil
	default:
		return nil, GroupDroppedStale, nil
	}
}

func (v *GroupKeyVault) openWith(key [32]byte, msg GroupMessage) ([]byte, error) {
	nonceRaw, err := hex.DecodeString(msg.NonceHex)
	if err != nil || len(nonceRaw) != 24 {
		return nil, ErrBadSignature
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)
	return openAEAD(key, nonce, groupAAD(msg), msg.Ciphertext)
}

func groupAAD(msg GroupMessage) []byte {
	return []byte(msg.Type + "|" + msg.SenderPubSig)
}

// sweepExpiredLocked drops buffered messages older than the TTL. Must be
// called with v.mu held.
func (v *GroupKeyVault) sweepExpiredLocked() {
	now := time.Now()
	for version, bucket := range v.future {
		kept := bucket[:0]
		for _, b := range bucket {
			if now.Sub(b.bufferedAt) <= groupFutureBufferTTL {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(v.future, version)
		} else {
			v.future[version] = kept
		}
	}
}

// Rotate installs newKey as the current key (demoting the old current to
// previous) and drains any buffered messages that are now decryptable
// under the new version. Returns the newly-decrypted plaintexts.
func (v *GroupKeyVault) Rotate(newVersion uint64, newKey [32]byte) [][]byte {
	v.mu.Lock()
	v.previous = v.current
	v.hasPrevious = true
	v.current = GroupKey{Version: newVersion, Key: newKey}
	bucket := v.future[newVersion]
	delete(v.future, newVersion)
	v.mu.Unlock()

	var drained [][]byte
	for _, b := range bucket {
		pt, outcome, err := v.Decrypt(b.msg)
		if err == nil && outcome == GroupDecrypted {
			drained = append(drained, pt)
		}
	}
	return drained
}

// LobbyRole distinguishes the host (key-rotation authority) from members.
type LobbyRole string

const (
	LobbyRoleHost   LobbyRole = "host"
	LobbyRoleMember LobbyRole = "member"
)

// RosterEntry is one member's public record, per SPEC_FULL §4.13
// "lobby_member_event".
type RosterEntry struct {
	PubSig      string
	DisplayName string
	JoinedAt    time.Time
}

// joinRequest is one queued join awaiting serialized processing.
type joinRequest struct {
	pubSig      string
	displayName string
	session     *Session
	done        chan joinDecision
}

type joinDecision struct {
	accepted bool
	reason   string
}

// Lobby is the group-layer coordinator for one lobby, grounded on
// SPEC_FULL §4.13.
type Lobby struct {
	mu sync.Mutex

	role       LobbyRole
	selfPubSig string
	branch     BranchKeys
	vault      *GroupKeyVault
	sink       EventSink

	// host-only state
	members     map[string]*Member
	autoAccept  bool
	joinQueue   chan joinRequest
	refreshUTXO func() error // barrier run between accepted joins

	roster []RosterEntry
	closed bool

	manualApprove func(pubSig, displayName string) bool
}

// Member is a host's live per-member session plus roster metadata.
type Member struct {
	PubSig      string
	DisplayName string
	Session     *Session
}

// LobbyConfig bundles host-side construction parameters.
type LobbyConfig struct {
	SelfPubSig  string
	Branch      BranchKeys
	InitialKey  [32]byte
	AutoAccept  bool
	RefreshUTXO func() error
	// ManualApprove is consulted when AutoAccept is false. Nil means every
	// join is rejected until a policy hook is wired.
	ManualApprove func(pubSig, displayName string) bool
	Sink          EventSink
}

// NewHostLobby constructs a Lobby in the host role with an empty roster
// and a running join-serialization worker.
func NewHostLobby(cfg LobbyConfig) *Lobby {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.RefreshUTXO == nil {
		cfg.RefreshUTXO = func() error { return nil }
	}
	l := &Lobby{
		role:        LobbyRoleHost,
		selfPubSig:  cfg.SelfPubSig,
		branch:      cfg.Branch,
		vault:       NewGroupKeyVault(cfg.InitialKey),
		sink:        cfg.Sink,
		members:       make(map[string]*Member),
		autoAccept:    cfg.AutoAccept,
		joinQueue:     make(chan joinRequest, 64),
		refreshUTXO:   cfg.RefreshUTXO,
		manualApprove: cfg.ManualApprove,
	}
	go l.processJoins()
	return l
}

// NewMemberLobby constructs a Lobby in the member role, seeded with the
// group key received in a lobby_join_response.
func NewMemberLobby(selfPubSig string, branch BranchKeys, initialKey [32]byte, sink EventSink) *Lobby {
	if sink == nil {
		sink = NopSink{}
	}
	return &Lobby{
		role:       LobbyRoleMember,
		selfPubSig: selfPubSig,
		branch:     branch,
		vault:      NewGroupKeyVault(initialKey),
		sink:       sink,
	}
}

// RequestJoin (host side) enqueues a join request from a freshly
// established per-member session, serialized per SPEC_FULL §4.13 "Join
// serialisation". Blocks the caller until the request has been processed.
func (l *Lobby) RequestJoin(pubSig, displayName string, session *Session) (accepted bool, reason string) {
	l.mu.Lock()
	if l.role != LobbyRoleHost || l.closed {
		l.mu.Unlock()
		return false, "lobby not accepting joins"
	}
	l.mu.Unlock()

	req := joinRequest{pubSig: pubSig, displayName: displayName, session: session, done: make(chan joinDecision, 1)}
	l.joinQueue <- req
	dec := <-req.done
	return dec.accepted, dec.reason
}

// processJoins is the host's single worker draining joinQueue one at a
// time, inserting a UTXO-refresh barrier between accepted joins.
func (l *Lobby) processJoins() {
	for req := range l.joinQueue {
		l.mu.Lock()
		closed := l.closed
		full := len(l.members) >= lobbyMaxMembersDefault
		l.mu.Unlock()

		if closed {
			req.done <- joinDecision{accepted: false, reason: "lobby closed"}
			continue
		}
		if full {
			req.done <- joinDecision{accepted: false, reason: "lobby full"}
			continue
		}

		accept := l.autoAccept
		if !accept && l.manualApprove != nil {
			accept = l.manualApprove(req.pubSig, req.displayName)
		}
		if !accept {
			req.done <- joinDecision{accepted: false, reason: "rejected by host policy"}
			continue
		}

		l.mu.Lock()
		l.members[req.pubSig] = &Member{PubSig: req.pubSig, DisplayName: req.displayName, Session: req.session}
		l.roster = append(l.roster, RosterEntry{PubSig: req.pubSig, DisplayName: req.displayName, JoinedAt: time.Now()})
		l.mu.Unlock()

		l.sink.Emit(Event{Type: EventGameReady, At: time.Now(), Payload: "lobby_member_event:join:" + req.pubSig})
		req.done <- joinDecision{accepted: true}

		if err := l.refreshUTXO(); err != nil {
			l.sink.Emit(Event{Type: EventValidationFailed, At: time.Now(), Payload: "join UTXO refresh failed: " + err.Error()})
		}
	}
}

const lobbyMaxMembersDefault = 64

// Roster returns a snapshot of the current member roster.
func (l *Lobby) Roster() []RosterEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RosterEntry, len(l.roster))
	copy(out, l.roster)
	return out
}

// RotateKey (host only) distributes the caller-supplied newKey per
// SPEC_FULL §4.13 "Key rotation": serialised per-member DM send, vault
// swap only after at least one send succeeds, abort if none do.
func (l *Lobby) RotateKey(newKey [32]byte, sendDM func(member *Member, newKeyBytes [32]byte, version uint64) error) error {
	l.mu.Lock()
	if l.role != LobbyRoleHost {
		l.mu.Unlock()
		return ErrRotationAborted
	}
	newVersion := l.vault.CurrentVersion() + 1
	members := make([]*Member, 0, len(l.members))
	for _, m := range l.members {
		members = append(members, m)
	}
	l.mu.Unlock()

	sent := 0
	for _, m := range members {
		if err := sendDM(m, newKey, newVersion); err != nil {
			l.sink.Emit(Event{Type: EventValidationFailed, At: time.Now(), Payload: "key rotation DM failed for " + m.PubSig})
			continue
		}
		sent++
	}
	if sent == 0 {
		return ErrRotationAborted
	}
	l.vault.Rotate(newVersion, newKey)
	return nil
}

// KickMember (host only) removes a member, creates an end anchor on their
// session and emits a lobby_member_event{leave} event to the local sink.
// No lobby_kick message is sent from here.
func (l *Lobby) KickMember(pubSig string) error {
	l.mu.Lock()
	m, ok := l.members[pubSig]
	if !ok {
		l.mu.Unlock()
		return ErrLobbyClosed
	}
	delete(l.members, pubSig)
	for i, r := range l.roster {
		if r.PubSig == pubSig {
			l.roster = append(l.roster[:i], l.roster[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if m.Session != nil {
		_, _ = m.Session.CreateEndAnchor("kicked")
	}
	l.sink.Emit(Event{Type: EventGameReady, At: time.Now(), Payload: "lobby_member_event:leave:" + pubSig})
	return nil
}

// Close (host only) marks the lobby closed, clears the member map, stops
// the join worker and creates an end anchor on every member session. No
// lobby_close message is sent from here.
func (l *Lobby) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	members := make([]*Member, 0, len(l.members))
	for _, m := range l.members {
		members = append(members, m)
	}
	l.members = make(map[string]*Member)
	close(l.joinQueue)
	l.mu.Unlock()

	for _, m := range members {
		if m.Session != nil {
			_, _ = m.Session.CreateEndAnchor("lobby closed")
		}
	}
}

// OnKicked (member side) reacts to a received lobby_kick/lobby_close by
// resetting local lobby state.
func (l *Lobby) OnKicked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.roster = nil
}
