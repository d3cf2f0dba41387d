package core

// Session identity and per-contact key-branch allocation (SPEC_FULL §3
// "Session Identity"). Grounded on the teacher's core/wallet.go, which
// derives Ed25519 key-pairs via a SLIP-0010-style hardened HMAC-SHA512
// chain from a BIP-39 seed ("ed25519 seed" master key, hardened offset
// 0x80000000); this file reuses that derivation chain but repurposes it for
// the spec's per-peer baseIndex/+1/+2 branch scheme instead of the
// teacher's account'/index' HD path. The allocator itself (mutex-guarded
// in-memory cache backed by a persisted store, "already granted" rejected)
// is grounded on the teacher's core/access_control.go and
// core/idwallet_registration.go.

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

const (
	hardenedOffset uint32 = 0x80000000
	masterHMACKey         = "ed25519 seed"

	branchBaseMinimum uint32 = 100
)

// HDWallet holds the master seed used to derive every per-peer key branch.
// Private material never leaves the process except as derived child keys.
type HDWallet struct {
	seed []byte
}

// NewRandomIdentity generates a fresh BIP-39 mnemonic of the given entropy
// size (128 or 256 bits) and the HDWallet derived from it. The caller must
// securely store or wipe the mnemonic.
func NewRandomIdentity(entropyBits int) (*HDWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("identity: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	return IdentityFromMnemonic(mnemonic, "")
}

// IdentityFromMnemonic reconstructs an HDWallet from a BIP-39 mnemonic
// phrase and optional passphrase.
func IdentityFromMnemonic(mnemonic, passphrase string) (*HDWallet, string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, "", fmt.Errorf("identity: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return &HDWallet{seed: seed}, mnemonic, nil
}

// Seed returns a copy of the wallet's master seed. Callers should wipe the
// returned slice after use.
func (w *HDWallet) Seed() []byte {
	out := make([]byte, len(w.seed))
	copy(out, w.seed)
	return out
}

// hmacChild performs one SLIP-0010 hardened derivation step.
func hmacChild(key, chainCode []byte, index uint32) (childKey, childChain []byte) {
	mac := hmac.New(sha512.New, chainCode)
	mac.Write([]byte{0})
	mac.Write(key)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index|hardenedOffset)
	mac.Write(idxBuf[:])
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// derivePath walks a sequence of hardened indices from the master seed and
// returns the final 32-byte Ed25519 seed.
func (w *HDWallet) derivePath(path []uint32) []byte {
	mac := hmac.New(sha512.New, []byte(masterHMACKey))
	mac.Write(w.seed)
	sum := mac.Sum(nil)
	key, chain := sum[:32], sum[32:]
	for _, idx := range path {
		key, chain = hmacChild(key, chain, idx)
	}
	return key
}

// BranchKeys are the two key pairs carried by a single allocated branch:
// an Ed25519 signing pair (used directly for Discovery/Response/SessionEnd
// signatures) and an X25519 DH pair derived from the same branch seed via
// a domain-separated hash (Ed25519 scalars are not directly usable as X25519
// scalars, so the DH key is derived independently rather than converted).
type BranchKeys struct {
	Index   uint32
	SignPub ed25519.PublicKey
	signPriv ed25519.PrivateKey
	DHPub   [32]byte
	dhPriv  [32]byte
}

// Sign signs a canonical payload with this branch's signing key.
func (b BranchKeys) Sign(canonical []byte) []byte { return signCanonical(b.signPriv, canonical) }

// DH computes the shared secret against a peer's DH public key.
func (b BranchKeys) DH(peerPub [32]byte) ([]byte, error) { return dhX25519(b.dhPriv, peerPub) }

// Zero wipes this branch's private material. Called when a Session
// transitions to CLOSED.
func (b *BranchKeys) Zero() {
	zero(b.signPriv)
	zero32(&b.dhPriv)
}

// Branch derives the signing + DH key pair at the given index. Index must
// be >= 100 per SPEC_FULL §3.
func (w *HDWallet) Branch(index uint32) (BranchKeys, error) {
	if index < branchBaseMinimum {
		return BranchKeys{}, fmt.Errorf("identity: branch index %d below minimum %d", index, branchBaseMinimum)
	}
	edSeed := w.derivePath([]uint32{index})
	priv := ed25519.NewKeyFromSeed(edSeed)
	signPub := priv.Public().(ed25519.PublicKey)

	dhSeedHash := blake2b256("KKTP:DH-BRANCH:", edSeed)
	var dhPriv [32]byte
	copy(dhPriv[:], dhSeedHash[:])
	dhPriv[0] &= 248
	dhPriv[31] &= 127
	dhPriv[31] |= 64
	dhPubBytes, err := x25519Public(dhPriv)
	if err != nil {
		return BranchKeys{}, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubBytes)

	return BranchKeys{Index: index, SignPub: signPub, signPriv: priv, DHPub: dhPub, dhPriv: dhPriv}, nil
}

// PeerRecord is the persisted "peer_registry" record from SPEC_FULL §6:
// keyed by peerPubSig, with a unique index on baseIndex and an updatedAt
// index.
type PeerRecord struct {
	PeerPubSig string    `json:"peerPubSig"`
	BaseIndex  uint32    `json:"baseIndex"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PeerRegistry allocates a strictly increasing, never-reused baseIndex per
// distinct peer, persisting the allocation so it survives restarts (SPEC_FULL
// §3 "Allocation is strictly increasing even across restarts"). Shape is
// grounded on the teacher's core/access_control.go (mutex + in-memory cache
// over a persisted backing store, "already granted" short-circuit).
type PeerRegistry struct {
	mu    sync.Mutex
	store RecordStore
	log   *logrus.Logger

	cache map[string]uint32 // peerPubSig(hex) -> baseIndex
	next  uint32
}

const peerRegistryDomain = "peer_registry"
const peerRegistryMetaDomain = "meta"
const peerRegistryNextKey = "next_base_index"

// NewPeerRegistry loads any previously persisted allocations from store.
func NewPeerRegistry(store RecordStore, log *logrus.Logger) (*PeerRegistry, error) {
	if log == nil {
		log = logrus.New()
	}
	r := &PeerRegistry{store: store, log: log, cache: make(map[string]uint32), next: branchBaseMinimum}
	rows, err := store.List(peerRegistryDomain)
	if err != nil {
		return nil, err
	}
	for _, raw := range rows {
		var rec PeerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		r.cache[rec.PeerPubSig] = rec.BaseIndex
		if rec.BaseIndex+3 > r.next {
			r.next = rec.BaseIndex + 3
		}
	}
	if raw, ok, err := store.Get(peerRegistryMetaDomain, peerRegistryNextKey); err == nil && ok {
		var persistedNext uint32
		if err := json.Unmarshal(raw, &persistedNext); err == nil && persistedNext > r.next {
			r.next = persistedNext
		}
	}
	return r, nil
}

// BaseIndexFor returns the allocated baseIndex for peerPubSig, allocating a
// fresh one (monotonically, never reused) on first sight.
func (r *PeerRegistry) BaseIndexFor(peerPubSigHex string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.cache[peerPubSigHex]; ok {
		return idx, nil
	}
	idx := r.next
	r.next += 3 // baseIndex, +1 (initiator-TX), +2 (responder-RX)

	rec := PeerRecord{PeerPubSig: peerPubSigHex, BaseIndex: idx, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if err := r.store.Set(peerRegistryDomain, peerPubSigHex, raw); err != nil {
		return 0, err
	}
	nextRaw, _ := json.Marshal(r.next)
	if err := r.store.Set(peerRegistryMetaDomain, peerRegistryNextKey, nextRaw); err != nil {
		return 0, err
	}
	r.cache[peerPubSigHex] = idx
	r.log.WithFields(logrus.Fields{"peer": peerPubSigHex, "baseIndex": idx}).Info("identity: allocated key branch")
	return idx, nil
}

// hexKey renders an Ed25519 public key as the hex string used for peer
// identification throughout the store and wire formats.
func hexKey(pub ed25519.PublicKey) string { return hex.EncodeToString(pub) }
