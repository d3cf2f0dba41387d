package core

// Thin wrappers over the "assumed available" crypto primitives named in
// SPEC_FULL §1/§2 (SHA-256, BLAKE2b, XChaCha20-Poly1305, Ed25519-style
// signing, X25519-style DH). Nothing here implements cryptography; it pins
// one concrete library per primitive the way the Open Questions in §9
// require, so the rest of the codebase calls a handful of small named
// functions instead of reaching into golang.org/x/crypto directly.

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// blake2b256 hashes data with a domain-separation prefix, per the pinned
// Merkle/VRF Open Question decisions in SPEC_FULL §9.
func blake2b256(prefix string, parts ...[]byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key never errors; guard anyway so a
		// future signature change fails loudly instead of silently.
		panic(err)
	}
	h.Write([]byte(prefix))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// genEd25519 generates an Ed25519 signing key pair.
func genEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(crand.Reader)
}

// signCanonical signs a canonical (JCS) byte string.
func signCanonical(priv ed25519.PrivateKey, canonical []byte) []byte {
	return ed25519.Sign(priv, canonical)
}

// verifyCanonical verifies a signature over a canonical byte string.
func verifyCanonical(pub ed25519.PublicKey, canonical, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

// genX25519 generates an X25519 key pair for the handshake DH step.
func genX25519() (pub, priv [32]byte, err error) {
	if _, err = io.ReadFull(crand.Reader, priv[:]); err != nil {
		return pub, priv, err
	}
	// clamp per RFC 7748
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pk, err := x25519Public(priv)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pk)
	return pub, priv, nil
}

// x25519Public derives the public key for a (clamped) X25519 private scalar.
func x25519Public(priv [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], curve25519.Basepoint)
}

// dhX25519 computes the shared secret for a session handshake.
func dhX25519(priv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// deriveSessionKey runs the authenticated KDF over
// (sid ∥ initiatorPubSig ∥ responderPubSig ∥ dhShared) called for by
// SPEC_FULL §4.12, producing the 32-byte K_session.
func deriveSessionKey(sid string, initiatorPubSig, responderPubSig, dhShared []byte) ([32]byte, error) {
	info := append([]byte("KKTP:SESSION:"+sid+":"), initiatorPubSig...)
	info = append(info, responderPubSig...)
	h := hkdf.New(sha256.New, dhShared, []byte("KKTP:HANDSHAKE:"+sid), info)
	var out [32]byte
	if _, err := io.ReadFull(h, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// sealAEAD seals plaintext with XChaCha20-Poly1305 under the given key,
// 24-byte nonce and additional authenticated data.
func sealAEAD(key [32]byte, nonce [24]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// openAEAD opens ciphertext sealed by sealAEAD. A non-nil error means
// authentication failed — the caller must treat the session as FAULTED.
func openAEAD(key [32]byte, nonce [24]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, errors.New("aead: authentication failed")
	}
	return pt, nil
}

// randomNonce24 draws a fresh random 24-byte XChaCha20-Poly1305 nonce.
func randomNonce24() ([24]byte, error) {
	var n [24]byte
	_, err := io.ReadFull(crand.Reader, n[:])
	return n, err
}

// zero overwrites a byte slice's contents in place. Used to zeroise
// K_session and private key material on session CLOSE per SPEC_FULL §3.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
