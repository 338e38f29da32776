// Package keys provides Ed25519 signing and verification over canonical
// digests, deterministic key-id derivation, and a revocable signer-key
// registry.
//
// Two lookups, on purpose: signing consults current key status, while
// verification resolves key material by id regardless of status. A revoked
// key can never sign a new event, but everything it signed before revocation
// stays verifiable.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyStatus is the lifecycle state of a signer key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// keyIDInfo is the HKDF domain-separation label for key-id derivation.
// Changing it changes every derived key id; treat it as part of the format.
const keyIDInfo = "settld/key-id/v1"

var (
	// ErrKeyRevoked is returned when a signing operation names a revoked key.
	ErrKeyRevoked = errors.New("keys: signer key is revoked")
	// ErrUnknownKey is returned when a key id is not in the registry.
	ErrUnknownKey = errors.New("keys: unknown signer key")
)

// DeriveKeyID derives a deterministic, collision-resistant key id from a
// public key via HKDF-SHA256. Key ids are never client-supplied.
func DeriveKeyID(pub ed25519.PublicKey) string {
	r := hkdf.New(sha256.New, pub, nil, []byte(keyIDInfo))
	id := make([]byte, 16)
	if _, err := io.ReadFull(r, id); err != nil {
		// HKDF over a fixed-size input cannot fail to produce 16 bytes.
		panic(fmt.Sprintf("keys: hkdf read failed: %v", err))
	}
	return hex.EncodeToString(id)
}

// Signer signs hex digests with an Ed25519 private key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: key generation failed: %w", err)
	}
	return NewSignerFromKey(priv), nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub, KeyID: DeriveKeyID(pub)}
}

// Sign signs the digest string and returns the signature hex encoded.
// The message is the hex digest itself, not the original payload bytes, so
// verification never requires the full payload.
func (s *Signer) Sign(digestHex string) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, []byte(digestHex)))
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PrivateKey returns the signer's private key, for export to a key file.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks a hex signature over a hex digest against a public key.
func Verify(pub ed25519.PublicKey, digestHex, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("keys: invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("keys: invalid public key size %d", len(pub))
	}
	return ed25519.Verify(pub, []byte(digestHex), sig), nil
}

type registeredKey struct {
	pub    ed25519.PublicKey
	status KeyStatus
}

// Registry is a thread-safe signer-key registry with one-way revocation.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]registeredKey
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]registeredKey)}
}

// Register adds a public key and returns its derived key id. Re-registering
// the same key is a no-op and does not resurrect a revoked key.
func (r *Registry) Register(pub ed25519.PublicKey) string {
	keyID := DeriveKeyID(pub)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[keyID]; !exists {
		cp := make(ed25519.PublicKey, len(pub))
		copy(cp, pub)
		r.keys[keyID] = registeredKey{pub: cp, status: KeyStatusActive}
	}
	return keyID
}

// Revoke marks a key revoked. One-way: there is no un-revoke.
func (r *Registry) Revoke(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	k.status = KeyStatusRevoked
	r.keys[keyID] = k
	return nil
}

// Lookup resolves historical key material by id, regardless of current
// status. Used on the verification path.
func (r *Registry) Lookup(keyID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return nil, false
	}
	return k.pub, true
}

// Status returns the current status of a key.
func (r *Registry) Status(keyID string) (KeyStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return "", false
	}
	return k.status, true
}

// CheckActive returns nil only if the key exists and is active. Used on the
// signing path.
func (r *Registry) CheckActive(keyID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if k.status == KeyStatusRevoked {
		return fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	return nil
}
