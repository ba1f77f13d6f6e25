package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds the platform signing keys with rotation support. Plans are
// signed with the active key; verification accepts any registered key so
// receipts signed before a rotation stay verifiable.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]*Ed25519Signer)}
}

// Add registers a signer under its key id.
func (k *KeyRing) Add(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// Revoke removes a key. Signatures under a revoked key no longer verify.
func (k *KeyRing) Revoke(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// Active returns the signer used for new signatures: the lexicographically
// last key id, so rotation is a matter of adding a later-sorting id.
func (k *KeyRing) Active() (*Ed25519Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]string, 0, len(k.signers))
	for id := range k.signers {
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys available")
	}
	sort.Strings(keys)
	return k.signers[keys[len(keys)-1]], nil
}

// Sign signs data with the active key and returns the signature and key id.
func (k *KeyRing) Sign(data []byte) (sigHex, keyID string, err error) {
	active, err := k.Active()
	if err != nil {
		return "", "", err
	}
	sig, err := active.Sign(data)
	if err != nil {
		return "", "", err
	}
	return sig, active.KeyID(), nil
}

// VerifyWithKey verifies a signature under a specific registered key.
func (k *KeyRing) VerifyWithKey(keyID string, data []byte, sigHex string) (bool, error) {
	k.mu.RLock()
	signer, ok := k.signers[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return signer.Verify(data, sigHex), nil
}

// PublicKey returns the hex public key for a registered key id.
func (k *KeyRing) PublicKey(keyID string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, ok := k.signers[keyID]
	if !ok {
		return "", fmt.Errorf("unknown or revoked key: %s", keyID)
	}
	return signer.PublicKey(), nil
}
