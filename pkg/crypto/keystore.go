package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrKeyNotFound means the key id was never registered.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyDestroyed means the key was crypto-shredded; the material is
	// unrecoverable and decryption is permanently impossible.
	ErrKeyDestroyed = errors.New("key destroyed")
)

// KeyStore holds capsule keys in process memory. Shredding removes the entry,
// wipes the buffer and records the key id in the destroyed registry so later
// lookups can distinguish "never existed" from "destroyed".
type KeyStore struct {
	mu        sync.Mutex
	keys      map[string][]byte
	destroyed map[string]time.Time
	clock     func() time.Time
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:      make(map[string][]byte),
		destroyed: make(map[string]time.Time),
		clock:     time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (ks *KeyStore) WithClock(clock func() time.Time) *KeyStore {
	ks.clock = clock
	return ks
}

// Register stores key material under keyID. Re-registering a live or
// destroyed key id is an error; key ids are single-use.
func (ks *KeyStore) Register(keyID string, key []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[keyID]; ok {
		return fmt.Errorf("key %s already registered", keyID)
	}
	if _, ok := ks.destroyed[keyID]; ok {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyDestroyed)
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	ks.keys[keyID] = buf
	return nil
}

// Get returns a copy of the key material.
func (ks *KeyStore) Get(keyID string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.destroyed[keyID]; ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyDestroyed)
	}
	key, ok := ks.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Shred destroys the key material: the buffer is zeroed, the entry removed,
// and the id recorded in the destroyed registry. Shredding is idempotent;
// the second call reports already=true. Shredding an unknown id is an error.
func (ks *KeyStore) Shred(keyID string) (already bool, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.destroyed[keyID]; ok {
		return true, nil
	}
	key, ok := ks.keys[keyID]
	if !ok {
		return false, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	for i := range key {
		key[i] = 0
	}
	delete(ks.keys, keyID)
	ks.destroyed[keyID] = ks.clock().UTC()
	return false, nil
}

// Destroyed reports whether keyID has been shredded.
func (ks *KeyStore) Destroyed(keyID string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.destroyed[keyID]
	return ok
}

// DestroyedKey records one shredded key id and when it was destroyed.
type DestroyedKey struct {
	KeyID       string
	DestroyedAt time.Time
}

// DestroyedKeys returns the destroyed registry sorted by key id, for export
// to the durable destroyed_keys_registry.
func (ks *KeyStore) DestroyedKeys() []DestroyedKey {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make([]DestroyedKey, 0, len(ks.destroyed))
	for id, at := range ks.destroyed {
		out = append(out, DestroyedKey{KeyID: id, DestroyedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}
