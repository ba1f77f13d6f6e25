package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM IV length: 96 bits per the capsule envelope
	// format. SealAESGCM prepends the IV to the blob it returns.
	NonceSize = 12
	// minRSABits is the floor for requester wrapping keys.
	minRSABits = 2048
)

// DeriveKey derives a 32-byte key from input keying material with
// HKDF-SHA256. info provides domain separation (e.g. the capsule id), salt
// binds the derivation to a context hash.
func DeriveKey(ikm, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return key, nil
}

// NewCapsuleKey derives a fresh AES-256 capsule key bound to capsuleID.
func NewCapsuleKey(capsuleID string) ([]byte, error) {
	ikm := make([]byte, KeySize)
	if _, err := rand.Read(ikm); err != nil {
		return nil, fmt.Errorf("entropy read failed: %w", err)
	}
	salt := sha256.Sum256([]byte(capsuleID))
	return DeriveKey(ikm, salt[:], "datapact:capsule:key:v1")
}

// SealAESGCM encrypts plaintext under a 32-byte key with AES-256-GCM
// (96-bit IV, 128-bit tag). The IV is prepended to the returned blob.
// aad is authenticated but not encrypted; capsules pass the header hash.
func SealAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("iv generation failed: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, aad), nil
}

// OpenAESGCM decrypts a blob produced by SealAESGCM.
func OpenAESGCM(key, blob, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("ciphertext shorter than iv")
	}
	plaintext, err := gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("gcm open failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}
	return gcm, nil
}

// WrapKey encrypts a capsule key to the requester's RSA public key with
// OAEP-SHA256. Keys below 2048 bits are refused.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("nil wrapping key")
	}
	if pub.N.BitLen() < minRSABits {
		return nil, fmt.Errorf("wrapping key is %d bits, minimum is %d", pub.N.BitLen(), minRSABits)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, []byte("datapact:capsule:wrap:v1"))
	if err != nil {
		return nil, fmt.Errorf("oaep wrap failed: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a capsule key wrapped with WrapKey.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("nil unwrapping key")
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, []byte("datapact:capsule:wrap:v1"))
	if err != nil {
		return nil, fmt.Errorf("oaep unwrap failed: %w", err)
	}
	return key, nil
}
