// Package crypto provides the platform's cryptographic primitives: SHA-256
// hashing, HMAC policy-stamp signatures, Ed25519 plan/device signatures, the
// AES-GCM + RSA-OAEP hybrid capsule scheme, and the shreddable capsule key
// store.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HMACSign returns the hex-encoded HMAC-SHA-256 of payload under key.
func HMACSign(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerify reports whether sigHex is a valid HMAC-SHA-256 of payload under
// key. Comparison is constant time.
func HMACVerify(key, payload []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}
