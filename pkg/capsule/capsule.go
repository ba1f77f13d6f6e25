// Package capsule implements time capsules: TTL-bound encrypted query
// responses produced by DS devices. A capsule's payload is sealed with a
// per-capsule AES-256-GCM key derived via HKDF, wrapped to the requester's
// RSA-OAEP key for delivery, and signed by the producing device. Expiry
// crypto-shreds the capsule key, permanently disabling decryption.
package capsule

import (
	"encoding/hex"
	"time"

	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/crypto"
)

// SchemaVersion identifies the capsule envelope format.
const SchemaVersion = "capsule/1"

// Status is the capsule lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusDelivered Status = "DELIVERED"
	StatusExpired   Status = "EXPIRED"
	StatusShredded  Status = "SHREDDED"
)

// Summary describes the payload without exposing it. PayloadSizeBytes
// counts the decrypted record bytes, not the sealed blob.
type Summary struct {
	RecordCount      int      `json:"recordCount"`
	FieldNames       []string `json:"fieldNames"`
	PayloadSizeBytes int      `json:"payloadSizeBytes"`
	OutputMode       string   `json:"outputMode"`
}

// Header carries the capsule's cleartext identity. The header is the
// authenticated data of the sealed payload, so any header edit breaks
// decryption as well as the hash.
type Header struct {
	CapsuleID     string    `json:"capsuleId"`
	PlanID        string    `json:"planId"`
	ContractID    string    `json:"contractId"`
	TTL           time.Time `json:"ttl"`
	SchemaVersion string    `json:"schemaVersion"`
	Summary       Summary   `json:"summary"`
	DSNodeID      string    `json:"dsNodeId"`
	RequesterID   string    `json:"requesterId"`
}

// Proofs bind the capsule to its plan and contract under the device's
// signature. ContractID is repeated here so header and proofs can be
// cross-checked independently.
type Proofs struct {
	CapsuleHash string    `json:"capsuleHash"`
	DSSignature string    `json:"dsSignature"`
	ContractID  string    `json:"contractId"`
	PlanHash    string    `json:"planHash"`
	SignedAt    time.Time `json:"signedAt"`
}

// Capsule is one sealed query response. Payload is the AES-256-GCM blob
// with the 96-bit IV prepended; WrappedKey is the capsule key under the
// requester's RSA-OAEP public key.
type Capsule struct {
	Header      Header    `json:"header"`
	Payload     []byte    `json:"payload"`
	KeyID       string    `json:"keyId"`
	WrappedKey  []byte    `json:"wrappedKey"`
	Proofs      Proofs    `json:"proofs"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	ShreddedAt  time.Time `json:"shreddedAt,omitempty"`
	Version     int64     `json:"version"`
}

// Hash computes the capsule hash: SHA-256 over the canonical header bytes
// followed by the sealed payload.
func (c *Capsule) Hash() (string, error) {
	header, err := canonical.JCS(c.Header)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(header)+len(c.Payload))
	buf = append(buf, header...)
	buf = append(buf, c.Payload...)
	return crypto.SHA256Hex(buf), nil
}

// Nonce returns the hex GCM IV of the sealed payload.
func (c *Capsule) Nonce() string {
	if len(c.Payload) < crypto.NonceSize {
		return ""
	}
	return hex.EncodeToString(c.Payload[:crypto.NonceSize])
}

// Expired reports whether now has reached the TTL. The TTL instant itself
// is expired.
func (c *Capsule) Expired(now time.Time) bool {
	return !now.Before(c.Header.TTL)
}

// Terminal reports whether the capsule can change state again.
func (c *Capsule) Terminal() bool {
	return c.Status == StatusExpired || c.Status == StatusShredded
}
