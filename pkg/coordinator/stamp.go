package coordinator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/errs"
)

// SignedStamp is the coordinator's attestation of a review decision. The
// signature binds the decision, safeguards and reasons to the policy
// version under the coordinator HMAC key.
type SignedStamp struct {
	RequestID     string    `json:"requestId"`
	Decision      Decision  `json:"decision"`
	Safeguards    []string  `json:"safeguards"`
	ReasonCodes   []string  `json:"reasonCodes"`
	PolicyVersion string    `json:"policyVersion"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     string    `json:"signature"`
	StampHash     string    `json:"stampHash"`
}

// StampSigner signs and verifies policy stamps with HMAC-SHA-256.
type StampSigner struct {
	key           []byte
	policyVersion string
	clock         func() time.Time
}

// NewStampSigner builds a signer from the configured base64 key. An empty
// key generates ephemeral per-process material; config.Validate refuses
// that in strict mode, so production always runs on a provisioned key.
func NewStampSigner(base64Key, policyVersion string) (*StampSigner, bool, error) {
	ephemeral := false
	var key []byte
	if base64Key == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("ephemeral policy key generation failed: %w", err)
		}
		ephemeral = true
	} else {
		decoded, err := base64.StdEncoding.DecodeString(base64Key)
		if err != nil {
			return nil, false, errs.Wrap(errs.KindValidation, "COORD_001", err,
				"coordinator policy key is not valid base64")
		}
		if len(decoded) < 16 {
			return nil, false, errs.Newf(errs.KindValidation, "COORD_002",
				"coordinator policy key is %d bytes, minimum is 16", len(decoded))
		}
		key = decoded
	}
	return &StampSigner{
		key:           key,
		policyVersion: policyVersion,
		clock:         time.Now,
	}, ephemeral, nil
}

// WithClock overrides the time source.
func (s *StampSigner) WithClock(clock func() time.Time) *StampSigner {
	s.clock = clock
	return s
}

// PolicyVersion returns the version stamped on every signature.
func (s *StampSigner) PolicyVersion() string { return s.policyVersion }

// stampPayload is the canonical signing string. Safeguards are sorted so
// the payload is independent of detection order.
func stampPayload(requestID string, decision Decision, safeguards, reasons []string, policyVersion string, ts time.Time) string {
	sorted := append([]string(nil), safeguards...)
	sort.Strings(sorted)
	return strings.Join([]string{
		requestID,
		string(decision),
		strings.Join(sorted, ","),
		strings.Join(reasons, ","),
		policyVersion,
		ts.UTC().Format(time.RFC3339),
	}, "|")
}

// Sign produces the stamp for a review decision.
func (s *StampSigner) Sign(requestID string, decision Decision, safeguards, reasons []string) *SignedStamp {
	ts := s.clock().UTC().Truncate(time.Second)
	payload := stampPayload(requestID, decision, safeguards, reasons, s.policyVersion, ts)
	sig := crypto.HMACSign(s.key, []byte(payload))
	return &SignedStamp{
		RequestID:     requestID,
		Decision:      decision,
		Safeguards:    append([]string(nil), safeguards...),
		ReasonCodes:   append([]string(nil), reasons...),
		PolicyVersion: s.policyVersion,
		Timestamp:     ts,
		Signature:     sig,
		StampHash:     crypto.SHA256Hex([]byte(payload + sig)),
	}
}

// Verify recomputes the payload and compares the signature in constant
// time, then checks the stamp hash.
func (s *StampSigner) Verify(stamp *SignedStamp) error {
	if stamp == nil {
		return errs.New(errs.KindValidation, "COORD_003", "nil policy stamp")
	}
	payload := stampPayload(stamp.RequestID, stamp.Decision, stamp.Safeguards,
		stamp.ReasonCodes, stamp.PolicyVersion, stamp.Timestamp)
	if !crypto.HMACVerify(s.key, []byte(payload), stamp.Signature) {
		return errs.New(errs.KindIntegrity, "COORD_004", "policy stamp signature mismatch")
	}
	if crypto.SHA256Hex([]byte(payload+stamp.Signature)) != stamp.StampHash {
		return errs.New(errs.KindIntegrity, "COORD_005", "policy stamp hash mismatch")
	}
	return nil
}
