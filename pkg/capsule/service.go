package capsule

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/errs"
)

// PlanBinding is what a verified dispatch grant proves: which plan, device
// and contract the grant was minted for, and whether that plan is live.
type PlanBinding struct {
	PlanID      string
	DeviceID    string
	ContractID  string
	ScopeHash   string
	RequesterID string
	PlanHash    string
	Dispatched  bool
}

// PlanGate verifies dispatch grants. The plan orchestrator is the
// production implementation.
type PlanGate interface {
	VerifyGrant(ctx context.Context, grant string) (*PlanBinding, error)
}

// Config tunes the capsule service.
type Config struct {
	DefaultTTL      time.Duration
	MinTTL          time.Duration
	MaxPayloadBytes int
}

// DefaultConfig returns the capsule defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      72 * time.Hour,
		MinTTL:          time.Minute,
		MaxPayloadBytes: 4 << 20,
	}
}

// Service mints, accepts, verifies and shreds capsules.
type Service struct {
	store     Store
	keys      *crypto.KeyStore
	nonces    NonceRegistry
	directory KeyDirectory
	gate      PlanGate
	ledger    *audit.Ledger
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService wires the capsule service. The key directory and plan gate
// are mandatory collaborators; store, key store and nonce registry default
// to their in-process implementations.
func NewService(store Store, keys *crypto.KeyStore, nonces NonceRegistry,
	directory KeyDirectory, gate PlanGate, ledger *audit.Ledger,
	cfg Config, logger *slog.Logger) (*Service, error) {
	if gate == nil {
		return nil, errs.New(errs.KindValidation, "CAPSULE_013", "capsule service needs a plan gate")
	}
	if directory == nil {
		return nil, errs.New(errs.KindValidation, "CAPSULE_014", "capsule service needs a key directory")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if keys == nil {
		keys = crypto.NewKeyStore()
	}
	if nonces == nil {
		nonces = NewMemoryNonceRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		keys:      keys,
		nonces:    nonces,
		directory: directory,
		gate:      gate,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.With("component", "capsule.service"),
		clock:     time.Now,
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateInput carries one device's sealed response. Records is the
// cleartext payload; it is sealed before anything is stored.
type CreateInput struct {
	PlanGrant   string
	DSNodeID    string
	Records     []byte
	RecordCount int
	FieldNames  []string
	OutputMode  string
	TTLMinutes  int
	Signer      crypto.Signer
}

// Create seals a capsule for a dispatched plan. The dispatch grant is
// verified first; the payload key is derived fresh, registered in the key
// store and wrapped to the requester; the device signs the capsule hash.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Capsule, error) {
	if in.Signer == nil {
		return nil, errs.New(errs.KindValidation, "CAPSULE_015", "capsule creation needs the device signer")
	}
	if len(in.Records) == 0 {
		return nil, errs.New(errs.KindValidation, "CAPSULE_016", "capsule payload is empty")
	}
	if s.cfg.MaxPayloadBytes > 0 && len(in.Records) > s.cfg.MaxPayloadBytes {
		return nil, errs.Newf(errs.KindValidation, "CAPSULE_017",
			"capsule payload is %d bytes, limit is %d", len(in.Records), s.cfg.MaxPayloadBytes)
	}
	ttl := s.cfg.DefaultTTL
	if in.TTLMinutes > 0 {
		ttl = time.Duration(in.TTLMinutes) * time.Minute
	}
	if ttl < s.cfg.MinTTL {
		return nil, errs.Newf(errs.KindValidation, "CAPSULE_018",
			"capsule TTL %v is below the minimum %v", ttl, s.cfg.MinTTL)
	}

	binding, err := s.gate.VerifyGrant(ctx, in.PlanGrant)
	if err != nil {
		return nil, err
	}
	if binding.DeviceID != in.DSNodeID {
		return nil, errs.Newf(errs.KindUnauthorized, "CAPSULE_019",
			"grant was minted for device %s, not %s", binding.DeviceID, in.DSNodeID)
	}
	if !binding.Dispatched {
		return nil, errs.Newf(errs.KindInvalidState, "CAPSULE_020",
			"plan %s is not dispatched", binding.PlanID)
	}
	devicePub, err := s.directory.DevicePublicKey(in.DSNodeID)
	if err != nil {
		return nil, err
	}
	if devicePub != in.Signer.PublicKey() {
		return nil, errs.Newf(errs.KindUnauthorized, "CAPSULE_021",
			"signer does not hold the registered key for device %s", in.DSNodeID)
	}
	wrappingKey, err := s.directory.RequesterWrappingKey(binding.RequesterID)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	capsuleID := uuid.New().String()
	keyID := "capkey-" + capsuleID
	key, err := crypto.NewCapsuleKey(capsuleID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_022", err, "capsule key derivation failed")
	}
	if err := s.keys.Register(keyID, key); err != nil {
		return nil, errs.Wrap(errs.KindInvalidState, "CAPSULE_022", err, "capsule key registration failed")
	}

	fields := append([]string(nil), in.FieldNames...)
	sort.Strings(fields)
	header := Header{
		CapsuleID:     capsuleID,
		PlanID:        binding.PlanID,
		ContractID:    binding.ContractID,
		TTL:           now.Add(ttl),
		SchemaVersion: SchemaVersion,
		Summary: Summary{
			RecordCount:      in.RecordCount,
			FieldNames:       fields,
			PayloadSizeBytes: len(in.Records),
			OutputMode:       in.OutputMode,
		},
		DSNodeID:    in.DSNodeID,
		RequesterID: binding.RequesterID,
	}
	headerHash, err := canonical.CanonicalHash(header)
	if err != nil {
		return nil, err
	}
	blob, err := crypto.SealAESGCM(key, in.Records, []byte(headerHash))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_023", err, "payload seal failed")
	}
	wrapped, err := crypto.WrapKey(wrappingKey, key)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "CAPSULE_024", err, "capsule key wrap failed")
	}

	c := &Capsule{
		Header:     header,
		Payload:    blob,
		KeyID:      keyID,
		WrappedKey: wrapped,
		Status:     StatusCreated,
		CreatedAt:  now,
		Version:    1,
	}
	if err := s.nonces.Register(ctx, c.Nonce()); err != nil {
		// The derived key must not outlive a rejected mint.
		if _, serr := s.keys.Shred(keyID); serr != nil {
			s.logger.Error("orphan key shred failed", "key_id", keyID, "error", serr)
		}
		return nil, err
	}

	capsuleHash, err := c.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := in.Signer.Sign([]byte(capsuleHash))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidState, "CAPSULE_025", err, "capsule signing failed")
	}
	c.Proofs = Proofs{
		CapsuleHash: capsuleHash,
		DSSignature: sig,
		ContractID:  binding.ContractID,
		PlanHash:    binding.PlanHash,
		SignedAt:    now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"capsuleId":        capsuleID,
		"planId":           header.PlanID,
		"contractId":       header.ContractID,
		"ttl":              header.TTL.Format(time.RFC3339),
		"recordCount":      header.Summary.RecordCount,
		"payloadSizeBytes": header.Summary.PayloadSizeBytes,
		"keyId":            keyID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Append(ctx, audit.EventCapsuleCreated, in.DSNodeID,
		audit.ActorDS, capsuleID, audit.ResourceCapsule, detailsHash); err != nil {
		return nil, err
	}
	s.logger.Info("capsule created",
		"capsule_id", capsuleID, "plan_id", header.PlanID, "ttl", header.TTL, "key_id", keyID)
	return c, nil
}

// Get returns a capsule by id.
func (s *Service) Get(ctx context.Context, id string) (*Capsule, error) {
	return s.store.Get(ctx, id)
}

// ListByPlan returns every capsule minted for a plan.
func (s *Service) ListByPlan(ctx context.Context, planID string) ([]*Capsule, error) {
	return s.store.ListByPlan(ctx, planID)
}

// Verify checks a capsule end to end: recomputed hash, header/proofs
// contract agreement, device signature, TTL.
func (s *Service) Verify(c *Capsule) error {
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	if hash != c.Proofs.CapsuleHash {
		return errs.Newf(errs.KindIntegrity, "CAPSULE_030",
			"capsule %s hash does not recompute", c.Header.CapsuleID)
	}
	if c.Header.ContractID != c.Proofs.ContractID {
		return errs.Newf(errs.KindIntegrity, "CAPSULE_031",
			"capsule %s contract id disagrees between header and proofs", c.Header.CapsuleID)
	}
	devicePub, err := s.directory.DevicePublicKey(c.Header.DSNodeID)
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(devicePub, c.Proofs.DSSignature, []byte(c.Proofs.CapsuleHash))
	if err != nil || !ok {
		return errs.Newf(errs.KindIntegrity, "CAPSULE_032",
			"capsule %s device signature is invalid", c.Header.CapsuleID)
	}
	if c.Expired(s.clock().UTC()) {
		return errs.Newf(errs.KindInvalidState, "CAPSULE_033",
			"capsule %s TTL has lapsed", c.Header.CapsuleID)
	}
	return nil
}

// Accept ingests a device-presented capsule: the grant is verified and
// cross-checked against the header, the capsule is verified, its nonce
// must have been registered at mint, and the stored capsule transitions
// CREATED to DELIVERED. A second presentation is rejected.
func (s *Service) Accept(ctx context.Context, c *Capsule, grant string) (*Capsule, error) {
	binding, err := s.gate.VerifyGrant(ctx, grant)
	if err != nil {
		return nil, err
	}
	if binding.PlanID != c.Header.PlanID {
		return nil, errs.New(errs.KindUnauthorized, "CAPSULE_034",
			"grant does not name this capsule's plan")
	}
	if binding.DeviceID != c.Header.DSNodeID {
		return nil, errs.New(errs.KindUnauthorized, "CAPSULE_035",
			"grant does not name this capsule's device")
	}
	if binding.ContractID != c.Header.ContractID {
		return nil, errs.New(errs.KindUnauthorized, "CAPSULE_036",
			"grant does not name this capsule's contract")
	}
	if err := s.Verify(c); err != nil {
		if errs.IsKind(err, errs.KindIntegrity) {
			s.raiseIncident(ctx, c.Header.CapsuleID, "capsule failed verification at acceptance")
		}
		return nil, err
	}
	seen, err := s.nonces.Seen(ctx, c.Nonce())
	if err != nil {
		return nil, err
	}
	if !seen {
		s.raiseIncident(ctx, c.Header.CapsuleID, "capsule nonce was never registered")
		return nil, errs.Newf(errs.KindIntegrity, "CAPSULE_037",
			"capsule %s nonce was never registered", c.Header.CapsuleID)
	}

	stored, err := s.store.Get(ctx, c.Header.CapsuleID)
	if err != nil {
		return nil, err
	}
	if stored.Proofs.CapsuleHash != c.Proofs.CapsuleHash {
		s.raiseIncident(ctx, c.Header.CapsuleID, "presented capsule diverges from minted capsule")
		return nil, errs.Newf(errs.KindIntegrity, "CAPSULE_039",
			"capsule %s does not match its minted record", c.Header.CapsuleID)
	}
	if stored.Status != StatusCreated {
		return nil, errs.Newf(errs.KindInvalidState, "CAPSULE_038",
			"capsule %s is %s, acceptance requires CREATED", c.Header.CapsuleID, stored.Status)
	}
	now := s.clock().UTC()
	stored.Status = StatusDelivered
	stored.DeliveredAt = now
	if err := s.store.Update(ctx, stored); err != nil {
		return nil, err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"capsuleId":  stored.Header.CapsuleID,
		"planId":     stored.Header.PlanID,
		"contractId": stored.Header.ContractID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Append(ctx, audit.EventCapsuleDelivered, c.Header.DSNodeID,
		audit.ActorDS, stored.Header.CapsuleID, audit.ResourceCapsule, detailsHash); err != nil {
		return nil, err
	}
	s.logger.Info("capsule delivered",
		"capsule_id", stored.Header.CapsuleID, "plan_id", stored.Header.PlanID)
	return stored, nil
}

// Decrypt opens a stored capsule with the key store's material. An expired
// capsule is shredded on contact and reported as destroyed.
func (s *Service) Decrypt(ctx context.Context, capsuleID string) ([]byte, error) {
	c, err := s.store.Get(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if !c.Terminal() && c.Expired(s.clock().UTC()) {
		if err := s.expire(ctx, c); err != nil {
			return nil, err
		}
	}
	key, err := s.keys.Get(c.KeyID)
	switch {
	case errors.Is(err, crypto.ErrKeyDestroyed):
		return nil, errs.Wrap(errs.KindInvalidState, "CAPSULE_040", err,
			"capsule key destroyed, payload is unrecoverable").WithReasons("KEY_DESTROYED")
	case errors.Is(err, crypto.ErrKeyNotFound):
		return nil, errs.Wrap(errs.KindNotFound, "CAPSULE_041", err, "capsule key missing")
	case err != nil:
		return nil, err
	}
	headerHash, err := canonical.CanonicalHash(c.Header)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.OpenAESGCM(key, c.Payload, []byte(headerHash))
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "CAPSULE_042", err, "capsule payload failed authentication")
	}
	return plaintext, nil
}

// Open decrypts a delivered capsule on the requester side: the wrapped key
// is recovered with the requester's RSA private key, so no key store is
// involved.
func Open(c *Capsule, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := crypto.UnwrapKey(priv, c.WrappedKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "CAPSULE_043", err, "capsule key unwrap failed")
	}
	headerHash, err := canonical.CanonicalHash(c.Header)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.OpenAESGCM(key, c.Payload, []byte(headerHash))
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "CAPSULE_044", err, "capsule payload failed authentication")
	}
	return plaintext, nil
}

// Shred crypto-shreds a capsule on request: the key material is destroyed
// and the capsule becomes SHREDDED. Shredding twice reports already=true
// without a second receipt.
func (s *Service) Shred(ctx context.Context, capsuleID, reason string) (*Capsule, bool, error) {
	c, err := s.store.Get(ctx, capsuleID)
	if err != nil {
		return nil, false, err
	}
	already, err := s.keys.Shred(c.KeyID)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyNotFound) {
			return nil, false, errs.Wrap(errs.KindNotFound, "CAPSULE_045", err,
				"capsule key was never registered here")
		}
		return nil, false, err
	}
	if already && c.Terminal() {
		return c, true, nil
	}
	now := s.clock().UTC()
	c.Status = StatusShredded
	c.ShreddedAt = now
	if err := s.store.Update(ctx, c); err != nil {
		return nil, false, err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"capsuleId": c.Header.CapsuleID,
		"keyId":     c.KeyID,
		"reason":    reason,
	})
	if err != nil {
		return nil, false, err
	}
	if _, err := s.ledger.Append(ctx, audit.EventCapsuleShredded, "capsule-service",
		audit.ActorSystem, c.Header.CapsuleID, audit.ResourceCapsule, detailsHash); err != nil {
		return nil, false, err
	}
	s.logger.Info("capsule shredded",
		"capsule_id", c.Header.CapsuleID, "key_id", c.KeyID, "reason", reason)
	return c, already, nil
}

// Sweep expires every capsule whose TTL has passed, shredding its key.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range due {
		if err := s.expire(ctx, c); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// DestroyedKeys exports the shredded-key registry for durable storage.
func (s *Service) DestroyedKeys() []crypto.DestroyedKey {
	return s.keys.DestroyedKeys()
}

func (s *Service) expire(ctx context.Context, c *Capsule) error {
	if _, err := s.keys.Shred(c.KeyID); err != nil && !errors.Is(err, crypto.ErrKeyNotFound) {
		return err
	}
	now := s.clock().UTC()
	c.Status = StatusExpired
	c.ShreddedAt = now
	if err := s.store.Update(ctx, c); err != nil {
		return err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"capsuleId": c.Header.CapsuleID,
		"keyId":     c.KeyID,
		"ttl":       c.Header.TTL.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, audit.EventCapsuleExpired, "capsule-service",
		audit.ActorSystem, c.Header.CapsuleID, audit.ResourceCapsule, detailsHash); err != nil {
		return err
	}
	s.logger.Info("capsule expired", "capsule_id", c.Header.CapsuleID, "key_id", c.KeyID)
	return nil
}

func (s *Service) raiseIncident(ctx context.Context, capsuleID, reason string) {
	if _, err := s.ledger.RaiseSecurityIncident(ctx, "capsule-service",
		audit.ActorSystem, capsuleID, audit.ResourceCapsule, reason); err != nil {
		s.logger.Error("security incident receipt failed", "capsule_id", capsuleID, "error", err)
	}
}
