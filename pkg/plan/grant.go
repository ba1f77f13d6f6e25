package plan

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/datapact/core/pkg/errs"
)

const grantIssuer = "datapact.plan"

// GrantClaims bind a dispatch grant to one plan, one device and the
// contract scope the device must honor.
type GrantClaims struct {
	jwt.RegisteredClaims
	PlanID     string `json:"planId"`
	DeviceID   string `json:"deviceId"`
	ContractID string `json:"contractId"`
	ScopeHash  string `json:"scopeHash"`
}

// GrantIssuer mints and verifies the short-lived HMAC grants devices
// present with their capsules. Grant expiry equals the plan TTL.
type GrantIssuer struct {
	secret []byte
	clock  func() time.Time
}

// NewGrantIssuer builds an issuer from the configured base64 key. An
// empty key generates ephemeral per-process material; config.Validate
// refuses that in strict mode.
func NewGrantIssuer(base64Key string) (*GrantIssuer, bool, error) {
	ephemeral := false
	var secret []byte
	if base64Key == "" {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, false, fmt.Errorf("ephemeral grant key generation failed: %w", err)
		}
		ephemeral = true
	} else {
		decoded, err := base64.StdEncoding.DecodeString(base64Key)
		if err != nil {
			return nil, false, errs.Wrap(errs.KindValidation, "PLAN_010", err,
				"dispatch grant key is not valid base64")
		}
		if len(decoded) < 16 {
			return nil, false, errs.Newf(errs.KindValidation, "PLAN_011",
				"dispatch grant key is %d bytes, minimum is 16", len(decoded))
		}
		secret = decoded
	}
	return &GrantIssuer{secret: secret, clock: time.Now}, ephemeral, nil
}

// WithClock overrides the time source for issuing and verification.
func (g *GrantIssuer) WithClock(clock func() time.Time) *GrantIssuer {
	g.clock = clock
	return g
}

// Issue mints a grant for one device on one plan.
func (g *GrantIssuer) Issue(planID, deviceID, contractID, scopeHash string, expiresAt time.Time) (string, error) {
	now := g.clock().UTC()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   deviceID,
			Issuer:    grantIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt.UTC()),
		},
		PlanID:     planID,
		DeviceID:   deviceID,
		ContractID: contractID,
		ScopeHash:  scopeHash,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("grant signing failed: %w", err)
	}
	return token, nil
}

// Verify parses the grant and checks signature, expiry and issuer. The
// returned claims identify the plan and device the grant was minted for.
func (g *GrantIssuer) Verify(token string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.clock), jwt.WithIssuer(grantIssuer))
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "PLAN_012", err, "dispatch grant rejected")
	}
	if !parsed.Valid {
		return nil, errs.New(errs.KindUnauthorized, "PLAN_012", "dispatch grant rejected")
	}
	// NumericDate decodes into the host zone; grants are minted in UTC.
	if claims.IssuedAt != nil {
		claims.IssuedAt = jwt.NewNumericDate(claims.IssuedAt.Time.UTC())
	}
	if claims.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(claims.ExpiresAt.Time.UTC())
	}
	return claims, nil
}
