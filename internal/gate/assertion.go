package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
)

// AssertionClaims is the identity the upstream gateway forwards after it has
// authenticated the caller.
type AssertionClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 gateway assertions.
type Verifier struct {
	key    []byte
	issuer string
	leeway time.Duration
}

func NewVerifier(key []byte, issuer string) *Verifier {
	return &Verifier{key: key, issuer: issuer, leeway: 30 * time.Second}
}

// Verify returns the principal named by a valid assertion. Every failure is
// reported as unauthorized.
func (v *Verifier) Verify(token string) (*Principal, error) {
	if len(v.key) == 0 {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "gateway assertions are not configured")
	}
	claims := &AssertionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
		}
		return v.key, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "gateway assertion expired")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid gateway assertion")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid gateway assertion")
	}
	return claims.principal()
}

func (c *AssertionClaims) principal() (*Principal, error) {
	if c.TenantID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "assertion carries no tenant")
	}
	tenantID, err := id.ParseTenantID(c.TenantID)
	if err != nil || tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "assertion tenant is malformed")
	}
	role := models.Role(c.Role)
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "assertion role is unknown")
	}
	if c.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "assertion carries no subject")
	}
	return &Principal{TenantID: tenantID, Subject: c.Subject, Role: role}, nil
}

// Issuer signs assertions. Production assertions come from the gateway; this
// is used by local tooling and tests.
type Issuer struct {
	key    []byte
	issuer string
}

func NewIssuer(key []byte, issuer string) *Issuer {
	return &Issuer{key: key, issuer: issuer}
}

func (i *Issuer) Issue(p Principal, ttl time.Duration, now time.Time) (string, error) {
	claims := AssertionClaims{
		TenantID: p.TenantID.String(),
		Role:     string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}
