package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssueToken signs a session token for an operator, police console or
// hospital. hospitalID is required for the hospital role.
func IssueToken(cfg JWTConfig, subject string, roles []string, hospitalID uuid.UUID, ttl time.Duration) (string, error) {
	if len(cfg.SigningKey) == 0 {
		return "", fmt.Errorf("signing key is required")
	}
	if len(roles) == 0 {
		return "", fmt.Errorf("at least one role is required")
	}
	claims := Claims{Roles: roles}
	for _, r := range roles {
		if r == RoleHospital && hospitalID == uuid.Nil {
			return "", fmt.Errorf("hospital role requires a hospital id")
		}
	}
	if hospitalID != uuid.Nil {
		claims.HospitalID = hospitalID.String()
	}

	now := time.Now()
	claims.Subject = subject
	claims.Issuer = cfg.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	claims.ID = uuid.NewString()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}
