package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	HospitalIDKey contextKey = "hospital_id"
)

const (
	RoleHospital = "hospital"
	RolePolice   = "police"
	RoleAdmin    = "admin"
)

// Development-only headers honoured by DevAuthMiddleware.
const (
	DevRoleHeader     = "X-Dev-Role"
	DevHospitalHeader = "X-Hospital-ID"
)

// Claims is the session token payload. HospitalID is set for hospital staff
// and is the only source of a caller's hospital identity.
type Claims struct {
	jwt.RegisteredClaims
	Roles      []string `json:"roles"`
	HospitalID string   `json:"hospital_id,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
}

// JWTMiddleware verifies HS256 bearer tokens. Requests without an
// Authorization header pass through anonymously so public endpoints keep
// working; RequireRole guards everything else.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return next(c)
			}

			claims, err := parseBearer(cfg, authHeader)
			if err != nil {
				return err
			}

			c.SetRequest(c.Request().WithContext(withClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

// DevAuthMiddleware accepts X-Dev-Role and X-Hospital-ID headers in place of
// a token. A bearer token, when present, is still verified.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if authHeader := req.Header.Get("Authorization"); authHeader != "" {
				claims, err := parseBearer(cfg, authHeader)
				if err != nil {
					return err
				}
				c.SetRequest(req.WithContext(withClaims(req.Context(), claims)))
				return next(c)
			}

			claims := &Claims{HospitalID: req.Header.Get(DevHospitalHeader)}
			claims.Subject = "dev-user"
			if role := req.Header.Get(DevRoleHeader); role != "" {
				claims.Roles = []string{role}
			} else if claims.HospitalID != "" {
				claims.Roles = []string{RoleHospital}
			}
			if len(claims.Roles) > 0 {
				c.SetRequest(req.WithContext(withClaims(req.Context(), claims)))
			}
			return next(c)
		}
	}
}

func parseBearer(cfg JWTConfig, authHeader string) (*Claims, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return claims, nil
}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
	if id, err := uuid.Parse(claims.HospitalID); err == nil {
		ctx = context.WithValue(ctx, HospitalIDKey, id)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// HospitalIDFromContext returns the hospital the caller acts for.
func HospitalIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(HospitalIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// WithHospital attaches a hospital session to ctx. Tests use it to stand in
// for a verified token.
func WithHospital(ctx context.Context, hospitalID uuid.UUID) context.Context {
	return withClaims(ctx, &Claims{Roles: []string{RoleHospital}, HospitalID: hospitalID.String()})
}
