package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const accessTokenQueryParam = "access_token"

var (
	ErrMissingSigningKey     = errors.New("credential validator: signing key required")
	ErrMissingIssuer         = errors.New("credential validator: issuer required")
	ErrMissingCredential     = errors.New("credential validator: token required")
	ErrInvalidCredential     = errors.New("credential validator: invalid token")
	ErrExpiredCredential     = errors.New("credential validator: token expired")
	ErrMissingCredentialUser = errors.New("credential validator: subject required")
)

// AccessClaims is the payload of a bearer credential issued by the auth service.
type AccessClaims struct {
	UserID    string   `json:"user_id"`
	UserRoles []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of a request or channel.
type Principal struct {
	UserID string
	Roles  []string
}

// HasAnyRole reports whether the principal carries one of roles.
func (p Principal) HasAnyRole(roles []string) bool {
	for _, granted := range p.Roles {
		for _, wanted := range roles {
			if strings.EqualFold(granted, wanted) {
				return true
			}
		}
	}
	return false
}

// CredentialValidatorConfig describes how to validate bearer credentials.
type CredentialValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// CredentialValidator validates HS256 bearer JWTs once, at channel open or per REST request.
type CredentialValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

func NewCredentialValidator(cfg CredentialValidatorConfig) (*CredentialValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the caller.
func (v *CredentialValidator) ValidateToken(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, ErrMissingCredential
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCredential, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredCredential
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, ErrInvalidCredential
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Principal{}, ErrMissingCredentialUser
	}
	return Principal{UserID: userID, Roles: claims.UserRoles}, nil
}

// ValidateRequest reads the bearer token from the Authorization header, or from
// the access_token query parameter for browser websocket upgrades.
func (v *CredentialValidator) ValidateRequest(r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingCredential
	}
	return v.ValidateToken(BearerToken(r))
}

// BearerToken extracts the raw credential from a request, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
