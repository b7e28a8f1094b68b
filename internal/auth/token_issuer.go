package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL  = 30 * time.Minute
	defaultInviteTTL = 72 * time.Hour
	inviteAudience   = "callroom-invite"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingCallID        = errors.New("call id must be provided")

	ErrInvalidInvite = errors.New("invite token invalid")
	ErrExpiredInvite = errors.New("invite token expired")
)

// TokenIssuerConfig configures access and invite token signing.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	InviteTTL     time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs bearer credentials and secure access (invite) tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// InviteClaims is the payload of a secure access token. ID is the token id the
// call record must currently hold.
type InviteClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// Invite is a freshly signed secure access token.
type Invite struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	inviteTTL := cfg.InviteTTL
	if inviteTTL <= 0 {
		inviteTTL = defaultInviteTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			InviteTTL:     inviteTTL,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueAccessToken produces a bearer credential and its lifetime in seconds.
func (i *TokenIssuer) IssueAccessToken(_ context.Context, userID string, roles []string) (string, int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := AccessClaims{
		UserID:    userID,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// IssueInvite signs a new secure access token for callID.
func (i *TokenIssuer) IssueInvite(_ context.Context, callID string) (Invite, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return Invite{}, errMissingCallID
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return Invite{}, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.InviteTTL).UTC()
	claims := InviteClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Issuer:    i.config.Issuer,
			Audience:  []string{inviteAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return Invite{}, err
	}
	return Invite{Token: signed, TokenID: tokenID.String(), ExpiresAt: expiresAt}, nil
}

// ValidateInvite checks signature, audience and expiry of a secure access token.
func (i *TokenIssuer) ValidateInvite(tokenString string) (InviteClaims, error) {
	claims := &InviteClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(inviteAudience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return InviteClaims{}, ErrExpiredInvite
		}
		return InviteClaims{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	if claims.CallID == "" || claims.ID == "" {
		return InviteClaims{}, ErrInvalidInvite
	}
	return *claims, nil
}
