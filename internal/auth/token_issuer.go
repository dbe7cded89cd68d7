package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 10 * time.Minute

var (
	// ErrMissingSigningSecret indicates the issuer was built without key material.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingSubject indicates a token without a usable user identifier.
	ErrMissingSubject = errors.New("auth: subject claim must be provided")
	// ErrInvalidToken indicates the credential failed cryptographic verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired indicates the credential's expiry has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// CollabClaims is the JWT payload shared by the HTTP API and the sync
// transport, so one credential carries one identity across both channels.
type CollabClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the short-lived bearer tokens used for
// both document CRUD calls and sync connections.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// IssueToken produces a signed JWT and its lifetime in seconds for the
// given identity.
func (i *TokenIssuer) IssueToken(userID, displayName string) (string, int64, error) {
	if len(i.signingSecret) == 0 {
		return "", 0, ErrMissingSigningSecret
	}
	if strings.TrimSpace(userID) == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL)

	claims := CollabClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.tokenTTL.Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed and returns its claims.
// Expired tokens map to ErrTokenExpired so callers can surface a distinct reason.
func (i *TokenIssuer) ValidateToken(tokenString string) (CollabClaims, error) {
	if len(i.signingSecret) == 0 {
		return CollabClaims{}, ErrMissingSigningSecret
	}

	claims := &CollabClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return CollabClaims{}, ErrTokenExpired
		}
		return CollabClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return CollabClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return CollabClaims{}, ErrMissingSubject
	}
	return *claims, nil
}
