package auth

import (
	"errors"
	"fmt"
	"time"

	"callflow-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoSecret        = errors.New("auth: JWT_SECRET is required")
	ErrTokenType       = errors.New("auth: token_type mismatch")
	ErrMissingClaim    = errors.New("auth: required claim missing")
	ErrInvalidIdentity = errors.New("auth: user_id, workspace_id and role are required")
)

// clockSkew is tolerated on exp/iat checks.
const clockSkew = 30 * time.Second

// Manager verifies the bearer tokens presented to the authoring API. Issuing
// is used by flowctl to mint tokens for local environments.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration

	Now func() time.Time
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		Now:        time.Now,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssuePair signs an access token carrying id and a role-less refresh token.
func (m *Manager) IssuePair(now time.Time, id Identity) (TokenPair, error) {
	if id.UserID == "" || id.WorkspaceID == "" || id.Role == "" {
		return TokenPair{}, ErrInvalidIdentity
	}
	access, err := m.sign(now, TokenTypeAccess, id, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	id.Role = ""
	refresh, err := m.sign(now, TokenTypeRefresh, id, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify parses tokenString, checks signature, time claims, issuer and
// audience at now, then the custom claims for the expected token type.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	switch {
	case claims.UserID == "":
		return Claims{}, fmt.Errorf("%w: user_id", ErrMissingClaim)
	case claims.WorkspaceID == "":
		return Claims{}, fmt.Errorf("%w: workspace_id", ErrMissingClaim)
	case expected == TokenTypeAccess && claims.Role == "":
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, tokenType TokenType, id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:      id.UserID,
		WorkspaceID: id.WorkspaceID,
		Role:        id.Role,
		TokenType:   tokenType,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
