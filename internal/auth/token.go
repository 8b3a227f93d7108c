package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingRoleClaim     = errors.New("role claim must be provided")
)

// Claims are the backend token contents the service cares about.
type Claims struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures the backend JWT issuer and validator.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager issues and validates the HS256 tokens used by both the admin
// HTTP surface and the realtime channel.
type TokenManager struct {
	config TokenManagerConfig
	clock  func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &TokenManager{config: cfg, clock: clock}
}

// IssueToken produces a signed JWT and its expiry (seconds) for the subject.
func (m *TokenManager) IssueToken(claims Claims) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.Subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	if claims.Role == "" {
		return "", 0, errMissingRoleClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    m.config.Issuer,
			Audience:  []string{m.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns its claims.
func (m *TokenManager) ValidateToken(tokenString string) (Claims, error) {
	if len(m.config.SigningSecret) == 0 {
		return Claims{}, errMissingSigningSecret
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return Claims{}, err
	}
	if claims.Subject == "" {
		return Claims{}, errMissingSubjectClaim
	}
	if claims.Role == "" {
		return Claims{}, errMissingRoleClaim
	}
	return Claims{Subject: claims.Subject, Role: claims.Role}, nil
}
