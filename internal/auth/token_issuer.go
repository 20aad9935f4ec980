package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingIssuer        = errors.New("auth: issuer must be provided")
	ErrMissingAudience      = errors.New("auth: audience must be provided")
	ErrInvalidTokenTTL      = errors.New("auth: token ttl must be positive")
	ErrMissingSubjectClaim  = errors.New("auth: subject claim must be provided")
	ErrAccountNotAllowed    = errors.New("auth: token does not cover account")
)

// PipelineClaims is the payload of a token handed to a receive or send pipeline. An empty
// Accounts list grants every account served by this process.
type PipelineClaims struct {
	Accounts []string `json:"accounts,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims cover account.
func (c PipelineClaims) Allows(account string) bool {
	if len(c.Accounts) == 0 {
		return true
	}
	for _, allowed := range c.Accounts {
		if strings.EqualFold(allowed, account) {
			return true
		}
	}
	return false
}

// Authorize returns ErrAccountNotAllowed when the claims do not cover account.
func (c PipelineClaims) Authorize(account string) error {
	if c.Allows(account) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAccountNotAllowed, account)
}

// TokenIssuerConfig configures the pipeline JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 pipeline tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssuePipelineToken produces a signed JWT and its expiry (seconds) for subject, scoped to
// accounts.
func (i *TokenIssuer) IssuePipelineToken(_ context.Context, subject string, accounts []string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, ErrMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := PipelineClaims{
		Accounts: normalizeAccounts(accounts),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
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

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the pipeline JWT is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (PipelineClaims, error) {
	claims := &PipelineClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return PipelineClaims{}, err
	}
	if claims.Subject == "" {
		return PipelineClaims{}, ErrMissingSubjectClaim
	}
	return *claims, nil
}

func normalizeAccounts(accounts []string) []string {
	normalized := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if trimmed := strings.ToLower(strings.TrimSpace(account)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
