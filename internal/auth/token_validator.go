package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix    = "Bearer "
	tokenQueryParam = "token"
)

var (
	ErrMissingSigningKey = errors.New("token validator: signing key required")
	ErrMissingIssuer     = errors.New("token validator: issuer required")
	ErrMissingToken      = errors.New("token validator: token required")
	ErrInvalidToken      = errors.New("token validator: invalid token")
	ErrExpiredToken      = errors.New("token validator: token expired")
	ErrMissingAccount    = errors.New("token validator: account required")
)

// AccountClaims is the JWT payload presented by devices. The subject is the account id.
type AccountClaims struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig describes how to validate account tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 account tokens issued by the identity service.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
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
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (AccountClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AccountClaims{}, ErrMissingToken
	}

	claims := &AccountClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccountClaims{}, ErrExpiredToken
		}
		return AccountClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AccountClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.AccountID) == "" {
		claims.AccountID = strings.TrimSpace(claims.Subject)
	}
	if claims.AccountID == "" {
		return AccountClaims{}, ErrMissingAccount
	}
	return *claims, nil
}

// ValidateRequest reads the token from the Authorization header, falling back to the token
// query parameter used by websocket clients that cannot set headers.
func (v *TokenValidator) ValidateRequest(r *http.Request) (AccountClaims, error) {
	if r == nil {
		return AccountClaims{}, ErrMissingToken
	}
	return v.ValidateToken(TokenFromRequest(r))
}

// TokenFromRequest extracts a bearer token from the request.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
