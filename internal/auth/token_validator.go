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
	// AccessTokenQueryParameter carries the token on websocket upgrades,
	// where browsers cannot set headers.
	AccessTokenQueryParameter = "access_token"
	bearerPrefix              = "Bearer "
)

var (
	ErrMissingValidatorSecret = errors.New("token validator: signing key required")
	ErrMissingValidatorIssuer = errors.New("token validator: issuer required")
	ErrMissingToken           = errors.New("token validator: token required")
	ErrInvalidToken           = errors.New("token validator: invalid token")
	ErrExpiredToken           = errors.New("token validator: token expired")
	ErrMissingTokenSubject    = errors.New("token validator: subject required")
)

// TokenValidatorConfig describes how to validate issued tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	// CookieName is optional; when set, ValidateRequest also reads this cookie.
	CookieName string
	Clock      func() time.Time
}

// TokenValidator validates HS256 JWTs minted by TokenIssuer.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	cookieName    string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingValidatorSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingValidatorIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingTokenSubject
	}
	return *claims, nil
}

// ValidateRequest looks for a token in the Authorization header, then the
// access_token query parameter, then the configured cookie.
func (v *TokenValidator) ValidateRequest(r *http.Request) (Claims, error) {
	token := RequestToken(r, v.cookieName)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	return v.ValidateToken(token)
}

// RequestToken extracts a raw token from r, or returns "" when none is present.
func RequestToken(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(header[len(bearerPrefix):])
		}
	}
	if query := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter)); query != "" {
		return query
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}
