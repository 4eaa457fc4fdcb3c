package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// jwtUser carries the validated token's subject and raw claim set.
type jwtUser struct {
	sub    string
	claims jwt.MapClaims
}

func (u *jwtUser) UserID() string { return u.sub }

// Claim returns a named claim value, or ok=false if absent.
func (u *jwtUser) Claim(name string) (any, bool) {
	v, ok := u.claims[name]
	return v, ok
}

// JWTConfig controls validation policy for a jwtAuthenticator.
type JWTConfig struct {
	// Keyfunc resolves the signing key for a token, as required by
	// jwt.ParseWithClaims. Callers own key management; this package does not
	// perform OIDC discovery or JWKS refresh.
	Keyfunc jwt.Keyfunc
	// Issuer, if non-empty, must match the token's iss claim exactly.
	Issuer string
	// Audience, if non-empty, must appear in the token's aud claim.
	Audience string
	// ValidMethods restricts accepted signing algorithms; defaults to RS256
	// if empty.
	ValidMethods []string
}

type jwtAuthenticator struct {
	cfg JWTConfig
}

// NewJWT builds an Authenticator that validates RFC 7519 bearer tokens
// using the given config. The caller supplies the signing key resolution
// (cfg.Keyfunc); this keeps the dependency surface to golang-jwt/jwt/v5
// itself rather than a JWKS-fetching client.
func NewJWT(cfg JWTConfig) Authenticator {
	if len(cfg.ValidMethods) == 0 {
		cfg.ValidMethods = []string{"RS256"}
	}
	return &jwtAuthenticator{cfg: cfg}
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, token string) (UserInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(a.cfg.ValidMethods)}
	if a.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.Audience))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, a.cfg.Keyfunc, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrUnauthorized
	}

	return &jwtUser{sub: sub, claims: claims}, nil
}
