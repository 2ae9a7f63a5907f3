package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for login tokens that fail local verification.
var ErrInvalidToken = errors.New("invalid login token")

// TokenVerifier checks login JWTs locally, either against a shared HMAC
// secret or against a JWKS endpoint.
type TokenVerifier struct {
	keyfunc jwt.Keyfunc
	jwks    keyfunc.Keyfunc
	opts    []jwt.ParserOption
}

// NewHMACVerifier verifies HS256 tokens signed with secret.
func NewHMACVerifier(secret, issuer string) *TokenVerifier {
	key := []byte(secret)
	return &TokenVerifier{
		keyfunc: func(*jwt.Token) (any, error) { return key, nil },
		opts:    parserOptions(issuer, "HS256", "HS384", "HS512"),
	}
}

// NewJWKSVerifier verifies tokens against the keys published at jwksURL. The
// key set is refreshed in the background until ctx is cancelled.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string) (*TokenVerifier, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &TokenVerifier{
		jwks: jwks,
		opts: parserOptions(issuer, "RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"),
	}, nil
}

func parserOptions(issuer string, methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return opts
}

// Verify parses tokenStr and returns the identity in its claims.
func (v *TokenVerifier) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	kf := v.keyfunc
	if v.jwks != nil {
		kf = v.jwks.KeyfuncCtx(ctx)
	}
	token, err := jwt.Parse(tokenStr, kf, v.opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	return &Identity{Subject: sub, Name: name}, nil
}
