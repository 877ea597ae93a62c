package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the cookie the hosted sign-in widget stores the session token in.
const SessionCookie = "__session"

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the verified caller of a request.
type Principal struct {
	UserID   string
	Operator bool
}

type Verifier interface {
	Verify(r *http.Request) (Principal, error)
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates RS256 session tokens and resolves operator rights
// from the token's role claim or a configured allow-list.
type JWTVerifier struct {
	parser    *jwt.Parser
	keyFunc   jwt.Keyfunc
	operators map[string]bool
}

func NewJWTVerifier(publicKeyPEM string, operatorIDs []string) (*JWTVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session public key: %w", err)
	}

	operators := make(map[string]bool, len(operatorIDs))
	for _, id := range operatorIDs {
		operators[id] = true
	}

	return &JWTVerifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		keyFunc:   func(*jwt.Token) (interface{}, error) { return key, nil },
		operators: operators,
	}, nil
}

func (v *JWTVerifier) Verify(r *http.Request) (Principal, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}

	var claims sessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.keyFunc); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return Principal{
		UserID:   claims.Subject,
		Operator: claims.Role == "operator" || claims.Role == "admin" || v.operators[claims.Subject],
	}, nil
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
