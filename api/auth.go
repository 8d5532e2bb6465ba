package api

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Auth validates incoming JWT bearer tokens. The kernel never stores
// credentials; it only extracts the caller's identity. In test mode tokens
// are verified against a shared HS256 secret instead of the JWKS.
type Auth struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuer     string
	testSecret []byte

	parser *jwt.Parser
}

// NewAuth creates an Auth backed by the given JWKS.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		jwks:     jwks,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}
}

// NewTestAuth creates an Auth that accepts HS256 tokens signed with secret.
func NewTestAuth(secret []byte) *Auth {
	if len(secret) == 0 {
		panic("api.NewTestAuth: secret is empty")
	}
	return &Auth{
		testSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// UserIDFromAuthHeader extracts the user identifier from an Authorization
// header value.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return a.userIDFromToken(token)
}

func (a *Auth) userIDFromToken(tokenStr string) (string, error) {
	parsed, err := a.parser.Parse(tokenStr, a.keyFor)
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// One minute of slack against clock skew between issuer and kernel.
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(t *jwt.Token) (any, error) {
	if a.testSecret != nil {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.testSecret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}
	return a.jwks.Keyfunc(t)
}
