// Package auth resolves the bearer token of a WebSocket upgrade request to a
// user identity.
//
// Tokens are HS256 JWTs whose subject is the user id. Browsers cannot set
// headers on WebSocket upgrades, so the token may also be passed as the
// "token" query parameter.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("auth: missing bearer token")

	// ErrUnauthorized is returned for tokens that fail verification.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator resolves a request to an Identity.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims is the JWT payload accepted by [Verifier].
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience requires aud to contain aud.
func WithAudience(aud string) Option {
	return func(v *Verifier) { v.audience = aud }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier. secret must not be empty.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: secret must not be empty")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Authenticate implements [Authenticator].
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	token, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(token)
}

// Verify checks token and returns the identity in its claims.
func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Sign issues a token for id that expires after ttl. It is used by tooling and
// tests; production tokens come from the identity provider.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: id.Email,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from the Authorization header or, failing
// that, the "token" query parameter.
func BearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

var _ Authenticator = (*Verifier)(nil)
