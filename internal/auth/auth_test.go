package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return testNow }), WithIssuer("salescoach")}
	v, err := NewVerifier("s3cret", append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := newTestVerifier(t, WithAudience("extension"))
	tok, err := v.Sign(Identity{UserID: "u1", Email: "rafa@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.Email != "rafa@example.com" {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	sign := func(c jwt.Claims, method jwt.SigningMethod, key any) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "salescoach",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))
	noExp := valid()
	noExp.ExpiresAt = nil
	wrongIss := valid()
	wrongIss.Issuer = "someone-else"
	noSub := valid()
	noSub.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{"expired", sign(expired, jwt.SigningMethodHS256, []byte("s3cret"))},
		{"no expiry", sign(noExp, jwt.SigningMethodHS256, []byte("s3cret"))},
		{"wrong issuer", sign(wrongIss, jwt.SigningMethodHS256, []byte("s3cret"))},
		{"no subject", sign(noSub, jwt.SigningMethodHS256, []byte("s3cret"))},
		{"wrong secret", sign(valid(), jwt.SigningMethodHS256, []byte("other"))},
		{"wrong method", sign(valid(), jwt.SigningMethodHS512, []byte("s3cret"))},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestVerifier_Leeway(t *testing.T) {
	v := newTestVerifier(t, WithLeeway(2*time.Minute))
	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "salescoach",
		ExpiresAt: jwt.NewNumericDate(testNow.Add(-time.Minute)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	if _, err := v.Verify(tok); err != nil {
		t.Errorf("Verify within leeway: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		url     string
		want    string
		wantErr error
	}{
		{name: "header", header: "Bearer abc", url: "/ws/seller", want: "abc"},
		{name: "header lowercase scheme", header: "bearer abc", url: "/ws/seller", want: "abc"},
		{name: "query", url: "/ws/seller?token=xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", url: "/ws/seller?token=xyz", want: "abc"},
		{name: "missing", url: "/ws/seller", wantErr: ErrMissingToken},
		{name: "empty bearer", header: "Bearer ", url: "/ws/seller", wantErr: ErrMissingToken},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", url: "/ws/seller", wantErr: ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("BearerToken = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	v := newTestVerifier(t)
	tok, _ := v.Sign(Identity{UserID: "u7"}, time.Minute)

	r := httptest.NewRequest("GET", "/ws/manager?token="+tok, nil)
	id, err := v.Authenticate(r)
	if err != nil || id.UserID != "u7" {
		t.Errorf("Authenticate = %+v, %v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws/manager", nil)
	if _, err := v.Authenticate(r); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
