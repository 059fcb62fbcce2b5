package tokenvalidator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	doc := map[string]any{
		"keys": []map[string]any{
			{"kid": kid, "kty": "RSA", "n": n, "e": e, "alg": "RS256", "use": "sig"},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValidateTokenSuccess(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newTestServer(t, key, "kid1")
	defer srv.Close()

	v, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := jwt.MapClaims{
		"sub":                "11111111-2222-3333-4444-555555555555",
		"preferred_username": "jdoe",
		"realm_access":       map[string]any{"roles": []any{"USER", "offline_access"}},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	raw := signToken(t, key, "kid1", claims)

	tok, err := v.ValidateToken(context.Background(), "Bearer "+raw)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if tok.Sub != claims["sub"] || tok.PreferredUsername != "jdoe" {
		t.Errorf("unexpected token: %+v", tok)
	}
	if !tok.HasGroup("USER") {
		t.Errorf("expected USER group, got %v", tok.Groups)
	}
}

func TestValidateTokenCachesJWKS(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
		doc := map[string]any{"keys": []map[string]any{{"kid": "kid1", "kty": "RSA", "n": n, "e": e}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	v, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := jwt.MapClaims{
		"sub":                "u1",
		"preferred_username": "jdoe",
		"realm_access":       map[string]any{"roles": []any{"ADMIN"}},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	raw := signToken(t, key, "kid1", claims)

	for i := 0; i < 3; i++ {
		if _, err := v.ValidateToken(context.Background(), "Bearer "+raw); err != nil {
			t.Fatalf("ValidateToken call %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected JWKS fetched once, got %d calls", calls)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newTestServer(t, key, "kid1")
	defer srv.Close()

	v, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := jwt.MapClaims{
		"sub":                "u1",
		"preferred_username": "jdoe",
		"realm_access":       map[string]any{"roles": []any{"USER"}},
		"exp":                time.Now().Add(-time.Hour).Unix(),
	}
	raw := signToken(t, key, "kid1", claims)

	_, err = v.ValidateToken(context.Background(), "Bearer "+raw)
	if err != ErrTokenExpired {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateTokenMissingHeader(t *testing.T) {
	t.Parallel()
	v, err := New("http://unused.invalid", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = v.ValidateToken(context.Background(), "")
	if err != ErrNotAuthenticated {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestValidateTokenEmptyBearer(t *testing.T) {
	t.Parallel()
	v, err := New("http://unused.invalid", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = v.ValidateToken(context.Background(), "Bearer ")
	if err != ErrTokenNotProvided {
		t.Fatalf("empty bearer: err = %v, want ErrTokenNotProvided", err)
	}
	_, err = v.ValidateToken(context.Background(), "Bearer undefined")
	if err != ErrTokenNotProvided {
		t.Fatalf("err = %v, want ErrTokenNotProvided", err)
	}
}

func TestValidateTokenBadSignature(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	srv := newTestServer(t, key, "kid1")
	defer srv.Close()

	v, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := jwt.MapClaims{
		"sub":                "u1",
		"preferred_username": "jdoe",
		"realm_access":       map[string]any{"roles": []any{"USER"}},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	raw := signToken(t, otherKey, "kid1", claims)

	_, err = v.ValidateToken(context.Background(), "Bearer "+raw)
	if err != ErrTokenInvalid {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateTokenNoRecognizedGroup(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newTestServer(t, key, "kid1")
	defer srv.Close()

	v, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	claims := jwt.MapClaims{
		"sub":                "u1",
		"preferred_username": "jdoe",
		"realm_access":       map[string]any{"roles": []any{"offline_access"}},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	raw := signToken(t, key, "kid1", claims)

	_, err = v.ValidateToken(context.Background(), "Bearer "+raw)
	if err != ErrTokenInvalid {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

