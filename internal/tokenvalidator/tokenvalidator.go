// Package tokenvalidator verifies bearer access tokens issued by the
// identity provider against its JWKS endpoint and decodes them into the
// orchestrator's AccessToken shape.
package tokenvalidator

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
)

// The four 401-class messages the HTTP surface renders verbatim
// (spec §6.1); never reach the orchestrator.
var (
	ErrNotAuthenticated = errors.New("Not authenticated")
	ErrTokenNotProvided = errors.New("Token has not been provided")
	ErrTokenExpired     = errors.New("Token signature has expired")
	ErrTokenInvalid     = errors.New("Token validation failed")
)

const jwksCacheTTL = 10 * time.Minute

// knownGroups bounds AccessToken.Groups to the three the orchestrator
// understands (spec §3 "groups ⊆ {USER, EUMETNET_USER, ADMIN}").
var knownGroups = map[string]bool{
	controlplane.GroupUser:         true,
	controlplane.GroupEumetnetUser: true,
	controlplane.GroupAdmin:        true,
}

// Validator verifies RS256-signed access tokens against a realm's JWKS
// endpoint, caching parsed keys by kid the way the teacher's API-key
// auth caches resolved keys by hash.
type Validator struct {
	jwksURL string
	http    *http.Client
	cache   *otter.Cache[string, *rsa.PublicKey]
	now     func() time.Time
}

// New builds a Validator against a Keycloak-style realm's JWKS endpoint
// ("<url>/realms/<realm>/protocol/openid-connect/certs").
func New(jwksURL string, httpClient *http.Client) (*Validator, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	cache, err := otter.New(&otter.Options[string, *rsa.PublicKey]{
		MaximumSize:      1000,
		ExpiryCalculator: otter.ExpiryWriting[string, *rsa.PublicKey](jwksCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &Validator{jwksURL: jwksURL, http: httpClient, cache: cache, now: time.Now}, nil
}

// ValidateToken extracts the bearer token from an Authorization header
// value, verifies its signature against the cached JWKS, and decodes it
// into an AccessToken. authorizationHeader is the raw header value
// (e.g. "Bearer eyJ...") or "" if absent.
func (v *Validator) ValidateToken(ctx context.Context, authorizationHeader string) (*controlplane.AccessToken, error) {
	if authorizationHeader == "" {
		return nil, ErrNotAuthenticated
	}
	raw := strings.TrimPrefix(authorizationHeader, "Bearer ")
	if raw == "" || raw == authorizationHeader || raw == "undefined" {
		return nil, ErrTokenNotProvided
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser().ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header has no kid")
		}
		return v.keyForKid(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	token, err := decodeClaims(claims)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return token, nil
}

func decodeClaims(claims jwt.MapClaims) (*controlplane.AccessToken, error) {
	sub, _ := claims["sub"].(string)
	username, _ := claims["preferred_username"].(string)
	if sub == "" || username == "" {
		return nil, fmt.Errorf("missing sub or preferred_username claim")
	}

	var groups []string
	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		if roles, ok := realmAccess["roles"].([]any); ok {
			for _, r := range roles {
				name, _ := r.(string)
				if knownGroups[name] {
					groups = append(groups, name)
				}
			}
		}
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no recognized group in realm_access.roles")
	}

	return &controlplane.AccessToken{Sub: sub, PreferredUsername: username, Groups: groups}, nil
}

// keyForKid returns the RSA public key for kid, fetching and parsing the
// JWKS document on cache miss.
func (v *Validator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := v.cache.GetIfPresent(kid); ok {
		return key, nil
	}

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		v.cache.Set(k.Kid, k.publicKey)
	}
	key, ok := v.cache.GetIfPresent(kid)
	if !ok {
		return nil, fmt.Errorf("no JWKS key for kid %q", kid)
	}
	return key, nil
}

type jwk struct {
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	N         string `json:"n"`
	E         string `json:"e"`
	publicKey *rsa.PublicKey
}

func (v *Validator) fetchJWKS(ctx context.Context) ([]jwk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	result := make([]jwk, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		k.publicKey = pub
		result = append(result, k)
	}
	return result, nil
}

func rsaPublicKey(nEncoded, eEncoded string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEncoded)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEncoded)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
