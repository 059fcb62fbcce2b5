package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/identity"
	"github.com/eumetnet/apikey-controlplane/internal/limits"
	"github.com/eumetnet/apikey-controlplane/internal/orchestrator"
	"github.com/eumetnet/apikey-controlplane/internal/tokenvalidator"
)

// testGateway is a single in-memory gateway instance implementing both
// orchestrator.GatewayClient and limits.GatewayClient.
type testGateway struct {
	mu         sync.Mutex
	gatewayURL string
	consumers  map[string]*controlplane.Consumer
	routes     []controlplane.Route
	groups     map[string]*controlplane.ConsumerGroup
	failUpsert bool
}

func newTestGateway(gatewayURL string) *testGateway {
	return &testGateway{gatewayURL: gatewayURL, consumers: map[string]*controlplane.Consumer{}, groups: map[string]*controlplane.ConsumerGroup{}}
}

func (g *testGateway) GetConsumer(_ context.Context, username string) (*controlplane.Consumer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumers[username], nil
}

func (g *testGateway) UpsertConsumer(_ context.Context, c controlplane.Consumer) (*controlplane.Consumer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failUpsert {
		return nil, &controlplane.GatewayError{Instance: "gw1", Op: "UpsertConsumer", Status: 503, Err: errTest}
	}
	cp := c
	g.consumers[c.Username] = &cp
	return &cp, nil
}

func (g *testGateway) DeleteConsumer(_ context.Context, c controlplane.Consumer) (*controlplane.Consumer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prior := g.consumers[c.Username]
	delete(g.consumers, c.Username)
	return prior, nil
}

func (g *testGateway) ListKeyAuthRoutes(context.Context) ([]controlplane.Route, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.routes, nil
}

func (g *testGateway) GetConsumerGroup(_ context.Context, id string) (*controlplane.ConsumerGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groups[id], nil
}

func (g *testGateway) GatewayURL() string { return g.gatewayURL }

type testSecret struct {
	mu      sync.Mutex
	records map[string]controlplane.KeyRecord
}

func newTestSecret() *testSecret { return &testSecret{records: map[string]controlplane.KeyRecord{}} }

func (s *testSecret) PutUser(_ context.Context, id string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return rec, nil
}

func (s *testSecret) GetUser(_ context.Context, id string) (*controlplane.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *testSecret) DeleteUser(_ context.Context, prior controlplane.KeyRecord) (controlplane.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[prior.ID]
	delete(s.records, prior.ID)
	return rec, nil
}

type testIdentity struct {
	mu         sync.Mutex
	users      map[string]identity.User
	groups     []identity.Group
	membership map[string]map[string]bool
}

func newTestIdentity() *testIdentity {
	return &testIdentity{users: map[string]identity.User{}, membership: map[string]map[string]bool{}}
}

func (i *testIdentity) GetUser(_ context.Context, id string) (*identity.User, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	u, ok := i.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (i *testIdentity) UpdateUser(_ context.Context, id string, u identity.User) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users[id] = u
	return nil
}

func (i *testIdentity) DeleteUser(_ context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.users, id)
	return nil
}

func (i *testIdentity) ListGroups(context.Context) ([]identity.Group, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.groups, nil
}

func (i *testIdentity) AddUserToGroup(_ context.Context, userID, groupID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.membership[userID] == nil {
		i.membership[userID] = map[string]bool{}
	}
	i.membership[userID][groupID] = true
	return nil
}

func (i *testIdentity) RemoveUserFromGroup(_ context.Context, userID, groupID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.membership[userID], groupID)
	return nil
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "injected failure" }

// testHarness bundles a built server.Handler with its backing fakes and a
// JWKS-backed token signer so HTTP-level tests can mint valid bearer tokens.
type testHarness struct {
	handler http.Handler
	gw      *testGateway
	secret  *testSecret
	idp     *testIdentity
	key     *rsa.PrivateKey
	kid     string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kid := "kid1"
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	doc := map[string]any{"keys": []map[string]any{{"kid": kid, "kty": "RSA", "n": n, "e": e}}}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(jwks.Close)

	validator, err := tokenvalidator.New(jwks.URL, nil)
	if err != nil {
		t.Fatalf("New validator: %v", err)
	}

	gw := newTestGateway("https://gw1")
	secret := newTestSecret()
	idp := newTestIdentity()

	keys := orchestrator.NewKeyLifecycle(
		[]orchestrator.GatewayInstance{{Name: "gw1", Client: gw}},
		[]orchestrator.SecretInstance{{Name: "vault1", Client: secret}},
		"/consumers/", "auth_key", "s",
	)
	admin := orchestrator.NewAdmin(keys, idp)
	projector := limits.NewProjector([]limits.Instance{{Name: "gw1", Client: gw}})

	handler := New(Deps{
		Keys:      keys,
		Admin:     admin,
		Limits:    projector,
		Validator: validator,
	})

	return &testHarness{handler: handler, gw: gw, secret: secret, idp: idp, key: key, kid: kid}
}

func (h *testHarness) token(t *testing.T, sub string, groups ...string) string {
	t.Helper()
	roles := make([]any, len(groups))
	for i, g := range groups {
		roles[i] = g
	}
	claims := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": sub,
		"realm_access":       map[string]any{"roles": roles},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = h.kid
	signed, err := tok.SignedString(h.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(h http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const testSub = "11111111-2222-3333-4444-555555555555"

// S1 — first issuance via the real HTTP surface.
func TestHTTPGetAPIKeyFirstIssuance(t *testing.T) {
	h := newTestHarness(t)
	tok := h.token(t, testSub, "USER")

	rr := doRequest(h.handler, http.MethodGet, "/apikey", tok, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp apiKeyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.APIKey == "" {
		t.Fatal("expected non-empty apiKey")
	}
	if _, ok := h.gw.consumers[controlplane.CompactUUID(testSub)]; !ok {
		t.Error("expected consumer created on gateway")
	}
}

func TestHTTPGetAPIKeyIdempotent(t *testing.T) {
	h := newTestHarness(t)
	tok := h.token(t, testSub, "USER")

	rr1 := doRequest(h.handler, http.MethodGet, "/apikey", tok, "")
	rr2 := doRequest(h.handler, http.MethodGet, "/apikey", tok, "")
	if rr1.Body.String() != rr2.Body.String() {
		t.Errorf("expected identical apiKey across calls, got %s vs %s", rr1.Body.String(), rr2.Body.String())
	}
}

// S2 — partial failure surfaces 503 and leaves no residue.
func TestHTTPGetAPIKeyGatewayFailureReturns503(t *testing.T) {
	h := newTestHarness(t)
	h.gw.failUpsert = true
	tok := h.token(t, testSub, "USER")

	rr := doRequest(h.handler, http.MethodGet, "/apikey", tok, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "APISIX service error") {
		t.Errorf("body = %s, want APISIX service error", rr.Body.String())
	}
	if len(h.secret.records) != 0 {
		t.Errorf("expected secret records rolled back, got %d", len(h.secret.records))
	}
}

func TestHTTPDeleteAPIKey(t *testing.T) {
	h := newTestHarness(t)
	tok := h.token(t, testSub, "USER")
	doRequest(h.handler, http.MethodGet, "/apikey", tok, "")

	rr := doRequest(h.handler, http.MethodDelete, "/apikey", tok, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(h.secret.records) != 0 {
		t.Errorf("expected secret record removed, got %d", len(h.secret.records))
	}
}

func TestHTTPMissingAuthReturns401(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(h.handler, http.MethodGet, "/apikey", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Not authenticated") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHTTPGetRoutesDedupAndProject(t *testing.T) {
	h := newTestHarness(t)
	route := controlplane.Route{
		URI: "/foo",
		Plugins: map[string]any{
			"key-auth":    map[string]any{},
			"limit-count": map[string]any{"count": float64(10), "time_window": float64(60)},
		},
	}
	h.gw.routes = []controlplane.Route{route, route}
	tok := h.token(t, testSub, "USER")

	rr := doRequest(h.handler, http.MethodGet, "/routes", tok, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp routesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Routes) != 1 || resp.Routes[0].URL != "https://gw1/foo" {
		t.Fatalf("got %+v", resp.Routes)
	}
	if want := "Quota: 10 req/1m (Route limit)"; resp.Routes[0].Limits != want {
		t.Errorf("limits = %q, want %q", resp.Routes[0].Limits, want)
	}
}

func TestHTTPHealthOK(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(h.handler, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestHTTPAdminRequiresAdminGroup(t *testing.T) {
	h := newTestHarness(t)
	tok := h.token(t, testSub, "USER")

	rr := doRequest(h.handler, http.MethodDelete, "/admin/users/"+testSub, tok, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

// S4 — group promotion carries into the gateway.
func TestHTTPAdminUpdateGroupPromotesGateway(t *testing.T) {
	h := newTestHarness(t)
	h.idp.users[testSub] = identity.User{ID: testSub, Username: testSub, Enabled: true}
	h.idp.groups = []identity.Group{{ID: "g-eumetnet", Name: controlplane.GroupEumetnetUser}}
	compact := controlplane.CompactUUID(testSub)
	h.gw.consumers[compact] = &controlplane.Consumer{Username: compact}

	adminTok := h.token(t, "admin-sub", controlplane.GroupAdmin)
	rr := doRequest(h.handler, http.MethodPut, "/admin/users/"+testSub+"/update-group", adminTok, `{"groupName":"EUMETNET_USER"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if h.gw.consumers[compact].GroupID != controlplane.GroupEumetnetUser {
		t.Errorf("expected group_id promoted, got %q", h.gw.consumers[compact].GroupID)
	}
}

func TestHTTPAdminUpdateGroupUnknownGroupReturns404WithName(t *testing.T) {
	h := newTestHarness(t)
	h.idp.users[testSub] = identity.User{ID: testSub, Username: testSub, Enabled: true}

	adminTok := h.token(t, "admin-sub", controlplane.GroupAdmin)
	rr := doRequest(h.handler, http.MethodPut, "/admin/users/"+testSub+"/update-group", adminTok, `{"groupName":"BOGUS"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Group 'BOGUS' not found") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHTTPAdminUpdateGroupUnknownUserReturns404WithUUID(t *testing.T) {
	h := newTestHarness(t)
	h.idp.groups = []identity.Group{{ID: "g-user", Name: controlplane.GroupUser}}
	adminTok := h.token(t, "admin-sub", controlplane.GroupAdmin)

	rr := doRequest(h.handler, http.MethodPut, "/admin/users/"+testSub+"/update-group", adminTok, `{"groupName":"USER"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), testSub) {
		t.Errorf("body = %s, want uuid %s", rr.Body.String(), testSub)
	}
}
