package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, userHandler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/eumetnet/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "service-token",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("/admin/realms/eumetnet/users/", userHandler)
	mux.HandleFunc("/admin/realms/eumetnet/groups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Group{{ID: "g1", Name: "EUMETNET_USER"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(t.Context(), srv.URL, "eumetnet", "devportal", "secret")
	return srv, c
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	got, err := c.GetUser(t.Context(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil", got)
	}
}

func TestGetUserFoundSendsBearerToken(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer service-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(User{ID: "u1", Username: "alice", Enabled: true})
	})
	got, err := c.GetUser(t.Context(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "u1" {
		t.Fatalf("got = %+v", got)
	}
}

func TestListGroups(t *testing.T) {
	t.Parallel()
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	groups, err := c.ListGroups(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "EUMETNET_USER" {
		t.Fatalf("groups = %+v", groups)
	}
}
