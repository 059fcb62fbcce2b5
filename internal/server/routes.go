package server

import (
	"net/http"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
)

type routesResponse struct {
	Routes []routeEntry `json:"routes"`
}

type routeEntry struct {
	URL    string `json:"url"`
	Limits string `json:"limits"`
}

// handleGetRoutes projects every key-auth route across the gateway fleet
// with the caller's effective rate limits (spec §4.7, S3, P7/P8).
func (s *server) handleGetRoutes(w http.ResponseWriter, r *http.Request) {
	tok := controlplane.AccessTokenFromContext(r.Context())
	compact := controlplane.CompactUUID(tok.Sub)

	state, err := s.deps.Keys.ReadCombined(r.Context(), compact)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}

	consumers := map[string]*controlplane.Consumer{}
	for i, name := range s.deps.Keys.GatewayNames() {
		consumers[name] = state.Consumers[i]
	}

	projected, err := s.deps.Limits.ProjectAll(r.Context(), consumers)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}

	routes := make([]routeEntry, len(projected))
	for i, p := range projected {
		routes[i] = routeEntry{URL: p.URL, Limits: p.Limits}
	}
	writeJSON(w, http.StatusOK, routesResponse{Routes: routes})
}
