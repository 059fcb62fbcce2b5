package server

import (
	"net/http"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
)

type apiKeyResponse struct {
	APIKey string `json:"apiKey"`
}

// handleGetAPIKey is the first-issuance-or-reuse entry point (spec
// §4.5.1-2, S1/S2, P2/P5/P6): it brings every backend instance into the
// desired state for the caller and returns the canonical auth_key.
func (s *server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	tok := controlplane.AccessTokenFromContext(r.Context())
	compact := controlplane.CompactUUID(tok.Sub)

	desiredGroupID := ""
	if tok.HasGroup(controlplane.GroupEumetnetUser) {
		desiredGroupID = controlplane.GroupEumetnetUser
	}

	state, err := s.deps.Keys.ReadCombined(r.Context(), compact)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}

	rec, err := s.deps.Keys.CreateCombined(r.Context(), compact, desiredGroupID, state)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, apiKeyResponse{APIKey: rec.AuthKey})
}

// handleDeleteAPIKey is the caller's self-service key deletion (never
// touches the identity-provider user, unlike admin delete).
func (s *server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	tok := controlplane.AccessTokenFromContext(r.Context())
	compact := controlplane.CompactUUID(tok.Sub)

	state, err := s.deps.Keys.ReadCombined(r.Context(), compact)
	if err != nil {
		writeBackendError(w, r, err)
		return
	}
	if state.HasAnySecretRecord() || state.HasAnyConsumer() {
		if err := s.deps.Keys.DeleteCombined(r.Context(), compact, state); err != nil {
			writeBackendError(w, r, err)
			return
		}
	}

	writeOK(w)
}
