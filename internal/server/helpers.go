package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
)

type messageResponse struct {
	Message string `json:"message"`
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "OK"})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// writeBackendError maps a backend error (GatewayError/SecretError/
// IdentityError) to the fixed 503 message spec §6.1/§7 requires. Callers
// that can produce ErrUserNotFound/ErrGroupNotFound check those first so
// the 404 body can name the uuid/group (spec §6.1's 404 contract).
func writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *controlplane.GatewayError
	var secretErr *controlplane.SecretError
	var idErr *controlplane.IdentityError

	switch {
	case errors.As(err, &gwErr):
		slog.LogAttrs(r.Context(), slog.LevelError, "gateway error", slog.String("error", err.Error()))
		writeMessage(w, http.StatusServiceUnavailable, "APISIX service error")
	case errors.As(err, &secretErr):
		slog.LogAttrs(r.Context(), slog.LevelError, "secret store error", slog.String("error", err.Error()))
		writeMessage(w, http.StatusServiceUnavailable, "Vault service error")
	case errors.As(err, &idErr):
		slog.LogAttrs(r.Context(), slog.LevelError, "identity provider error", slog.String("error", err.Error()))
		writeMessage(w, http.StatusServiceUnavailable, "Keycloak service error")
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "unclassified orchestrator error", slog.String("error", err.Error()))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}
