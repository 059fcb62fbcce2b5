package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
)

type groupRequest struct {
	GroupName string `json:"groupName"`
}

// writeAdminError dispatches an admin-orchestrator error to its HTTP
// status, interpolating uuid/groupName into the 404 bodies spec §6.1
// requires ("User ... not found" / "Group '...' not found").
func writeAdminError(w http.ResponseWriter, r *http.Request, err error, uuid, groupName string) {
	switch {
	case errors.Is(err, controlplane.ErrUserNotFound):
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("User %s not found", uuid))
	case errors.Is(err, controlplane.ErrGroupNotFound):
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("Group '%s' not found", groupName))
	default:
		writeBackendError(w, r, err)
	}
}

func (s *server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.deps.Admin.Delete(r.Context(), uuid); err != nil {
		writeAdminError(w, r, err, uuid, "")
		return
	}
	writeOK(w)
}

func (s *server) handleAdminDisable(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.deps.Admin.Disable(r.Context(), uuid); err != nil {
		writeAdminError(w, r, err, uuid, "")
		return
	}
	writeOK(w)
}

func (s *server) handleAdminEnable(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.deps.Admin.Enable(r.Context(), uuid); err != nil {
		writeAdminError(w, r, err, uuid, "")
		return
	}
	writeOK(w)
}

func (s *server) handleAdminUpdateGroup(w http.ResponseWriter, r *http.Request) {
	s.handleAdminModifyGroup(w, r, true)
}

func (s *server) handleAdminRemoveGroup(w http.ResponseWriter, r *http.Request) {
	s.handleAdminModifyGroup(w, r, false)
}

func (s *server) handleAdminModifyGroup(w http.ResponseWriter, r *http.Request, add bool) {
	uuid := chi.URLParam(r, "uuid")
	var body groupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Admin.ModifyGroup(r.Context(), uuid, body.GroupName, add); err != nil {
		writeAdminError(w, r, err, uuid, body.GroupName)
		return
	}
	writeOK(w)
}
