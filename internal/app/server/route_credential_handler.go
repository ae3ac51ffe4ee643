package server

import (
	"net/http"
	"slices"
	"strings"

	"proxyharvest/internal/api/dto"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/sources"
)

const maskedSecret = "********"

// maskCredentials hides every secret value but keeps the field names so
// clients can tell which keys are configured.
func maskCredentials(cred domain.ProxyCredential) domain.ProxyCredential {
	masked := make(map[string]string, len(cred.Credentials))
	for key := range cred.Credentials {
		masked[key] = maskedSecret
	}
	cred.Credentials = masked
	return cred
}

func validateCredentialRequest(req dto.CredentialRequest) (string, error) {
	service := strings.ToLower(strings.TrimSpace(req.ServiceName))
	if !slices.Contains(sources.APIServices(), service) {
		return "", badRequest("unknown service %q, expected one of %s", req.ServiceName, strings.Join(sources.APIServices(), ", "))
	}
	if len(req.Credentials) == 0 {
		return "", badRequest("credentials must not be empty")
	}
	return service, nil
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := database.ListCredentials(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]domain.ProxyCredential, len(creds))
	for i, cred := range creds {
		out[i] = maskCredentials(cred)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	cred, err := database.GetCredential(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maskCredentials(cred))
}

func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var req dto.CredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	service, err := validateCredentialRequest(req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	existing, err := database.ListCredentials(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	for _, cred := range existing {
		if cred.ServiceName == service {
			writeError(w, "credentials for "+service+" already exist", http.StatusConflict)
			return
		}
	}

	cred := domain.ProxyCredential{ServiceName: service, Credentials: req.Credentials, IsActive: true}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}
	if err := database.CreateCredential(r.Context(), &cred); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, maskCredentials(cred))
}

// updateCredential replaces the secrets when given and toggles is_active.
// The service name is immutable.
func (s *Server) updateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	var req dto.CredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}

	cred, err := database.GetCredential(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if req.ServiceName != "" && !strings.EqualFold(strings.TrimSpace(req.ServiceName), cred.ServiceName) {
		writeError(w, "service_name cannot be changed", http.StatusBadRequest)
		return
	}
	if len(req.Credentials) > 0 {
		cred.Credentials = req.Credentials
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}

	if err := database.UpdateCredential(r.Context(), &cred); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maskCredentials(cred))
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := database.DeleteCredential(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testCredentials checks secrets against the provider without storing them.
func (s *Server) testCredentials(w http.ResponseWriter, r *http.Request) {
	var req dto.CredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	service, err := validateCredentialRequest(req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	ok, message := sources.TestCredentials(r.Context(), service, req.Credentials, s.probe)
	writeJSON(w, http.StatusOK, dto.CredentialTestResult{ServiceName: service, Success: ok, Message: message})
}
