package app

import (
	"net/http"
	"strings"
	"time"

	"docflow/api/internal/ledger"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
)

func (s *HTTPServer) routePermissions(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) bool {
	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleGrant(w, r, caller)
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handlePermissionList(w, r, caller, false)
	case len(parts) == 3 && parts[2] == "check" && r.Method == http.MethodPost:
		s.handlePermissionCheck(w, r, caller)
	case len(parts) == 3 && parts[2] == "audit" && r.Method == http.MethodGet:
		s.handlePermissionList(w, r, caller, true)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleRevoke(w, r, caller, parts[2])
	default:
		return false
	}
	return true
}

type resourceBody struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

func (b resourceBody) resource() (rbac.Resource, error) {
	resourceType, err := rbac.ParseResourceType(b.ResourceType)
	if err != nil {
		return rbac.Resource{}, err
	}
	return rbac.Resource{Type: resourceType, ID: strings.TrimSpace(b.ResourceID)}, nil
}

func (s *HTTPServer) handleGrant(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body struct {
		resourceBody
		SubjectUserID string            `json:"subjectUserId"`
		Level         string            `json:"level"`
		ExpiresAt     *time.Time        `json:"expiresAt"`
		Conditions    *store.Conditions `json:"conditions"`
	}
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	resource, err := body.resource()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	permission, err := s.services.Ledger.Grant(r.Context(), ledger.GrantInput{
		GranterID:     caller.UserID,
		Context:       rbac.RequestContext(r.Context()),
		Resource:      resource,
		SubjectUserID: strings.TrimSpace(body.SubjectUserID),
		Level:         body.Level,
		ExpiresAt:     body.ExpiresAt,
		Conditions:    body.Conditions,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"permission": permission})
}

func (s *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request, caller Caller, permissionID string) {
	permission, err := s.services.Ledger.Revoke(r.Context(), caller.UserID, rbac.RequestContext(r.Context()), permissionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permission": permission})
}

func (s *HTTPServer) handlePermissionList(w http.ResponseWriter, r *http.Request, caller Caller, audit bool) {
	resource, err := resourceBody{
		ResourceType: r.URL.Query().Get("resourceType"),
		ResourceID:   r.URL.Query().Get("resourceId"),
	}.resource()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	rc := rbac.RequestContext(r.Context())
	if audit {
		entries, err := s.services.Ledger.Audit(r.Context(), caller.UserID, rc, resource)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}
	permissions, err := s.services.Ledger.List(r.Context(), caller.UserID, rc, resource)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": permissions})
}

// handlePermissionCheck answers for the caller, or for another user when the
// caller administers the resource. A context in the body replaces the
// request's own.
func (s *HTTPServer) handlePermissionCheck(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body struct {
		resourceBody
		UserID        string        `json:"userId"`
		RequiredLevel string        `json:"requiredLevel"`
		Context       *rbac.Context `json:"context"`
	}
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	resource, err := body.resource()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if resource.Type == rbac.ResourceSystem {
		resource = rbac.System()
	}
	required, err := rbac.ParseLevel(body.RequiredLevel)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	own := rbac.RequestContext(r.Context())
	subject := strings.TrimSpace(body.UserID)
	if subject == "" {
		subject = caller.UserID
	}
	if subject != caller.UserID && !s.services.Ledger.Can(r.Context(), caller.UserID, resource, rbac.ActionShare, own) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin access required to check other users", nil)
		return
	}
	rc := own
	if body.Context != nil {
		rc = *body.Context
	}
	writeJSON(w, http.StatusOK, s.services.Ledger.Decide(r.Context(), subject, resource, required, rc))
}
