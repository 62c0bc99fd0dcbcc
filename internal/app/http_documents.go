package app

import (
	"context"
	"net/http"
	"strings"

	"docflow/api/internal/apperr"
	"docflow/api/internal/documents"
	"docflow/api/internal/rbac"
	"docflow/api/internal/versions"
)

func (s *HTTPServer) routeFolders(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) bool {
	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		var body documents.CreateFolderInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		body.CreatorID = caller.UserID
		folder, err := s.services.Documents.CreateFolder(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"folder": folder})
	case len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.services.Documents.DeleteFolder(r.Context(), parts[2], caller.UserID); err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 4 && parts[3] == "documents" && r.Method == http.MethodGet:
		docs, err := s.services.Documents.List(r.Context(), parts[2], caller.UserID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	default:
		return false
	}
	return true
}

func (s *HTTPServer) routeDocuments(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) bool {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.services.Documents.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("folderId")), caller.UserID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
			return true
		case http.MethodPost:
			s.handleDocumentCreate(w, r, caller)
			return true
		}
		return false
	}

	documentID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.services.Documents.Get(r.Context(), documentID, caller.UserID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": doc})
			return true
		case http.MethodDelete:
			if err := s.services.Documents.DeleteDocument(r.Context(), documentID, caller.UserID); err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
		return false
	}

	switch parts[3] {
	case "versions":
		return s.routeVersions(w, r, caller, documentID, parts)
	case "diff":
		if len(parts) == 4 && r.Method == http.MethodGet {
			s.handleDiff(w, r, caller, documentID)
			return true
		}
	case "branches":
		if len(parts) == 4 {
			return s.handleBranches(w, r, caller, documentID)
		}
	case "history":
		if len(parts) == 4 && r.Method == http.MethodGet {
			if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
				return true
			}
			report, err := s.services.Versions.VerifyHistory(r.Context(), documentID, r.URL.Query().Get("branch"))
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"history": report})
			return true
		}
	case "comments":
		if len(parts) == 4 {
			return s.handleDocumentComments(w, r, caller, documentID)
		}
	case "workflows":
		if len(parts) == 4 {
			return s.handleDocumentWorkflows(w, r, caller, documentID)
		}
	case "presence":
		if len(parts) == 4 && r.Method == http.MethodGet {
			if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"participants": s.services.Presence.ListCluster(r.Context(), documentID)})
			return true
		}
	case "flush":
		if len(parts) == 4 && r.Method == http.MethodPost {
			if !s.can(r.Context(), caller, documentID, rbac.ActionWrite) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "edit access required", nil)
				return true
			}
			version, err := s.services.Collab.Flush(r.Context(), documentID)
			if err != nil {
				writeMappedError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"version": version})
			return true
		}
	case "session":
		if len(parts) == 4 && r.Method == http.MethodGet {
			s.handleSession(w, r, caller, documentID)
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleDocumentCreate(w http.ResponseWriter, r *http.Request, caller Caller) {
	var body documents.CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	body.CreatorID = caller.UserID
	doc, version, err := s.services.Documents.CreateDocument(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc, "version": version})
}

func (s *HTTPServer) routeVersions(w http.ResponseWriter, r *http.Request, caller Caller, documentID string, parts []string) bool {
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
			return true
		}
		before, err := queryInt(r, "before", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return true
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return true
		}
		items, err := s.services.Versions.ListVersions(r.Context(), versions.ListInput{
			DocumentID: documentID,
			Branch:     r.URL.Query().Get("branch"),
			Before:     before,
			Limit:      limit,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})

	case len(parts) == 4 && r.Method == http.MethodPost:
		if !s.can(r.Context(), caller, documentID, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "edit access required", nil)
			return true
		}
		var body struct {
			Branch        string   `json:"branch"`
			ParentVersion int      `json:"parentVersion"`
			Content       string   `json:"content"`
			Description   string   `json:"description"`
			Tags          []string `json:"tags"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		version, err := s.services.Versions.Commit(r.Context(), versions.CommitInput{
			DocumentID:    documentID,
			Branch:        body.Branch,
			ParentVersion: body.ParentVersion,
			Author:        caller.UserID,
			Content:       []byte(body.Content),
			Description:   body.Description,
			Tags:          body.Tags,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		s.services.Collab.HeadMoved(r.Context(), version)
		writeJSON(w, http.StatusCreated, map[string]any{"version": version})

	case len(parts) == 5 && r.Method == http.MethodGet:
		if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
			return true
		}
		version, err := s.services.Versions.Get(r.Context(), parts[4])
		if err == nil && version.DocumentID != documentID {
			err = apperr.New(apperr.ErrNotFound, "version not found")
		}
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		content, err := s.services.Versions.Content(r.Context(), version.ID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version, "content": string(content)})

	case len(parts) == 6 && parts[5] == "tags" && r.Method == http.MethodPost:
		if !s.can(r.Context(), caller, documentID, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "edit access required", nil)
			return true
		}
		var body struct {
			Tags []string `json:"tags"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		existing, err := s.services.Versions.Get(r.Context(), parts[4])
		if err == nil && existing.DocumentID != documentID {
			err = apperr.New(apperr.ErrNotFound, "version not found")
		}
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		version, err := s.services.Versions.Tag(r.Context(), existing.ID, body.Tags)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version})

	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request, caller Caller, documentID string) {
	if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
		return
	}
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" || to == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to version ids are required", nil)
		return
	}
	changes, err := s.services.Versions.Diff(r.Context(), documentID, from, to)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "changes": changes})
}

func (s *HTTPServer) handleBranches(w http.ResponseWriter, r *http.Request, caller Caller, documentID string) bool {
	switch r.Method {
	case http.MethodGet:
		if !s.can(r.Context(), caller, documentID, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "view access required", nil)
			return true
		}
		branches, err := s.services.Versions.Branches(r.Context(), documentID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
	case http.MethodPost:
		if !s.can(r.Context(), caller, documentID, rbac.ActionWrite) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "edit access required", nil)
			return true
		}
		var body struct {
			Name          string `json:"name"`
			FromVersionID string `json:"fromVersionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		branch, err := s.services.Versions.CreateBranch(r.Context(), documentID, body.Name, body.FromVersionID, caller.UserID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"branch": branch})
	default:
		return false
	}
	return true
}

func (s *HTTPServer) can(ctx context.Context, caller Caller, documentID string, action rbac.Action) bool {
	return s.services.Ledger.Can(ctx, caller.UserID, rbac.Document(documentID), action, rbac.RequestContext(ctx))
}
