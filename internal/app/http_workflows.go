package app

import (
	"net/http"
	"time"

	"docflow/api/internal/store"
	"docflow/api/internal/workflow"
)

func (s *HTTPServer) handleDocumentWorkflows(w http.ResponseWriter, r *http.Request, caller Caller, documentID string) bool {
	switch r.Method {
	case http.MethodGet:
		items, err := s.services.Workflows.List(r.Context(), documentID, caller.UserID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": items})
	case http.MethodPost:
		var body struct {
			Name     string               `json:"name"`
			Steps    []workflow.StepInput `json:"steps"`
			Priority string               `json:"priority"`
			Deadline *time.Time           `json:"deadline"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		wf, err := s.services.Workflows.Create(r.Context(), workflow.CreateInput{
			DocumentID: documentID,
			Name:       body.Name,
			CreatorID:  caller.UserID,
			Steps:      body.Steps,
			Priority:   body.Priority,
			Deadline:   body.Deadline,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"workflow": wf})
	default:
		return false
	}
	return true
}

func (s *HTTPServer) routeWorkflows(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	workflowID := parts[2]
	var body struct {
		Reason string `json:"reason"`
	}
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		wf, err := s.services.Workflows.Get(r.Context(), workflowID, caller.UserID)
		s.writeWorkflow(w, wf, err)
	case len(parts) == 4 && parts[3] == "cancel" && r.Method == http.MethodPost:
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		wf, err := s.services.Workflows.Cancel(r.Context(), workflowID, caller.UserID, body.Reason)
		s.writeWorkflow(w, wf, err)
	case len(parts) == 6 && parts[3] == "steps" && parts[5] == "approve" && r.Method == http.MethodPost:
		wf, err := s.services.Workflows.Approve(r.Context(), workflowID, parts[4], caller.UserID)
		s.writeWorkflow(w, wf, err)
	case len(parts) == 6 && parts[3] == "steps" && parts[5] == "reject" && r.Method == http.MethodPost:
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		wf, err := s.services.Workflows.Reject(r.Context(), workflowID, parts[4], caller.UserID, body.Reason)
		s.writeWorkflow(w, wf, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) writeWorkflow(w http.ResponseWriter, wf store.Workflow, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf})
}
