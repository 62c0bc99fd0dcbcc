package app

import (
	"net/http"
	"strconv"

	"docflow/api/internal/comments"
	"docflow/api/internal/store"
)

func (s *HTTPServer) handleDocumentComments(w http.ResponseWriter, r *http.Request, caller Caller, documentID string) bool {
	switch r.Method {
	case http.MethodGet:
		openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
		items, err := s.services.Comments.List(r.Context(), documentID, caller.UserID, openOnly)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": items})
	case http.MethodPost:
		var body struct {
			VersionID string         `json:"versionId"`
			Content   string         `json:"content"`
			Position  store.Position `json:"position"`
			Mentions  []string       `json:"mentions"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		comment, err := s.services.Comments.Add(r.Context(), comments.AddInput{
			DocumentID: documentID,
			VersionID:  body.VersionID,
			Author:     caller.UserID,
			Content:    body.Content,
			Position:   body.Position,
			Mentions:   body.Mentions,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
	default:
		return false
	}
	return true
}

func (s *HTTPServer) routeComments(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) bool {
	if len(parts) < 3 {
		return false
	}
	commentID := parts[2]
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		comment, err := s.services.Comments.Get(r.Context(), commentID, caller.UserID)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comment})
	case len(parts) == 4 && parts[3] == "replies" && r.Method == http.MethodPost:
		var body struct {
			Content  string   `json:"content"`
			Mentions []string `json:"mentions"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return true
		}
		reply, err := s.services.Comments.Reply(r.Context(), comments.ReplyInput{
			CommentID: commentID,
			Author:    caller.UserID,
			Content:   body.Content,
			Mentions:  body.Mentions,
		})
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"reply": reply})
	case len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodPost:
		comment, err := s.services.Comments.Resolve(r.Context(), commentID, caller.UserID)
		s.writeComment(w, comment, err)
	case len(parts) == 4 && parts[3] == "reopen" && r.Method == http.MethodPost:
		comment, err := s.services.Comments.Reopen(r.Context(), commentID, caller.UserID)
		s.writeComment(w, comment, err)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) writeComment(w http.ResponseWriter, comment store.Comment, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": comment})
}
