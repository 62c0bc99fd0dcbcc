package app

import (
	"errors"
	"net/http"

	"docflow/api/internal/apperr"
	"docflow/api/internal/auth"
)

var errorCodes = []struct {
	kind   error
	status int
	code   string
}{
	{apperr.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{apperr.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{apperr.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{apperr.ErrConflict, http.StatusConflict, "CONFLICT"},
	{apperr.ErrInvalidWorkflow, http.StatusUnprocessableEntity, "INVALID_WORKFLOW"},
	{apperr.ErrInvalidLevel, http.StatusUnprocessableEntity, "INVALID_LEVEL"},
	{apperr.ErrValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
}

func mapError(err error) (status int, code, message string, details any) {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.kind) {
			message = err.Error()
			var appErr *apperr.Error
			if errors.As(err, &appErr) && appErr.Message != "" {
				message = appErr.Message
			}
			return entry.status, entry.code, message, apperr.DetailsOf(err)
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}
