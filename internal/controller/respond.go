// internal/controller/respond.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broadcast-mailer/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeError maps service errors onto HTTP statuses. Unknown errors are logged
// and hidden behind a 500.
func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	var verr *appErrors.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": verr.Errors})
	case appErrors.IsNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case appErrors.IsInvalidState(err):
		writeMessage(w, http.StatusConflict, err.Error())
	case appErrors.IsQuotaUnavailable(err):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	case appErrors.IsProvisioning(err):
		writeMessage(w, http.StatusBadGateway, err.Error())
	default:
		log.Errorw("request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// teamID reads the acting team from header. It writes a 401 and returns false when absent.
func teamID(w http.ResponseWriter, r *http.Request, header string) (string, bool) {
	id := r.Header.Get(header)
	if id == "" {
		writeMessage(w, http.StatusUnauthorized, "missing team")
		return "", false
	}
	return id, true
}
