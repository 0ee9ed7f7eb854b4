package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tenant-control-plane/internal/platform/errs"
)

// ErrorBody is the JSON error envelope of every API response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps err onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNoTenant), errors.Is(err, errs.ErrTenantInactive), errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrSyncConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WriteError writes err as an ErrorBody. Errors outside the taxonomy are logged and reported as
// "internal" without their text.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError && log != nil {
		log.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, code, ErrorBody{Error: errs.Code(err), Message: errs.Message(err)})
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
