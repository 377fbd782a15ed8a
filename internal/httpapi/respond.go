package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
)

// ErrorResponse is the body of every failed local API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)

	msg := "internal error"
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Local API request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	respond(w, status, ErrorResponse{Error: msg, Code: string(code)})
}

func badRequest(w http.ResponseWriter, msg string) {
	respond(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(apperrors.ErrInvalid)})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrCacheMiss:
		return http.StatusNotFound
	case apperrors.ErrTokenExpired:
		return http.StatusUnauthorized
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrDeliveryRejected:
		return http.StatusUnprocessableEntity
	case apperrors.ErrDeliveryFailed:
		return http.StatusBadGateway
	case apperrors.ErrOffline, apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
