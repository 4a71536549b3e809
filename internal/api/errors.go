package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"webldap/internal/captcha"
	"webldap/internal/logger"
	"webldap/internal/middleware"
	"webldap/internal/service"
	"webldap/internal/util"
)

// statusFor maps a service error to an HTTP status and a stable code. The
// more specific conflicts are checked before ErrConflict, which wraps them.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "invalid_token"
	case errors.Is(err, service.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, service.ErrHandleTaken):
		return http.StatusConflict, "handle_taken"
	case errors.Is(err, service.ErrClaimLost):
		return http.StatusConflict, "request_in_use"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, "password_rejected"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, service.ErrSessionMismatch):
		return http.StatusUnauthorized, "session_mismatch"
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusInternalServerError, "invalid_state"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrNoSuchEntry):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, service.ErrDirectory):
		return http.StatusBadGateway, "directory_error"
	case errors.Is(err, captcha.ErrCaptchaRequired):
		return http.StatusBadRequest, "captcha_required"
	case errors.Is(err, captcha.ErrCaptchaUnavailable):
		return http.StatusServiceUnavailable, "captcha_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		logger.From(r.Context()).Error("request failed", zap.String("code", code), zap.Error(err))
		if code == "internal_error" {
			msg = "internal error"
		} else if code == "directory_error" {
			msg = service.ErrDirectory.Error()
		}
	}
	util.WriteError(w, status, code, msg, middleware.RequestID(r.Context()))
}
